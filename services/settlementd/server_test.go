package settlementd

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"daisychain/ledger"
	"daisychain/storage"
)

func newTestServer(t *testing.T, secret string) (*Server, *ledger.Ledger, *AuditStore) {
	t.Helper()
	led := ledger.NewLedger(storage.NewMemDB())
	audit := newTestAudit(t)
	q, _ := newTestQueue(t, 3, time.Second)
	server := NewServer(ServerConfig{
		Environment:      "test",
		WebhookSecret:    secret,
		ReferralInstance: "referral-program",
		RatePerMinute:    6000,
		RateBurst:        100,
	}, led, q, audit, testLogger())
	return server, led, audit
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	server, _, _ := newTestServer(t, "topsecret")
	handler := server.Router()

	body := []byte(`{"order_id":"order-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/order-completed", bytes.NewReader(body))
	req.Header.Set(headerSignature, "deadbeef")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/order-completed", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature status = %d, want 401", rec.Code)
	}
}

func TestWebhookQueuesEvent(t *testing.T) {
	server, _, _ := newTestServer(t, "topsecret")
	handler := server.Router()

	body := []byte(`{"order_id":"order-1","customer_id":"cust-a"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/order-completed", bytes.NewReader(body))
	req.Header.Set(headerSignature, sign("topsecret", body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "queued" || resp["taskId"] == "" {
		t.Fatalf("unexpected response: %v", resp)
	}
	depth, err := server.queue.Depth()
	if err != nil || depth != 1 {
		t.Fatalf("queue depth = %d (%v), want 1", depth, err)
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	handler := server.Router()

	body := []byte(`{"order_reference":"#1001"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/order-completed", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func postDecision(t *testing.T, handler http.Handler, payload string) decisionResponseDTO {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/decisions", bytes.NewReader([]byte(payload)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp decisionResponseDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestDecisionReferral(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	handler := server.Router()

	resp := postDecision(t, handler, `{
        "kind": "referral",
        "cart": {
            "subtotal": "50.00",
            "referral_validated": "true",
            "referrer_customer_id": "cust-referrer",
            "discount_classes": ["ORDER"]
        }
    }`)
	if resp.SelectionStrategy != "FIRST" {
		t.Fatalf("strategy = %s, want FIRST", resp.SelectionStrategy)
	}
	if len(resp.Candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(resp.Candidates))
	}
	candidate := resp.Candidates[0]
	if candidate.Kind != "PERCENTAGE" || candidate.Value != "10.00" {
		t.Fatalf("unexpected candidate: %+v", candidate)
	}
	if candidate.Message != "Referral discount: 10% off" {
		t.Fatalf("message = %q", candidate.Message)
	}
	if candidate.AttributionCode != "referral" {
		t.Fatalf("attribution = %q", candidate.AttributionCode)
	}
}

func TestDecisionReferralNotValidated(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	resp := postDecision(t, server.Router(), `{
        "kind": "referral",
        "cart": {
            "subtotal": "50.00",
            "referrer_customer_id": "cust-referrer",
            "discount_classes": ["ORDER"]
        }
    }`)
	if len(resp.Candidates) != 0 {
		t.Fatalf("candidates = %d, want 0", len(resp.Candidates))
	}
}

func TestDecisionStoreCreditCappedAtSubtotal(t *testing.T) {
	server, led, _ := newTestServer(t, "")
	if _, err := led.Credit("cust-a", ratFrom(t, "8.00")); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
	resp := postDecision(t, server.Router(), `{
        "kind": "store_credit",
        "customer_id": "cust-a",
        "cart": {
            "subtotal": "5.00",
            "discount_classes": ["ORDER"]
        }
    }`)
	if len(resp.Candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(resp.Candidates))
	}
	candidate := resp.Candidates[0]
	if candidate.Kind != "FIXED_AMOUNT" || candidate.Value != "5.00" {
		t.Fatalf("unexpected candidate: %+v", candidate)
	}
	if candidate.Message != "Store credit: $5.00" {
		t.Fatalf("message = %q", candidate.Message)
	}
	if candidate.AttributionCode != "store-credit" {
		t.Fatalf("attribution = %q", candidate.AttributionCode)
	}
}

func TestDecisionStoreCreditAnonymousEmpty(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	resp := postDecision(t, server.Router(), `{
        "kind": "store_credit",
        "cart": {"subtotal": "5.00", "discount_classes": ["ORDER"]}
    }`)
	if len(resp.Candidates) != 0 {
		t.Fatalf("candidates = %d, want 0", len(resp.Candidates))
	}
}

func TestDecisionFailsClosedOnGarbage(t *testing.T) {
	server, _, _ := newTestServer(t, "")
	resp := postDecision(t, server.Router(), `{"kind": "referral", "cart": {"subtotal": "not-a-number"}}`)
	if len(resp.Candidates) != 0 {
		t.Fatalf("candidates = %d, want 0", len(resp.Candidates))
	}
	resp = postDecision(t, server.Router(), `not even json`)
	if len(resp.Candidates) != 0 {
		t.Fatalf("candidates = %d, want 0", len(resp.Candidates))
	}
}

func TestLedgerEndpoint(t *testing.T) {
	server, led, _ := newTestServer(t, "")
	if _, err := led.Credit("cust-a", ratFrom(t, "12.34")); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/ledger/cust-a", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		CustomerID    string `json:"customer_id"`
		CreditBalance string `json:"credit_balance"`
		ReferralsMade uint64 `json:"referrals_made"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CustomerID != "cust-a" || resp.CreditBalance != "12.34" || resp.ReferralsMade != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	server, _, audit := newTestServer(t, "")
	handler := server.Router()
	event := NotificationEvent{
		ID:             "note-1",
		ReferrerID:     "cust-referrer",
		ReferrerName:   "Ada",
		CreditAmount:   "5.00",
		OrderReference: "#1001",
		CreatedAt:      time.Now(),
	}
	if err := audit.InsertNotification(context.Background(), event); err != nil {
		t.Fatalf("insert: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/notifications/pending", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending status = %d, want 200", rec.Code)
	}
	var listing struct {
		Events []NotificationEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Events) != 1 || listing.Events[0].ID != "note-1" {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	req = httptest.NewRequest(http.MethodPost, "/notifications/note-1/ack", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("ack status = %d, want 204", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/notifications/note-1/ack", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second ack status = %d, want 404", rec.Code)
	}
}

func TestVerifyWebhookHMAC(t *testing.T) {
	body := []byte(`{"order_id":"order-1"}`)
	valid := sign("secret", body)
	cases := []struct {
		name     string
		secret   string
		provided string
		want     bool
	}{
		{"valid", "secret", valid, true},
		{"valid uppercase", "secret", "0X" + valid, true},
		{"wrong secret", "other", valid, false},
		{"empty signature", "secret", "", false},
		{"not hex", "secret", "zzzz", false},
		{"verification disabled", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := VerifyWebhookHMAC(tc.secret, body, tc.provided); got != tc.want {
				t.Fatalf("VerifyWebhookHMAC = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEventParsing(t *testing.T) {
	event, err := ParseCompletedOrderEvent([]byte(`{
        "order_id": " order-1 ",
        "customer_id": "cust-a",
        "applied_discounts": [{"attribution_code": " store-credit ", "amount": " 3.00 "}]
    }`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.OrderID != "order-1" || event.OrderReference != "#order-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.AppliedDiscounts[0].AttributionCode != "store-credit" {
		t.Fatalf("attribution not trimmed: %+v", event.AppliedDiscounts[0])
	}

	if _, err := ParseCompletedOrderEvent([]byte(`{"customer_id":"cust-a"}`)); err == nil {
		t.Fatal("parse accepted event without order_id")
	}
}
