package settlementd

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"daisychain/gateway/middleware"
	"daisychain/ledger"
	"daisychain/native/referral"
	"daisychain/observability"
)

const (
	headerSignature    = "X-Daisychain-Signature"
	maxWebhookBodySize = 1 << 20
)

// ServerConfig captures the HTTP surface's runtime options.
type ServerConfig struct {
	Environment      string
	WebhookSecret    string
	ReferralInstance string
	RequestTimeout   time.Duration
	RatePerMinute    float64
	RateBurst        int
}

// Server exposes the settlement daemon's HTTP surface: webhook ingestion,
// synchronous discount decisions, ledger reads, and the notification outbox.
type Server struct {
	cfg     ServerConfig
	ledger  *ledger.Ledger
	queue   *Queue
	audit   *AuditStore
	logger  *slog.Logger
	metrics *observability.SettlementdMetrics
	obs     *middleware.Observability
	limiter *middleware.RateLimiter
}

// NewServer wires the HTTP handlers with their dependencies.
func NewServer(cfg ServerConfig, led *ledger.Ledger, queue *Queue, audit *AuditStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "daisychaind",
		Enabled:     true,
		LogRequests: cfg.Environment == "local",
	}, logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"webhook": {RequestsPerMinute: cfg.RatePerMinute, Burst: cfg.RateBurst},
	}, logger)
	return &Server{
		cfg:     cfg,
		ledger:  led,
		queue:   queue,
		audit:   audit,
		logger:  logger,
		metrics: observability.Settlementd(),
		obs:     obs,
		limiter: limiter,
	}
}

// Router assembles the service routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/webhooks/order-completed",
		s.limiter.Middleware("webhook")(s.obs.Middleware("webhook")(http.HandlerFunc(s.handleOrderCompleted))))
	r.Method(http.MethodPost, "/decisions",
		s.obs.Middleware("decisions")(http.HandlerFunc(s.handleDecision)))
	r.Method(http.MethodGet, "/ledger/{customerID}",
		s.obs.Middleware("ledger")(http.HandlerFunc(s.handleLedger)))
	r.Method(http.MethodGet, "/notifications/pending",
		s.obs.Middleware("notifications")(http.HandlerFunc(s.handlePendingNotifications)))
	r.Method(http.MethodPost, "/notifications/{id}/ack",
		s.obs.Middleware("notifications")(http.HandlerFunc(s.handleAckNotification)))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	return http.TimeoutHandler(r, s.cfg.RequestTimeout, "request timed out")
}

// handleOrderCompleted ingests a completed-order webhook. The event is
// persisted to the work queue and acknowledged immediately: settlement
// failures never propagate back upstream, so redelivery storms cannot build.
func (s *Server) handleOrderCompleted(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	body, err := io.ReadAll(reader)
	_ = r.Body.Close()
	if err != nil {
		s.metrics.RecordWebhook("oversized")
		s.writeError(w, http.StatusBadRequest, errors.New("read webhook body"))
		return
	}
	if !VerifyWebhookHMAC(s.cfg.WebhookSecret, body, r.Header.Get(headerSignature)) {
		s.metrics.RecordWebhook("invalid_signature")
		s.writeError(w, http.StatusUnauthorized, errors.New("invalid webhook signature"))
		return
	}
	event, err := ParseCompletedOrderEvent(body)
	if err != nil {
		s.metrics.RecordWebhook("malformed")
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	taskID, err := s.queue.Enqueue(body)
	if err != nil {
		s.metrics.RecordWebhook("enqueue_failed")
		s.writeError(w, http.StatusInternalServerError, errors.New("enqueue settlement task"))
		return
	}
	s.metrics.RecordWebhook("accepted")
	s.logger.Info("order event queued", "order_id", event.OrderID, "task_id", taskID)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "taskId": taskID})
}

type decisionCartDTO struct {
	Subtotal           string   `json:"subtotal"`
	ReferralValidated  string   `json:"referral_validated"`
	ReferrerCustomerID string   `json:"referrer_customer_id"`
	HasSubscription    bool     `json:"has_subscription"`
	DiscountClasses    []string `json:"discount_classes"`
}

type decisionRequestDTO struct {
	Kind             string          `json:"kind"`
	DiscountInstance string          `json:"discount_instance"`
	CustomerID       string          `json:"customer_id"`
	Cart             decisionCartDTO `json:"cart"`
}

type candidateDTO struct {
	Kind            string `json:"kind"`
	Value           string `json:"value"`
	Target          string `json:"target"`
	Message         string `json:"message"`
	AttributionCode string `json:"attribution_code"`
}

type decisionResponseDTO struct {
	SelectionStrategy string         `json:"selection_strategy"`
	Candidates        []candidateDTO `json:"candidates"`
}

// handleDecision runs the decision engine synchronously for the checkout
// pipeline. It fails closed: any fault resolves to an empty candidate list
// with HTTP 200, because a rewards outage must never degrade checkout.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var dto decisionRequestDTO
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBodySize)).Decode(&dto); err != nil {
		s.metrics.RecordDecision("unknown", "failed_closed")
		s.writeJSON(w, http.StatusOK, emptyDecisionDTO())
		return
	}
	kind := referral.RequestKind(strings.TrimSpace(dto.Kind))

	cart, err := decodeCart(dto.Cart)
	if err != nil {
		s.logger.Warn("decision cart rejected", "error", err)
		s.metrics.RecordDecision(string(kind), "failed_closed")
		s.writeJSON(w, http.StatusOK, emptyDecisionDTO())
		return
	}

	request := referral.DecisionRequest{Kind: kind, Cart: cart}
	switch kind {
	case referral.RequestKindReferral:
		cfg, err := s.loadDecisionConfig(dto.DiscountInstance)
		if err != nil {
			s.logger.Warn("discount config unavailable, failing closed", "error", err)
			s.metrics.RecordDecision(string(kind), "failed_closed")
			s.writeJSON(w, http.StatusOK, emptyDecisionDTO())
			return
		}
		request.Config = &cfg
	case referral.RequestKindStoreCredit:
		snapshot, err := s.loadLedgerSnapshot(dto.CustomerID)
		if err != nil {
			s.logger.Warn("ledger snapshot unavailable, failing closed", "error", err)
			s.metrics.RecordDecision(string(kind), "failed_closed")
			s.writeJSON(w, http.StatusOK, emptyDecisionDTO())
			return
		}
		request.Ledger = snapshot
	}

	decision := referral.Evaluate(request)
	outcome := "empty"
	if len(decision.Candidates) > 0 {
		outcome = "candidates"
	}
	s.metrics.RecordDecision(string(kind), outcome)
	s.writeJSON(w, http.StatusOK, encodeDecision(decision))
}

func (s *Server) loadDecisionConfig(instance string) (referral.DiscountConfig, error) {
	if strings.TrimSpace(instance) == "" {
		instance = s.cfg.ReferralInstance
	}
	raw, ok, err := s.ledger.DiscountConfig(instance)
	if err != nil {
		return referral.DiscountConfig{}, err
	}
	if !ok {
		return referral.DefaultConfig(), nil
	}
	return referral.DecodeConfig(raw)
}

func (s *Server) loadLedgerSnapshot(customerID string) (*referral.LedgerSnapshot, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		// Not logged in: store credit simply does not apply.
		return nil, nil
	}
	balance, err := s.ledger.Balance(customerID)
	if err != nil {
		return nil, err
	}
	count, err := s.ledger.ReferralCount(customerID)
	if err != nil {
		return nil, err
	}
	return &referral.LedgerSnapshot{
		CustomerID:    customerID,
		CreditBalance: balance,
		ReferralsMade: count,
	}, nil
}

func decodeCart(dto decisionCartDTO) (referral.CartSnapshot, error) {
	cart := referral.CartSnapshot{
		ReferralValidated:  strings.TrimSpace(dto.ReferralValidated),
		ReferrerCustomerID: strings.TrimSpace(dto.ReferrerCustomerID),
		HasSubscription:    dto.HasSubscription,
	}
	if strings.TrimSpace(dto.Subtotal) != "" {
		subtotal, err := ledger.ParseAmount(dto.Subtotal)
		if err != nil {
			return referral.CartSnapshot{}, err
		}
		cart.Subtotal = subtotal
	}
	for _, class := range dto.DiscountClasses {
		cart.DiscountClasses = append(cart.DiscountClasses,
			referral.DiscountClass(strings.ToUpper(strings.TrimSpace(class))))
	}
	return cart, nil
}

func emptyDecisionDTO() decisionResponseDTO {
	return decisionResponseDTO{
		SelectionStrategy: string(referral.SelectionFirst),
		Candidates:        []candidateDTO{},
	}
}

func encodeDecision(decision referral.Decision) decisionResponseDTO {
	dto := decisionResponseDTO{
		SelectionStrategy: string(decision.Strategy),
		Candidates:        make([]candidateDTO, 0, len(decision.Candidates)),
	}
	for _, candidate := range decision.Candidates {
		value := candidate.Value.FloatString(2)
		dto.Candidates = append(dto.Candidates, candidateDTO{
			Kind:            string(candidate.Kind),
			Value:           value,
			Target:          string(candidate.Target),
			Message:         candidate.Message,
			AttributionCode: candidate.AttributionCode,
		})
	}
	return dto
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	customerID := strings.TrimSpace(chi.URLParam(r, "customerID"))
	if customerID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("customer id required"))
		return
	}
	balance, err := s.ledger.Balance(customerID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, errors.New("ledger unavailable"))
		return
	}
	count, err := s.ledger.ReferralCount(customerID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, errors.New("ledger unavailable"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"customer_id":    customerID,
		"credit_balance": ledger.FormatAmount(balance),
		"referrals_made": count,
	})
}

func (s *Server) handlePendingNotifications(w http.ResponseWriter, r *http.Request) {
	events, err := s.audit.PendingNotifications(r.Context(), 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, errors.New("outbox unavailable"))
		return
	}
	if events == nil {
		events = []NotificationEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAckNotification(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("notification id required"))
		return
	}
	acked, err := s.audit.AckNotification(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, errors.New("outbox unavailable"))
		return
	}
	if !acked {
		s.writeError(w, http.StatusNotFound, errors.New("no pending notification with that id"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		w.WriteHeader(status)
		return
	}
	s.logger.Warn("request rejected", "status", status, "error", err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// VerifyWebhookHMAC validates webhook integrity with an HMAC-SHA256 hex
// signature. An empty secret disables verification (local development only).
func VerifyWebhookHMAC(secret string, body []byte, provided string) bool {
	if strings.TrimSpace(secret) == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	cleaned := strings.TrimSpace(strings.ToLower(provided))
	cleaned = strings.TrimPrefix(cleaned, "0x")
	if cleaned == "" {
		return false
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}
