package settlementd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"daisychain/ledger"
	"daisychain/native/referral"
	"daisychain/observability"
)

// Processor reconciles a completed order against the credit ledgers. Each
// order triggers two independent actions: crediting the referrer named on the
// order, and deducting any spent store credit from the buyer's balance. A
// failure in one never blocks the other.
type Processor struct {
	ledger   *ledger.Ledger
	audit    *AuditStore
	instance string
	logger   *slog.Logger
	metrics  *observability.SettlementdMetrics
	clock    func() time.Time
}

// NewProcessor wires the settlement processor with its dependencies. The
// instance names the referral discount whose stored configuration supplies
// the referrer credit amount.
func NewProcessor(led *ledger.Ledger, audit *AuditStore, instance string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		ledger:   led,
		audit:    audit,
		instance: instance,
		logger:   logger,
		metrics:  observability.Settlementd(),
		clock:    time.Now,
	}
}

// Process runs both settlement actions for the event. A returned error means
// at least one action hit a transient store failure and the whole event is
// safe to retry: referral crediting is bounded by the referee usage flag and
// credit deduction by the per-order audit record.
func (p *Processor) Process(ctx context.Context, event *CompletedOrderEvent) error {
	if event == nil {
		return fmt.Errorf("event required")
	}
	referralErr := p.settleReferral(ctx, event)
	deductionErr := p.deductStoreCredit(ctx, event)
	return errors.Join(referralErr, deductionErr)
}

func (p *Processor) settleReferral(ctx context.Context, event *CompletedOrderEvent) error {
	log := p.logger.With("order_id", event.OrderID, "action", ActionReferralCredit)

	if event.CustomerID == "" {
		log.Debug("guest checkout, referral settlement skipped")
		return nil
	}
	referrerID, ok := event.referralLinkage()
	if !ok {
		log.Debug("no validated referral linkage on order")
		return nil
	}
	done, err := p.audit.ActionDone(ctx, event.OrderID, ActionReferralCredit)
	if err != nil {
		return fmt.Errorf("audit lookup: %w", err)
	}
	if done {
		log.Debug("referral action already recorded for order")
		return nil
	}

	cfg := p.loadConfig(log)
	result, err := p.ledger.SettleReferral(event.CustomerID, referrerID, cfg.ReferrerCreditAmount, p.clock())
	if errors.Is(err, ledger.ErrSelfReferral) {
		log.Warn("self-referral rejected", "customer_id", event.CustomerID)
		p.recordOutcome(ctx, event.OrderID, ActionReferralCredit, StatusSkipped, "self-referral")
		return nil
	}
	if err != nil {
		p.metrics.RecordSettlement(ActionReferralCredit, "failed")
		p.recordOutcome(ctx, event.OrderID, ActionReferralCredit, StatusFailed, err.Error())
		return fmt.Errorf("settle referral for order %s: %w", event.OrderID, err)
	}
	if result.AlreadySettled {
		log.Info("referee already settled, no ledger mutation", "referee_id", event.CustomerID)
		p.metrics.RecordSettlement(ActionReferralCredit, "already_settled")
		p.recordOutcome(ctx, event.OrderID, ActionReferralCredit, StatusSkipped, "already settled")
		return nil
	}

	p.metrics.RecordSettlement(ActionReferralCredit, "completed")
	p.recordOutcome(ctx, event.OrderID, ActionReferralCredit, StatusCompleted,
		"credited "+ledger.FormatAmount(cfg.ReferrerCreditAmount))
	log.Info("referrer credited",
		"referrer_id", referrerID,
		"credit", ledger.FormatAmount(cfg.ReferrerCreditAmount),
		"new_balance", ledger.FormatAmount(result.NewBalance),
		"referrals_made", result.ReferralsMade,
	)

	p.emitNotification(ctx, event, referrerID, cfg)
	return nil
}

// emitNotification queues the "you earned credit" trigger for the external
// messaging collaborator. The usage flag is already set at this point, so a
// failed insert is logged and dropped rather than retried: retrying the event
// would short-circuit on the flag and never reach here again.
func (p *Processor) emitNotification(ctx context.Context, event *CompletedOrderEvent, referrerID string, cfg referral.DiscountConfig) {
	name, err := p.ledger.DisplayName(referrerID)
	if err != nil || name == "" {
		name = referrerID
	}
	notification := NotificationEvent{
		ID:             uuid.NewString(),
		ReferrerID:     referrerID,
		ReferrerName:   name,
		CreditAmount:   ledger.FormatAmount(cfg.ReferrerCreditAmount),
		OrderReference: event.OrderReference,
		CreatedAt:      p.clock().UTC(),
	}
	if err := p.audit.InsertNotification(ctx, notification); err != nil {
		p.logger.Error("notification event lost", "order_id", event.OrderID, "error", err)
		return
	}
	p.metrics.RecordNotification()
}

func (p *Processor) deductStoreCredit(ctx context.Context, event *CompletedOrderEvent) error {
	log := p.logger.With("order_id", event.OrderID, "action", ActionCreditDeduction)

	if event.CustomerID == "" {
		return nil
	}
	matches := make([]AppliedDiscount, 0, 1)
	for _, discount := range event.AppliedDiscounts {
		if discount.AttributionCode == referral.AttributionStoreCredit {
			matches = append(matches, discount)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	if len(matches) > 1 {
		log.Warn("ambiguous store-credit match, deduction skipped", "matches", len(matches))
		p.metrics.RecordSettlement(ActionCreditDeduction, "ambiguous")
		p.recordOutcome(ctx, event.OrderID, ActionCreditDeduction, StatusSkipped, "ambiguous discount match")
		return nil
	}

	done, err := p.audit.ActionDone(ctx, event.OrderID, ActionCreditDeduction)
	if err != nil {
		return fmt.Errorf("audit lookup: %w", err)
	}
	if done {
		log.Debug("deduction already recorded for order")
		return nil
	}

	amount, err := ledger.ParseAmount(matches[0].Amount)
	if err != nil {
		log.Warn("unparseable store-credit amount, deduction skipped", "amount", matches[0].Amount, "error", err)
		p.metrics.RecordSettlement(ActionCreditDeduction, "invalid_amount")
		p.recordOutcome(ctx, event.OrderID, ActionCreditDeduction, StatusSkipped, "invalid amount")
		return nil
	}

	newBalance, err := p.ledger.Debit(event.CustomerID, amount)
	if err != nil {
		p.metrics.RecordSettlement(ActionCreditDeduction, "failed")
		p.recordOutcome(ctx, event.OrderID, ActionCreditDeduction, StatusFailed, err.Error())
		return fmt.Errorf("deduct store credit for order %s: %w", event.OrderID, err)
	}

	p.metrics.RecordSettlement(ActionCreditDeduction, "completed")
	p.recordOutcome(ctx, event.OrderID, ActionCreditDeduction, StatusCompleted,
		"deducted "+ledger.FormatAmount(amount))
	log.Info("store credit deducted",
		"customer_id", event.CustomerID,
		"deducted", ledger.FormatAmount(amount),
		"new_balance", ledger.FormatAmount(newBalance),
	)
	return nil
}

// loadConfig resolves the referral discount configuration, falling back to
// the documented defaults when the blob is absent or unreadable.
func (p *Processor) loadConfig(log *slog.Logger) referral.DiscountConfig {
	raw, ok, err := p.ledger.DiscountConfig(p.instance)
	if err != nil {
		log.Warn("discount config read failed, using defaults", "instance", p.instance, "error", err)
		return referral.DefaultConfig()
	}
	if !ok {
		return referral.DefaultConfig()
	}
	cfg, err := referral.DecodeConfig(raw)
	if err != nil {
		log.Warn("discount config malformed, using defaults", "instance", p.instance, "error", err)
		return referral.DefaultConfig()
	}
	return cfg
}

// recordOutcome writes the audit row best-effort: the audit trail must never
// turn a settled action into a failure.
func (p *Processor) recordOutcome(ctx context.Context, orderID, action, status, detail string) {
	if err := p.audit.RecordAction(ctx, orderID, action, status, detail); err != nil {
		p.logger.Error("audit record failed", "order_id", orderID, "action", action, "error", err)
	}
}
