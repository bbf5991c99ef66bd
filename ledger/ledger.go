package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"daisychain/storage"
)

// ErrSelfReferral rejects settlement attempts where a customer cites
// themselves as their own referrer.
var ErrSelfReferral = errors.New("ledger: referee and referrer are the same customer")

// UsageFlag records that a referee's one-time referral has been settled. It is
// set once and terminal: no reset path exists, so one referral per customer is
// permanent for the account's lifetime.
type UsageFlag struct {
	Used       bool      `json:"used"`
	ReferrerID string    `json:"referrerId"`
	UsedAt     time.Time `json:"usedAt"`
}

// SettleResult reports the outcome of a referral settlement attempt.
type SettleResult struct {
	Settled        bool
	AlreadySettled bool
	NewBalance     *big.Rat
	ReferralsMade  uint64
}

// Ledger provides typed access to the per-customer referral attributes held
// in the key-value store. The store itself offers no transactions or
// compare-and-swap, so the ledger serialises every read-then-write behind a
// per-customer lock: a single writer owns each balance while it is mutated.
type Ledger struct {
	db storage.Database

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger wraps the attribute store with typed ledger operations.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

func keyBalance(customerID string) []byte {
	return []byte("customer/" + customerID + "/referral/balance")
}

func keyReferralCount(customerID string) []byte {
	return []byte("customer/" + customerID + "/referral/count")
}

func keyUsageFlag(customerID string) []byte {
	return []byte("customer/" + customerID + "/referral/usage")
}

func keyDisplayName(customerID string) []byte {
	return []byte("customer/" + customerID + "/profile/name")
}

func keyDiscountConfig(instanceID string) []byte {
	return []byte("discount/" + instanceID + "/config")
}

func (l *Ledger) customerLock(customerID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[customerID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[customerID] = lock
	}
	return lock
}

// Balance returns the customer's credit balance. Absent keys resolve to zero.
func (l *Ledger) Balance(customerID string) (*big.Rat, error) {
	raw, err := l.db.Get(keyBalance(customerID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return new(big.Rat), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read balance for %s: %w", customerID, err)
	}
	balance, err := ParseAmount(string(raw))
	if err != nil {
		return nil, fmt.Errorf("stored balance for %s: %w", customerID, err)
	}
	return balance, nil
}

func (l *Ledger) writeBalance(customerID string, balance *big.Rat) error {
	if err := l.db.Put(keyBalance(customerID), []byte(FormatAmount(balance))); err != nil {
		return fmt.Errorf("write balance for %s: %w", customerID, err)
	}
	return nil
}

// Credit adds amount to the customer's balance and returns the new balance.
func (l *Ledger) Credit(customerID string, amount *big.Rat) (*big.Rat, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	lock := l.customerLock(customerID)
	lock.Lock()
	defer lock.Unlock()
	return l.creditLocked(customerID, amount)
}

func (l *Ledger) creditLocked(customerID string, amount *big.Rat) (*big.Rat, error) {
	balance, err := l.Balance(customerID)
	if err != nil {
		return nil, err
	}
	balance.Add(balance, amount)
	if err := l.writeBalance(customerID, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// Debit subtracts amount from the customer's balance, clamping at zero, and
// returns the new balance. The balance invariant is that it never goes
// negative regardless of the amount requested.
func (l *Ledger) Debit(customerID string, amount *big.Rat) (*big.Rat, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	lock := l.customerLock(customerID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.Balance(customerID)
	if err != nil {
		return nil, err
	}
	balance.Sub(balance, amount)
	if balance.Sign() < 0 {
		balance.SetInt64(0)
	}
	if err := l.writeBalance(customerID, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func validateAmount(amount *big.Rat) error {
	if amount == nil {
		return fmt.Errorf("amount required")
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("amount must not be negative")
	}
	scaled := new(big.Rat).Mul(amount, amountScaleFactor)
	if !scaled.IsInt() {
		return fmt.Errorf("amount requires precision beyond %d decimals", amountScale)
	}
	return nil
}

// ReferralCount returns how many settled referrals the customer has made.
func (l *Ledger) ReferralCount(customerID string) (uint64, error) {
	raw, err := l.db.Get(keyReferralCount(customerID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read referral count for %s: %w", customerID, err)
	}
	count, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stored referral count for %s: %w", customerID, err)
	}
	return count, nil
}

// IncrementReferralCount bumps the customer's settled-referral counter.
func (l *Ledger) IncrementReferralCount(customerID string) (uint64, error) {
	lock := l.customerLock(customerID)
	lock.Lock()
	defer lock.Unlock()
	return l.incrementReferralCountLocked(customerID)
}

func (l *Ledger) incrementReferralCountLocked(customerID string) (uint64, error) {
	count, err := l.ReferralCount(customerID)
	if err != nil {
		return 0, err
	}
	count++
	if err := l.db.Put(keyReferralCount(customerID), []byte(strconv.FormatUint(count, 10))); err != nil {
		return 0, fmt.Errorf("write referral count for %s: %w", customerID, err)
	}
	return count, nil
}

// UsageFlag returns the referee's one-time usage flag, reporting whether one
// has been recorded at all.
func (l *Ledger) UsageFlag(refereeID string) (UsageFlag, bool, error) {
	raw, err := l.db.Get(keyUsageFlag(refereeID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return UsageFlag{}, false, nil
	}
	if err != nil {
		return UsageFlag{}, false, fmt.Errorf("read usage flag for %s: %w", refereeID, err)
	}
	var flag UsageFlag
	if err := json.Unmarshal(raw, &flag); err != nil {
		return UsageFlag{}, false, fmt.Errorf("stored usage flag for %s: %w", refereeID, err)
	}
	return flag, true, nil
}

// SetUsageFlag marks the referee's referral as settled.
func (l *Ledger) SetUsageFlag(refereeID, referrerID string, at time.Time) error {
	flag := UsageFlag{Used: true, ReferrerID: referrerID, UsedAt: at.UTC()}
	raw, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("encode usage flag for %s: %w", refereeID, err)
	}
	if err := l.db.Put(keyUsageFlag(refereeID), raw); err != nil {
		return fmt.Errorf("write usage flag for %s: %w", refereeID, err)
	}
	return nil
}

// ShouldSettle reports whether the referee is still eligible for settlement.
// It must be evaluated strictly before any ledger mutation for that referee.
func (l *Ledger) ShouldSettle(refereeID string) (bool, error) {
	flag, ok, err := l.UsageFlag(refereeID)
	if err != nil {
		return false, err
	}
	return !ok || !flag.Used, nil
}

// SettleReferral runs the full referral settlement for one referee: check the
// usage flag, credit the referrer, increment their referral count, then set
// the flag, in that fixed order. Crediting before flagging means a crash in
// between risks a re-credit on retry, never a silently lost credit.
//
// Both customer locks are held for the whole sequence (acquired in sorted
// order), so concurrent attempts for the same referee settle exactly once.
func (l *Ledger) SettleReferral(refereeID, referrerID string, amount *big.Rat, at time.Time) (SettleResult, error) {
	if refereeID == referrerID {
		return SettleResult{}, ErrSelfReferral
	}
	if err := validateAmount(amount); err != nil {
		return SettleResult{}, err
	}

	first, second := refereeID, referrerID
	if first > second {
		first, second = second, first
	}
	firstLock := l.customerLock(first)
	secondLock := l.customerLock(second)
	firstLock.Lock()
	defer firstLock.Unlock()
	secondLock.Lock()
	defer secondLock.Unlock()

	eligible, err := l.ShouldSettle(refereeID)
	if err != nil {
		return SettleResult{}, err
	}
	if !eligible {
		return SettleResult{AlreadySettled: true}, nil
	}

	balance, err := l.creditLocked(referrerID, amount)
	if err != nil {
		return SettleResult{}, err
	}
	count, err := l.incrementReferralCountLocked(referrerID)
	if err != nil {
		return SettleResult{}, err
	}
	if err := l.SetUsageFlag(refereeID, referrerID, at); err != nil {
		return SettleResult{}, err
	}
	return SettleResult{Settled: true, NewBalance: balance, ReferralsMade: count}, nil
}

// DisplayName returns the customer's stored display name, or the empty string
// when no profile entry exists.
func (l *Ledger) DisplayName(customerID string) (string, error) {
	raw, err := l.db.Get(keyDisplayName(customerID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read display name for %s: %w", customerID, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// SetDisplayName stores the customer's display name.
func (l *Ledger) SetDisplayName(customerID, name string) error {
	if err := l.db.Put(keyDisplayName(customerID), []byte(strings.TrimSpace(name))); err != nil {
		return fmt.Errorf("write display name for %s: %w", customerID, err)
	}
	return nil
}

// DiscountConfig returns the raw JSON configuration blob for a discount
// instance, reporting whether one exists.
func (l *Ledger) DiscountConfig(instanceID string) ([]byte, bool, error) {
	raw, err := l.db.Get(keyDiscountConfig(instanceID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read discount config %s: %w", instanceID, err)
	}
	return raw, true, nil
}

// PutDiscountConfig stores the JSON configuration blob for a discount
// instance, overwriting any previous version wholesale.
func (l *Ledger) PutDiscountConfig(instanceID string, raw []byte) error {
	if !json.Valid(raw) {
		return fmt.Errorf("discount config %s is not valid JSON", instanceID)
	}
	if err := l.db.Put(keyDiscountConfig(instanceID), raw); err != nil {
		return fmt.Errorf("write discount config %s: %w", instanceID, err)
	}
	return nil
}
