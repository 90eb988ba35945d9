// Package sponsor serializes transaction submission from the shared sponsor
// wallet and enforces its daily transaction budget. Both mechanisms live in
// the shared key-value store: a token-guarded nonce lease per
// (chain, sponsor) and a day-keyed counter with an atomic upper bound.
package sponsor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/kv"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/lease"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/metrics"
)

// DefaultLeaseTTL bounds how long a crashed holder can block the wallet.
const DefaultLeaseTTL = 30 * time.Second

var (
	// ErrLeaseBusy means another submission holds the wallet. Callers
	// surface this as retry-later; it is never retried internally.
	ErrLeaseBusy = errors.New("sponsor: nonce lease busy")

	// ErrRateLimited means the daily transaction budget is exhausted.
	ErrRateLimited = errors.New("sponsor: daily transaction limit reached")

	// ErrNotLeaseHolder means a fenced update lost the lease. This
	// indicates holding past expiry and always propagates.
	ErrNotLeaseHolder = errors.New("sponsor: lease taken over by another holder")

	// ErrNonceRegression guards the invariant that nextNonceToUse only
	// ever increases on a lease chain.
	ErrNonceRegression = errors.New("sponsor: next nonce would regress")
)

// record is the stored lease document. Token and ExpiresAtMs are managed by
// the lease package.
type record struct {
	Token         string  `json:"token"`
	ExpiresAtMs   int64   `json:"expiresAtMs"`
	NextNonce     *uint64 `json:"nextNonceToUse"`
	LastNonceUsed *uint64 `json:"lastNonceUsed"`
	LastTxHash    string  `json:"lastTxHash,omitempty"`
	LastError     string  `json:"lastError,omitempty"`
}

// Lease is a held nonce lease for one sponsored transaction attempt.
type Lease struct {
	ChainID int64
	Sponsor common.Address

	// NextNonce is the stored next nonce, nil when unknown (first use or
	// wiped record) -- the caller then queries the chain's pending nonce.
	NextNonce *uint64

	inner *lease.Lease
}

// ResolveNonce picks the nonce to use given the chain's pending nonce. The
// chain is authoritative whenever it disagrees with the stored value: a
// stored nonce can go stale across a long lease-expiry gap, and submitting
// the chain's pending nonce is always safe under the lease's exclusivity.
func (l *Lease) ResolveNonce(chainPending uint64) uint64 {
	if l.NextNonce == nil || *l.NextNonce != chainPending {
		return chainPending
	}
	return *l.NextNonce
}

// DailySlot reports a successful budget reservation.
type DailySlot struct {
	Day  string `json:"day"` // UTC YYYY-MM-DD
	Used int64  `json:"used"`
	Max  int64  `json:"max"`
}

// Status is the diagnostic view of one sponsor wallet.
type Status struct {
	LeaseHeld      bool       `json:"leaseHeld"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	NextNonce      *uint64    `json:"nextNonceToUse,omitempty"`
	LastTxHash     string     `json:"lastTxHash,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	TxCountToday   int64      `json:"txCountToday"`
}

// Manager implements nonce leasing and daily rate limiting.
type Manager struct {
	store  kv.Store
	leases *lease.Manager
	nowFn  func() time.Time
	logger *slog.Logger
}

// NewManager creates a sponsor manager on the shared store.
func NewManager(store kv.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		leases: lease.NewManager(store),
		nowFn:  time.Now,
		logger: logger.With("component", "sponsor"),
	}
}

// SetNowFunc overrides the clock for both the daily counter and the
// underlying lease manager, for tests.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFn = fn
	m.leases.SetNowFunc(fn)
}

func leaseKey(chainID int64, sponsor common.Address) string {
	return fmt.Sprintf("sponsor:nonce:%d:%s", chainID, addrString(sponsor))
}

func counterKey(chainID int64, sponsor common.Address, day, scope string) string {
	key := fmt.Sprintf("sponsor:txcount:%d:%s:%s", chainID, addrString(sponsor), day)
	if scope != "" {
		key += ":" + scope
	}
	return key
}

func addrString(a common.Address) string {
	return "0x" + common.Bytes2Hex(a.Bytes())
}

// AcquireNonceLease takes the per-(chain, sponsor) lease for ttl
// (DefaultLeaseTTL when <= 0). Contention fails fast with ErrLeaseBusy; the
// lease is advisory mutual exclusion, not a queue.
func (m *Manager) AcquireNonceLease(ctx context.Context, chainID int64, sponsor common.Address, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	inner, err := m.leases.TryAcquire(ctx, leaseKey(chainID, sponsor), ttl)
	if errors.Is(err, lease.ErrHeld) {
		metrics.SponsorLeaseAcquires.WithLabelValues("busy").Inc()
		return nil, ErrLeaseBusy
	}
	if err != nil {
		metrics.SponsorLeaseAcquires.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SponsorLeaseAcquires.WithLabelValues("ok").Inc()

	var rec record
	if err := json.Unmarshal(inner.Record, &rec); err != nil {
		// Unreadable prior state: treat the stored nonce as unknown and
		// let the chain decide.
		m.logger.Warn("unreadable nonce lease record, resetting", "key", inner.Key, "error", err)
	}
	return &Lease{
		ChainID:   chainID,
		Sponsor:   sponsor,
		NextNonce: rec.NextNonce,
		inner:     inner,
	}, nil
}

// RecordBroadcast advances the lease after a successful broadcast. It fails
// with ErrNotLeaseHolder if the lease was taken over -- never silently
// advancing someone else's state -- and with ErrNonceRegression if nextNonce
// does not move forward.
func (m *Manager) RecordBroadcast(ctx context.Context, l *Lease, nonceUsed uint64, txHash string, nextNonce uint64) error {
	if l.NextNonce != nil && nextNonce <= *l.NextNonce {
		return fmt.Errorf("%w: stored %d, proposed %d", ErrNonceRegression, *l.NextNonce, nextNonce)
	}
	if nextNonce <= nonceUsed {
		return fmt.Errorf("%w: used %d, proposed next %d", ErrNonceRegression, nonceUsed, nextNonce)
	}
	_, err := m.leases.Confirm(ctx, l.inner, map[string]any{
		"nextNonceToUse": nextNonce,
		"lastNonceUsed":  nonceUsed,
		"lastTxHash":     txHash,
		"lastError":      "",
	})
	if errors.Is(err, lease.ErrNotHolder) {
		return ErrNotLeaseHolder
	}
	if err != nil {
		return err
	}
	l.NextNonce = &nextNonce
	return nil
}

// RecordFailure stores the failure without advancing the nonce, so the slot
// is not lost on a failed broadcast.
func (m *Manager) RecordFailure(ctx context.Context, l *Lease, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := m.leases.Confirm(ctx, l.inner, map[string]any{"lastError": msg})
	if errors.Is(err, lease.ErrNotHolder) {
		return ErrNotLeaseHolder
	}
	return err
}

// ReleaseLease frees the lease immediately. Callers must run this on every
// exit path once the transaction intent is resolved; a missed release only
// costs the remaining ttl.
func (m *Manager) ReleaseLease(ctx context.Context, l *Lease) error {
	err := m.leases.Release(ctx, l.inner)
	if errors.Is(err, lease.ErrNotHolder) {
		return ErrNotLeaseHolder
	}
	return err
}

// ReserveDailySlot atomically claims one unit of the sponsor's daily
// transaction budget. Returns (nil, nil) when no limit is configured,
// ErrRateLimited when the day's budget is exhausted. The check and the
// increment are one conditional store operation; there is no window for two
// callers to both observe count == max-1 and both pass.
func (m *Manager) ReserveDailySlot(ctx context.Context, chainID int64, sponsor common.Address, maxPerDay int64, scope string) (*DailySlot, error) {
	if maxPerDay <= 0 {
		return nil, nil
	}
	day := m.nowFn().UTC().Format("2006-01-02")
	key := counterKey(chainID, sponsor, day, scope)

	doc, err := m.store.ConditionalUpdate(ctx, key,
		kv.Update{Add: map[string]int64{"txCount": 1}},
		kv.FieldLt("txCount", maxPerDay).AllowAbsent(),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		metrics.SponsorDailySlotDenied.Inc()
		return nil, fmt.Errorf("%w: %d/%d for %s", ErrRateLimited, maxPerDay, maxPerDay, day)
	}
	if err != nil {
		return nil, fmt.Errorf("reserve daily slot: %w", err)
	}

	var counter struct {
		TxCount int64 `json:"txCount"`
	}
	if err := json.Unmarshal(doc, &counter); err != nil {
		return nil, fmt.Errorf("decode daily counter: %w", err)
	}
	return &DailySlot{Day: day, Used: counter.TxCount, Max: maxPerDay}, nil
}

// MinBalanceMet reports whether the sponsor wallet holds at least min wei.
func MinBalanceMet(ctx context.Context, balanceOf func(context.Context, common.Address) (*big.Int, error), sponsor common.Address, min *big.Int) (bool, error) {
	if min == nil || min.Sign() <= 0 {
		return true, nil
	}
	balance, err := balanceOf(ctx, sponsor)
	if err != nil {
		return false, fmt.Errorf("sponsor balance: %w", err)
	}
	return balance.Cmp(min) >= 0, nil
}

// GetStatus assembles the diagnostic view for one sponsor wallet.
func (m *Manager) GetStatus(ctx context.Context, chainID int64, sponsor common.Address) (*Status, error) {
	status := &Status{}

	raw, err := m.store.Get(ctx, leaseKey(chainID, sponsor))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("read lease record: %w", err)
	}
	if err == nil {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode lease record: %w", err)
		}
		expiresAt := time.UnixMilli(rec.ExpiresAtMs)
		if m.nowFn().Before(expiresAt) {
			status.LeaseHeld = true
			status.LeaseExpiresAt = &expiresAt
		}
		status.NextNonce = rec.NextNonce
		status.LastTxHash = rec.LastTxHash
		status.LastError = rec.LastError
	}

	day := m.nowFn().UTC().Format("2006-01-02")
	rawCount, err := m.store.Get(ctx, counterKey(chainID, sponsor, day, ""))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("read daily counter: %w", err)
	}
	if err == nil {
		var counter struct {
			TxCount int64 `json:"txCount"`
		}
		if err := json.Unmarshal(rawCount, &counter); err != nil {
			return nil, fmt.Errorf("decode daily counter: %w", err)
		}
		status.TxCountToday = counter.TxCount
	}
	return status, nil
}
