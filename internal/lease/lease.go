// Package lease implements the one coordination primitive every
// mutually-exclusive flow in this service is built on: an expiring,
// token-guarded record in the shared key-value store. There is no lock
// service; acquisition is a conditional create ("absent or expired"),
// every later mutation is fenced by the token, and a crashed holder
// self-heals by expiry.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/kv"
)

const (
	// FieldToken is the record attribute holding the owner token.
	FieldToken = "token"
	// FieldExpiresAt is the record attribute holding the lease deadline
	// in epoch milliseconds. Zero means released.
	FieldExpiresAt = "expiresAtMs"
)

var (
	// ErrHeld is returned by TryAcquire when a live lease exists. It is a
	// fail-fast signal; callers surface it as retry-later rather than
	// spinning on the store.
	ErrHeld = errors.New("lease: already held")

	// ErrNotHolder is returned when a fenced mutation finds a different
	// token in the record. This means the caller outlived its lease and
	// must not be ignored.
	ErrNotHolder = errors.New("lease: token no longer holds the lease")
)

// Lease is a held lease. The token fences all subsequent operations.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time

	// Record is the full document as of acquisition, so callers can read
	// their own fields (e.g. a stored next nonce) without a second Get.
	Record json.RawMessage
}

// Manager acquires and manipulates leases on a kv.Store.
type Manager struct {
	store kv.Store
	nowFn func() time.Time
}

// NewManager creates a lease manager backed by store.
func NewManager(store kv.Store) *Manager {
	return &Manager{store: store, nowFn: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFn = fn
}

// TryAcquire attempts to take the lease at key for ttl. It succeeds only if
// no record exists, the current lease has expired, or the record was
// explicitly released (expiresAtMs <= now covers both). On contention it
// fails immediately with ErrHeld.
func (m *Manager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	now := m.nowFn()
	token := uuid.NewString()
	expiresAt := now.Add(ttl)

	record, err := m.store.ConditionalUpdate(ctx, key,
		kv.Update{Set: map[string]any{
			FieldToken:     token,
			FieldExpiresAt: expiresAt.UnixMilli(),
		}},
		kv.FieldLe(FieldExpiresAt, now.UnixMilli()).AllowAbsent(),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, ErrHeld
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease %q: %w", key, err)
	}
	return &Lease{Key: key, Token: token, ExpiresAt: expiresAt, Record: record}, nil
}

// Confirm applies set to the lease record iff the caller still holds it.
// The managed token and expiry fields cannot be overwritten through Confirm.
func (m *Manager) Confirm(ctx context.Context, l *Lease, set map[string]any) (json.RawMessage, error) {
	clean := make(map[string]any, len(set))
	for k, v := range set {
		if k == FieldToken || k == FieldExpiresAt {
			continue
		}
		clean[k] = v
	}
	record, err := m.store.ConditionalUpdate(ctx, l.Key,
		kv.Update{Set: clean},
		kv.FieldEq(FieldToken, l.Token),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		return nil, ErrNotHolder
	}
	if err != nil {
		return nil, fmt.Errorf("confirm lease %q: %w", l.Key, err)
	}
	return record, nil
}

// Release zeroes the expiry so the next caller can acquire immediately
// instead of waiting out the ttl. Releasing a lease that was already taken
// over returns ErrNotHolder; releasing twice is harmless for the second
// caller only in that same sense.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	_, err := m.store.ConditionalUpdate(ctx, l.Key,
		kv.Update{Set: map[string]any{FieldExpiresAt: int64(0)}},
		kv.FieldEq(FieldToken, l.Token),
	)
	if errors.Is(err, kv.ErrConditionFailed) {
		return ErrNotHolder
	}
	if err != nil {
		return fmt.Errorf("release lease %q: %w", l.Key, err)
	}
	return nil
}

// Status reports whether a live lease exists at key and when it expires.
func (m *Manager) Status(ctx context.Context, key string) (held bool, expiresAt time.Time, err error) {
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("lease status %q: %w", key, err)
	}
	var rec struct {
		ExpiresAtMs int64 `json:"expiresAtMs"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, time.Time{}, fmt.Errorf("decode lease record %q: %w", key, err)
	}
	expiresAt = time.UnixMilli(rec.ExpiresAtMs)
	return m.nowFn().Before(expiresAt), expiresAt, nil
}
