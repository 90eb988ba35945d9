// Package roster builds, persists, and serves the admin roster: one row per
// registered user with live membership state. The roster is expensive to
// compute (a chain/subgraph fan-out per user), so it is cached in the shared
// key-value store as fixed-size pages behind a metadata commit record, with
// a configurable staleness policy and lease-coordinated rebuilds.
package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/kv"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/lease"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/membership"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/metrics"
)

// Mode selects the staleness policy for cached reads.
type Mode string

const (
	// ModeOff disables the shared cache; every read computes fresh.
	ModeOff Mode = "off"
	// ModeReadThrough blocks stale reads on a synchronous rebuild.
	ModeReadThrough Mode = "read-through"
	// ModeStaleWhileRevalidate serves stale-but-usable data immediately
	// and rebuilds in the background.
	ModeStaleWhileRevalidate Mode = "stale-while-revalidate"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOff, ModeReadThrough, ModeStaleWhileRevalidate:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown roster cache mode %q", s)
}

const (
	// schemaVersion gates cached entries: a bump invalidates every
	// existing cache without a migration.
	schemaVersion = 2

	metaKey    = "roster:meta"
	pageKeyFmt = "roster:page:%05d"
	lockKey    = "roster:lock"

	// LockTTL bounds how long a crashed rebuilder blocks persistence.
	LockTTL = 5 * time.Minute

	// expiringSoonWindow feeds the "expiring soon" summary count.
	expiringSoonWindow = 30 * 24 * time.Hour
)

// Member is one roster row.
type Member struct {
	Email           string            `json:"email"`
	Name            string            `json:"name,omitempty"`
	WalletAddresses []string          `json:"walletAddresses,omitempty"`
	AutoRenew       bool              `json:"autoRenew"`
	Status          membership.Status `json:"status"`
	TierID          string            `json:"tierId,omitempty"`
	Expiry          *int64            `json:"expiry,omitempty"` // epoch seconds
	Note            string            `json:"note,omitempty"`   // set when resolution failed
}

// Summary is the roster-level aggregate, computed once at build time.
type Summary struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	Expired      int `json:"expired"`
	None         int `json:"none"`
	AutoRenewOn  int `json:"autoRenewOn"`
	AutoRenewOff int `json:"autoRenewOff"`
	ExpiringSoon int `json:"expiringSoon"` // within 30 days
}

// ComputeSummary aggregates members. Exposed so a legacy cache entry
// missing the summary can be backfilled at read time instead of discarded.
func ComputeSummary(members []Member, now time.Time) Summary {
	s := Summary{Total: len(members)}
	soonCutoff := now.Add(expiringSoonWindow).Unix()
	for _, m := range members {
		switch m.Status {
		case membership.StatusActive:
			s.Active++
		case membership.StatusExpired:
			s.Expired++
		default:
			s.None++
		}
		if m.AutoRenew {
			s.AutoRenewOn++
		} else {
			s.AutoRenewOff++
		}
		if m.Status == membership.StatusActive && m.Expiry != nil &&
			*m.Expiry > now.Unix() && *m.Expiry <= soonCutoff {
			s.ExpiringSoon++
		}
	}
	return s
}

// metadata is the cache commit record. A cache entry exists iff metadata
// exists and matches the running schema version and tier fingerprint.
type metadata struct {
	Version      int      `json:"version"`
	ComputedAtMs int64    `json:"computedAtMs"`
	ExpiresAtMs  int64    `json:"expiresAtMs"`
	PageCount    int      `json:"pageCount"`
	PageSize     int      `json:"pageSize"`
	TotalMembers int      `json:"totalMembers"`
	TiersHash    string   `json:"tiersHash"`
	Meta         *Summary `json:"meta,omitempty"`
}

type page struct {
	PageIndex int      `json:"pageIndex"` // 1-based
	Members   []Member `json:"members"`
}

// Roster is a served roster with its provenance.
type Roster struct {
	Members    []Member  `json:"members"`
	Meta       Summary   `json:"meta"`
	ComputedAt time.Time `json:"computedAt"`

	// Cached means served from the shared cache without recomputing.
	Cached bool `json:"cached"`
	// Persisted means this computation was written back; false for
	// lock-race losers and disabled-cache reads.
	Persisted bool `json:"persisted"`
}

// CacheStatus is the diagnostic view for monitoring surfaces.
type CacheStatus struct {
	Mode             Mode       `json:"mode"`
	Exists           bool       `json:"exists"`
	IsFresh          bool       `json:"isFresh"`
	IsStale          bool       `json:"isStale"`
	IsWithinMaxStale bool       `json:"isWithinMaxStale"`
	ComputedAt       *time.Time `json:"computedAt,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	TotalMembers     int        `json:"totalMembers"`
	LockHeld         bool       `json:"lockHeld"`
	LockExpiresAt    *time.Time `json:"lockExpiresAt,omitempty"`
}

// BuildFunc computes the full roster from the source of truth.
type BuildFunc func(ctx context.Context) ([]Member, error)

// Config controls the staleness policy.
type Config struct {
	Mode     Mode
	TTL      time.Duration
	MaxStale time.Duration // >= TTL
	PageSize int
	// TiersHash fingerprints the tier configuration the roster was
	// computed under; entries from a different configuration are never
	// served.
	TiersHash string
}

func (c *Config) validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Mode == ModeOff {
		return nil
	}
	if c.TTL <= 0 {
		return errors.New("roster cache ttl must be positive")
	}
	if c.MaxStale < c.TTL {
		return fmt.Errorf("roster max-stale %s must be >= ttl %s", c.MaxStale, c.TTL)
	}
	if c.PageSize <= 0 {
		return errors.New("roster page size must be positive")
	}
	if c.TiersHash == "" {
		return errors.New("roster tiers hash must be set")
	}
	return nil
}

// Manager is the roster cache manager.
type Manager struct {
	cfg    Config
	store  kv.Store
	locks  *lease.Manager
	build  BuildFunc
	nowFn  func() time.Time
	logger *slog.Logger

	// asyncFn runs fire-and-forget rebuilds. Tests replace it to run
	// them inline.
	asyncFn func(func())
}

// NewManager creates a roster manager. build is the full fan-out over
// registered users.
func NewManager(cfg Config, store kv.Store, build BuildFunc, logger *slog.Logger) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		locks:   lease.NewManager(store),
		build:   build,
		nowFn:   time.Now,
		logger:  logger.With("component", "roster"),
		asyncFn: func(fn func()) { go fn() },
	}, nil
}

// SetNowFunc overrides the clock, for tests.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFn = fn
	m.locks.SetNowFunc(fn)
}

// SetAsyncFunc overrides how background rebuilds are scheduled, for tests.
func (m *Manager) SetAsyncFunc(fn func(func())) {
	m.asyncFn = fn
}

// Get is the primary read path. force bypasses the cache and always
// recomputes synchronously, writing the result back.
func (m *Manager) Get(ctx context.Context, force bool) (*Roster, error) {
	if m.cfg.Mode == ModeOff {
		metrics.RosterCacheReads.WithLabelValues("disabled").Inc()
		return m.computeOnly(ctx)
	}
	if force {
		metrics.RosterCacheReads.WithLabelValues("bypass").Inc()
		return m.Rebuild(ctx)
	}

	cached, err := m.loadCached(ctx)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		metrics.RosterCacheReads.WithLabelValues("miss").Inc()
		return m.Rebuild(ctx)
	}

	now := m.nowFn()
	age := now.Sub(cached.ComputedAt)
	if age < m.cfg.TTL {
		metrics.RosterCacheReads.WithLabelValues("fresh").Inc()
		return cached, nil
	}
	if age > m.cfg.MaxStale {
		// Never serve unbounded-age data.
		metrics.RosterCacheReads.WithLabelValues("miss").Inc()
		return m.Rebuild(ctx)
	}

	if m.cfg.Mode == ModeReadThrough {
		metrics.RosterCacheReads.WithLabelValues("miss").Inc()
		return m.Rebuild(ctx)
	}

	// Stale-while-revalidate: serve what we have, refresh behind the
	// request. Skip the kickoff when a rebuild is already running.
	metrics.RosterCacheReads.WithLabelValues("stale").Inc()
	held, _, err := m.locks.Status(ctx, lockKey)
	if err != nil {
		m.logger.Warn("rebuild lock status check failed", "error", err)
	}
	if !held {
		m.asyncFn(func() {
			bg, cancel := context.WithTimeout(context.Background(), LockTTL)
			defer cancel()
			if _, err := m.rebuild(bg, "async"); err != nil {
				m.logger.Error("background roster rebuild failed", "error", err)
			}
		})
	}
	return cached, nil
}

// Rebuild synchronously recomputes the roster, persisting it when this
// caller wins the rebuild lock. Lock losers still get a correct,
// freshly-computed roster; they just do not write it back.
func (m *Manager) Rebuild(ctx context.Context) (*Roster, error) {
	return m.rebuild(ctx, "sync")
}

func (m *Manager) rebuild(ctx context.Context, trigger string) (*Roster, error) {
	l, err := m.locks.TryAcquire(ctx, lockKey, LockTTL)
	if errors.Is(err, lease.ErrHeld) {
		metrics.RosterLockContention.Inc()
		metrics.RosterRebuildsTotal.WithLabelValues(trigger, "false").Inc()
		m.logger.Info("rebuild lock held elsewhere, computing without persisting")
		return m.computeOnly(ctx)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		// Guaranteed cleanup. ErrNotHolder here means the build outlived
		// the lease; the next holder owns the cache now.
		if err := m.locks.Release(context.WithoutCancel(ctx), l); err != nil {
			m.logger.Warn("rebuild lock release failed", "error", err)
		}
	}()

	roster, err := m.computeOnly(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.save(ctx, roster.Members, roster.ComputedAt); err != nil {
		return nil, err
	}
	roster.Persisted = true
	metrics.RosterRebuildsTotal.WithLabelValues(trigger, "true").Inc()
	return roster, nil
}

func (m *Manager) computeOnly(ctx context.Context) (*Roster, error) {
	start := m.nowFn()
	members, err := m.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build roster: %w", err)
	}
	now := m.nowFn()
	metrics.RosterRebuildDuration.Observe(now.Sub(start).Seconds())
	return &Roster{
		Members:    members,
		Meta:       ComputeSummary(members, now),
		ComputedAt: now,
	}, nil
}

// loadCached returns the assembled cached roster, or nil for any flavor of
// miss: no metadata, schema or tier-fingerprint mismatch, or a torn write
// (fewer physical pages than metadata claims).
func (m *Manager) loadCached(ctx context.Context) (*Roster, error) {
	raw, err := m.store.Get(ctx, metaKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read roster metadata: %w", err)
	}
	var meta metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		m.logger.Warn("unreadable roster metadata, treating as miss", "error", err)
		return nil, nil
	}
	if meta.Version != schemaVersion || meta.TiersHash != m.cfg.TiersHash {
		m.logger.Info("roster cache superseded",
			"cachedVersion", meta.Version, "cachedTiersHash", meta.TiersHash)
		return nil, nil
	}
	if meta.PageCount < 1 {
		return nil, nil
	}

	members := make([]Member, 0, meta.TotalMembers)
	for i := 1; i <= meta.PageCount; i++ {
		rawPage, err := m.store.Get(ctx, fmt.Sprintf(pageKeyFmt, i))
		if errors.Is(err, kv.ErrNotFound) {
			m.logger.Warn("roster page missing, treating cache as torn",
				"page", i, "pageCount", meta.PageCount)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read roster page %d: %w", i, err)
		}
		var p page
		if err := json.Unmarshal(rawPage, &p); err != nil {
			m.logger.Warn("unreadable roster page, treating cache as torn", "page", i, "error", err)
			return nil, nil
		}
		members = append(members, p.Members...)
	}

	summary := Summary{}
	if meta.Meta != nil {
		summary = *meta.Meta
	} else {
		// Legacy entry written before summaries existed.
		summary = ComputeSummary(members, m.nowFn())
	}
	return &Roster{
		Members:    members,
		Meta:       summary,
		ComputedAt: time.UnixMilli(meta.ComputedAtMs),
		Cached:     true,
	}, nil
}

// save persists pages first and metadata last. Metadata is the commit
// record: a crash mid-save leaves the previous metadata pointing at the
// previous, still complete page set.
func (m *Manager) save(ctx context.Context, members []Member, computedAt time.Time) error {
	pageCount := (len(members) + m.cfg.PageSize - 1) / m.cfg.PageSize
	if pageCount < 1 {
		pageCount = 1
	}

	ops := make([]kv.WriteOp, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		lo := i * m.cfg.PageSize
		hi := lo + m.cfg.PageSize
		if hi > len(members) {
			hi = len(members)
		}
		pageMembers := members[lo:hi]
		if pageMembers == nil {
			pageMembers = []Member{}
		}
		ops = append(ops, kv.WriteOp{
			Key:   fmt.Sprintf(pageKeyFmt, i+1),
			Value: page{PageIndex: i + 1, Members: pageMembers},
		})
	}
	for len(ops) > 0 {
		n := len(ops)
		if n > kv.MaxBatchSize {
			n = kv.MaxBatchSize
		}
		if err := m.store.BatchWrite(ctx, ops[:n]); err != nil {
			return fmt.Errorf("write roster pages: %w", err)
		}
		ops = ops[n:]
	}

	summary := ComputeSummary(members, computedAt)
	meta := metadata{
		Version:      schemaVersion,
		ComputedAtMs: computedAt.UnixMilli(),
		ExpiresAtMs:  computedAt.Add(m.cfg.TTL).UnixMilli(),
		PageCount:    pageCount,
		PageSize:     m.cfg.PageSize,
		TotalMembers: len(members),
		TiersHash:    m.cfg.TiersHash,
		Meta:         &summary,
	}
	if err := m.store.Put(ctx, metaKey, meta); err != nil {
		return fmt.Errorf("write roster metadata: %w", err)
	}
	metrics.RosterMembers.Set(float64(len(members)))

	m.deleteOrphanPages(ctx, pageCount)
	return nil
}

// deleteOrphanPages removes pages past the new pageCount left by a
// shrinking roster. Best-effort: a leftover orphan is invisible to readers,
// who only walk 1..pageCount.
func (m *Manager) deleteOrphanPages(ctx context.Context, pageCount int) {
	entries, err := m.store.QueryByPrefix(ctx, "roster:page:")
	if err != nil {
		m.logger.Warn("orphan page scan failed", "error", err)
		return
	}
	for _, e := range entries {
		var idx int
		if _, err := fmt.Sscanf(e.Key, pageKeyFmt, &idx); err != nil || idx <= pageCount {
			continue
		}
		if err := m.store.Delete(ctx, e.Key, nil); err != nil && !errors.Is(err, kv.ErrNotFound) {
			m.logger.Warn("orphan page delete failed", "key", e.Key, "error", err)
		}
	}
}

// LoadStatus reports cache and lock state for diagnostic surfaces. It never
// loads pages.
func (m *Manager) LoadStatus(ctx context.Context) (*CacheStatus, error) {
	status := &CacheStatus{Mode: m.cfg.Mode}
	if m.cfg.Mode == ModeOff {
		return status, nil
	}

	raw, err := m.store.Get(ctx, metaKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("read roster metadata: %w", err)
	}
	if err == nil {
		var meta metadata
		if err := json.Unmarshal(raw, &meta); err == nil &&
			meta.Version == schemaVersion && meta.TiersHash == m.cfg.TiersHash {
			now := m.nowFn()
			computedAt := time.UnixMilli(meta.ComputedAtMs)
			expiresAt := time.UnixMilli(meta.ExpiresAtMs)
			age := now.Sub(computedAt)

			status.Exists = true
			status.ComputedAt = &computedAt
			status.ExpiresAt = &expiresAt
			status.TotalMembers = meta.TotalMembers
			status.IsFresh = now.Before(expiresAt)
			status.IsStale = !status.IsFresh
			status.IsWithinMaxStale = age <= m.cfg.MaxStale
		}
	}

	held, expiresAt, err := m.locks.Status(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	status.LockHeld = held
	if held {
		status.LockExpiresAt = &expiresAt
	}
	return status, nil
}

// SortMembers orders roster rows deterministically by email.
func SortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].Email < members[j].Email
	})
}
