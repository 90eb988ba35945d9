// Package membership resolves per-address, per-tier membership status. It
// prefers the subgraph (cheap, indexed) and falls back to direct contract
// reads; a tier whose resolution fails entirely degrades to "none" rather
// than failing the whole snapshot.
package membership

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/cache"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/metrics"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/subgraph"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/tier"
)

// Status is the resolved membership status for one tier.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusNone    Status = "none"
)

// TierState is the resolved state of one tier for an address set.
type TierState struct {
	TierID   string   `json:"tierId"`
	Status   Status   `json:"status"`
	Expiry   *int64   `json:"expiry,omitempty"` // epoch seconds
	TokenIDs []string `json:"tokenIds,omitempty"`
	Owners   []string `json:"owners,omitempty"`
}

// Snapshot is the membership state of an address set across all tiers at a
// point in time.
type Snapshot struct {
	Addresses  []string    `json:"addresses"` // normalized, sorted
	ChainID    int64       `json:"chainId"`
	Tiers      []TierState `json:"tiers"` // ordered by configured tier rank
	ResolvedAt time.Time   `json:"resolvedAt"`
}

// Highest returns the best active tier in the snapshot, breaking ties by
// configured order then latest expiry, or nil when no tier is active.
func (s *Snapshot) Highest(cfg *tier.Config) *TierState {
	var best *TierState
	var bestTier tier.Tier
	for i := range s.Tiers {
		ts := &s.Tiers[i]
		if ts.Status != StatusActive {
			continue
		}
		t := cfg.ByID(ts.TierID)
		if t == nil {
			continue
		}
		if best == nil || tier.Less(*t, bestTier, expiryOf(ts), expiryOf(best)) {
			best = ts
			bestTier = *t
		}
	}
	return best
}

func expiryOf(ts *TierState) int64 {
	if ts == nil || ts.Expiry == nil {
		return 0
	}
	return *ts.Expiry
}

// ChainReader is the contract-read surface the service needs.
type ChainReader interface {
	HasValidKey(ctx context.Context, lock, owner common.Address) (bool, error)
	BalanceOf(ctx context.Context, lock, owner common.Address) (*big.Int, error)
	TokenOfOwnerByIndex(ctx context.Context, lock, owner common.Address, index int64) (*big.Int, error)
	KeyExpiration(ctx context.Context, lock, owner common.Address, tokenID *big.Int) (expiry int64, found bool)
}

// SubgraphClient is the indexer surface. Implementations return (nil, nil)
// on a clean miss.
type SubgraphClient interface {
	FirstKeyByOwner(ctx context.Context, lock string, owners []string) (*subgraph.Key, error)
}

// Query parameterizes GetState.
type Query struct {
	Addresses    []string
	ChainID      int64 // 0 = service default
	ForceRefresh bool  // bypass and overwrite the snapshot cache
}

const (
	defaultCacheCapacity = 1024
	// DefaultCacheTTL keeps snapshots short-lived: membership changes on
	// chain must become visible quickly even without explicit invalidation.
	DefaultCacheTTL = 60 * time.Second
)

// Service implements the membership state service.
type Service struct {
	tiers    *tier.Config
	chain    ChainReader
	subgraph SubgraphClient // may be nil when no endpoint is configured
	chainID  int64
	cache    *cache.LRU[string, *Snapshot]
	nowFn    func() time.Time
	logger   *slog.Logger
}

// NewService creates the membership service. sg may be nil.
func NewService(tiers *tier.Config, chainReader ChainReader, sg SubgraphClient, chainID int64, cacheTTL time.Duration, logger *slog.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Service{
		tiers:    tiers,
		chain:    chainReader,
		subgraph: sg,
		chainID:  chainID,
		cache:    cache.NewLRU[string, *Snapshot](defaultCacheCapacity, cacheTTL),
		nowFn:    time.Now,
		logger:   logger.With("component", "membership"),
	}
}

// GetState resolves the snapshot for the query's address set. Resolution
// failures on individual tiers degrade to StatusNone; GetState only errors
// when the address set is empty.
func (s *Service) GetState(ctx context.Context, q Query) (*Snapshot, error) {
	addrs := Normalize(q.Addresses)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no valid addresses in query")
	}
	chainID := q.ChainID
	if chainID == 0 {
		chainID = s.chainID
	}
	key := cacheKey(addrs, chainID)

	if !q.ForceRefresh {
		if snap, ok := s.cache.Get(key); ok {
			metrics.MembershipCacheHits.Inc()
			return snap, nil
		}
		metrics.MembershipCacheMisses.Inc()
	}

	snap := &Snapshot{
		Addresses:  addrs,
		ChainID:    chainID,
		Tiers:      make([]TierState, 0, len(s.tiers.Tiers)),
		ResolvedAt: s.nowFn(),
	}
	for _, t := range s.tiers.Tiers {
		snap.Tiers = append(snap.Tiers, s.resolveTier(ctx, t, addrs))
	}

	s.cache.Put(key, snap)
	return snap, nil
}

// Invalidate drops any cached snapshot containing one of the addresses.
// chainID 0 invalidates across all chains. Called after any action known to
// change on-chain state, e.g. a purchase.
func (s *Service) Invalidate(addresses []string, chainID int64) int {
	addrs := Normalize(addresses)
	if len(addrs) == 0 {
		return 0
	}
	return s.cache.RemoveFunc(func(key string) bool {
		keyAddrs, keyChain := splitCacheKey(key)
		if chainID != 0 && keyChain != chainID {
			return false
		}
		for _, a := range addrs {
			for _, ka := range keyAddrs {
				if a == ka {
					return true
				}
			}
		}
		return false
	})
}

// resolveTier resolves one tier: subgraph first, chain fallback, and
// StatusNone when both degrade.
func (s *Service) resolveTier(ctx context.Context, t tier.Tier, addrs []string) TierState {
	state := TierState{TierID: t.ID, Status: StatusNone}
	lock := common.HexToAddress(t.ContractAddress)

	if s.subgraph != nil {
		key, err := s.subgraph.FirstKeyByOwner(ctx, t.ContractAddress, addrs)
		if err != nil {
			s.logger.Debug("subgraph resolution failed, falling back to chain",
				"tier", t.ID, "error", err)
		} else if key != nil {
			state.TokenIDs = []string{key.TokenID}
			state.Owners = []string{key.Owner}
			expiry := key.Expiration
			if expiry == 0 {
				// Indexer had no expiration; probe the contract.
				if tokenID, ok := new(big.Int).SetString(key.TokenID, 10); ok {
					if e, found := s.chain.KeyExpiration(ctx, lock, common.HexToAddress(key.Owner), tokenID); found {
						expiry = e
					}
				}
			}
			s.deriveStatus(ctx, &state, t, lock, common.HexToAddress(key.Owner), expiry)
			metrics.MembershipResolutions.WithLabelValues("subgraph").Inc()
			return state
		}
	}

	// Chain fallback: first owner with a key wins.
	for _, addr := range addrs {
		owner := common.HexToAddress(addr)
		balance, err := s.chain.BalanceOf(ctx, lock, owner)
		if err != nil {
			s.logger.Debug("balanceOf failed", "tier", t.ID, "owner", addr, "error", err)
			continue
		}
		if balance.Sign() == 0 {
			continue
		}

		var tokenID *big.Int
		if id, err := s.chain.TokenOfOwnerByIndex(ctx, lock, owner, 0); err == nil {
			tokenID = id
			state.TokenIDs = []string{id.String()}
		} else {
			s.logger.Debug("tokenOfOwnerByIndex failed", "tier", t.ID, "owner", addr, "error", err)
		}
		state.Owners = []string{addr}

		expiry, _ := s.chain.KeyExpiration(ctx, lock, owner, tokenID)
		s.deriveStatus(ctx, &state, t, lock, owner, expiry)
		metrics.MembershipResolutions.WithLabelValues("chain").Inc()
		return state
	}

	metrics.MembershipResolutions.WithLabelValues("none").Inc()
	return state
}

// deriveStatus applies the status rules: a future expiry is active, a past
// one expired; with no resolvable expiry the contract's validity flag
// decides; anything else stays none.
func (s *Service) deriveStatus(ctx context.Context, state *TierState, t tier.Tier, lock, owner common.Address, expiry int64) {
	now := s.nowFn().Unix()
	switch {
	case expiry > now:
		state.Status = StatusActive
		state.Expiry = &expiry
	case expiry > 0:
		state.Status = StatusExpired
		state.Expiry = &expiry
	default:
		valid, err := s.chain.HasValidKey(ctx, lock, owner)
		if err != nil {
			s.logger.Debug("hasValidKey failed", "tier", t.ID, "owner", owner.Hex(), "error", err)
			return
		}
		if valid {
			state.Status = StatusActive
		}
	}
	if t.NeverExpires && state.Status == StatusExpired {
		// A non-expiring tier with a stale timestamp is still a member.
		state.Status = StatusActive
	}
}

// Normalize lowercases, dedups, and sorts an address list, dropping blanks.
func Normalize(addresses []string) []string {
	seen := make(map[string]bool, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func cacheKey(addrs []string, chainID int64) string {
	return strings.Join(addrs, ",") + "|" + fmt.Sprintf("%d", chainID)
}

func splitCacheKey(key string) ([]string, int64) {
	addrPart, chainPart, _ := strings.Cut(key, "|")
	var chainID int64
	fmt.Sscanf(chainPart, "%d", &chainID)
	return strings.Split(addrPart, ","), chainID
}
