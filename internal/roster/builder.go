package roster

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/membership"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/tier"
)

// DefaultBuildConcurrency caps the per-user resolution fan-out so a rebuild
// does not stampede the RPC endpoint and the subgraph.
const DefaultBuildConcurrency = 8

// User is a registered account as the roster sees it.
type User struct {
	Email           string
	Name            string
	WalletAddresses []string
	AutoRenew       bool
}

// UserLister yields the full registered-user universe the roster is built
// from. Implemented by the postgres users repository.
type UserLister interface {
	ListRegistered(ctx context.Context) ([]User, error)
}

// StateResolver resolves membership for one address set. Implemented by
// membership.Service.
type StateResolver interface {
	GetState(ctx context.Context, q membership.Query) (*membership.Snapshot, error)
}

// NewBuilder returns a BuildFunc that resolves every registered user's
// membership with bounded concurrency. Individual resolution failures are
// isolated: the user appears in the roster with status none and a note
// rather than failing the whole build.
func NewBuilder(users UserLister, resolver StateResolver, tiers *tier.Config, chainID int64, concurrency int, logger *slog.Logger) BuildFunc {
	if concurrency <= 0 {
		concurrency = DefaultBuildConcurrency
	}
	logger = logger.With("component", "roster-builder")

	return func(ctx context.Context) ([]Member, error) {
		list, err := users.ListRegistered(ctx)
		if err != nil {
			return nil, fmt.Errorf("list registered users: %w", err)
		}

		members := make([]Member, len(list))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i, u := range list {
			i, u := i, u
			g.Go(func() error {
				members[i] = resolveMember(gctx, resolver, tiers, chainID, u, logger)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		SortMembers(members)
		return members, nil
	}
}

func resolveMember(ctx context.Context, resolver StateResolver, tiers *tier.Config, chainID int64, u User, logger *slog.Logger) Member {
	m := Member{
		Email:           u.Email,
		Name:            u.Name,
		WalletAddresses: membership.Normalize(u.WalletAddresses),
		AutoRenew:       u.AutoRenew,
		Status:          membership.StatusNone,
	}
	if len(m.WalletAddresses) == 0 {
		return m
	}

	snap, err := resolver.GetState(ctx, membership.Query{
		Addresses: m.WalletAddresses,
		ChainID:   chainID,
	})
	if err != nil {
		logger.Warn("membership resolution failed for roster row",
			"email", u.Email, "error", err)
		m.Note = "membership resolution failed"
		return m
	}

	if best := snap.Highest(tiers); best != nil {
		m.Status = best.Status
		m.TierID = best.TierID
		m.Expiry = best.Expiry
	} else {
		// No active tier: surface the most useful non-active state, an
		// expired tier over plain absence.
		for i := range snap.Tiers {
			ts := &snap.Tiers[i]
			if ts.Status == membership.StatusExpired {
				m.Status = membership.StatusExpired
				m.TierID = ts.TierID
				m.Expiry = ts.Expiry
				break
			}
		}
	}
	return m
}
