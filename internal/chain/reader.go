// Package chain provides read access to membership lock contracts and the
// narrow write path (nonce query, broadcast) used by sponsored transactions.
// All calls are paced by a token-bucket limiter and retried with bounded
// backoff on rate-limit class failures only.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/chain/ratelimit"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/chain/retry"
	"github.com/paulbrigner/pgpcommunity-sub002/internal/metrics"
)

// lockABI covers the stable subset of the membership lock interface. Expiry
// getters are deliberately excluded: those vary across contract versions and
// are probed via the configurable ExpiryProbe list instead.
const lockABI = `[
  {"inputs":[{"name":"_keyOwner","type":"address"}],"name":"hasValidKey","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"_keyOwner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"_keyOwner","type":"address"},{"name":"_index","type":"uint256"}],"name":"tokenOfOwnerByIndex","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Backend is the subset of ethclient.Client the reader depends on.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ProbeArg selects which argument an expiry probe passes to the contract.
type ProbeArg string

const (
	ArgOwner ProbeArg = "owner"
	ArgToken ProbeArg = "token"
)

// ExpiryProbe is one entry in the ordered list of historical expiry-getter
// signatures. Probes are tried in order; the first successful call wins.
type ExpiryProbe struct {
	Method string
	Arg    ProbeArg

	parsed abi.ABI
}

// DefaultProbeSpec tries the token-id getter first (current contracts) and
// falls back to the legacy owner-address signature.
const DefaultProbeSpec = "keyExpirationTimestampFor:token,keyExpirationTimestampFor:owner"

// ParseProbes parses a comma-separated "method:arg" list, e.g.
// "keyExpirationTimestampFor:token,keyExpirationTimestampFor:owner".
func ParseProbes(spec string) ([]ExpiryProbe, error) {
	var probes []ExpiryProbe
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		method, arg, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid expiry probe %q: want method:arg", part)
		}
		pa := ProbeArg(arg)
		if pa != ArgOwner && pa != ArgToken {
			return nil, fmt.Errorf("invalid expiry probe arg %q: want owner or token", arg)
		}
		p := ExpiryProbe{Method: method, Arg: pa}
		if err := p.parse(); err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}
	if len(probes) == 0 {
		return nil, fmt.Errorf("expiry probe list is empty")
	}
	return probes, nil
}

func (p *ExpiryProbe) parse() error {
	argType := "address"
	if p.Arg == ArgToken {
		argType = "uint256"
	}
	raw := fmt.Sprintf(
		`[{"inputs":[{"name":"_arg","type":"%s"}],"name":"%s","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`,
		argType, p.Method)
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse expiry probe %s: %w", p.Method, err)
	}
	p.parsed = parsed
	return nil
}

// Reader performs contract reads and sponsor-wallet operations.
type Reader struct {
	backend Backend
	lock    abi.ABI
	probes  []ExpiryProbe
	limiter *ratelimit.Limiter
	policy  retry.Policy
	logger  *slog.Logger
}

// Config configures a Reader.
type Config struct {
	RPS    float64 // limiter rate; <= 0 disables pacing
	Burst  int
	Policy retry.Policy
	Probes []ExpiryProbe
}

// NewReader wraps backend with pacing and retry.
func NewReader(backend Backend, cfg Config, logger *slog.Logger) (*Reader, error) {
	parsed, err := abi.JSON(strings.NewReader(lockABI))
	if err != nil {
		return nil, fmt.Errorf("parse lock abi: %w", err)
	}
	var limiter *ratelimit.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = ratelimit.NewLimiter(cfg.RPS, burst)
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy
	}
	return &Reader{
		backend: backend,
		lock:    parsed,
		probes:  cfg.Probes,
		limiter: limiter,
		policy:  policy,
		logger:  logger.With("component", "chain"),
	}, nil
}

// HasValidKey reports whether owner currently holds a valid key on lock.
func (r *Reader) HasValidKey(ctx context.Context, lock, owner common.Address) (bool, error) {
	out, err := r.view(ctx, "hasValidKey", lock, owner)
	if err != nil {
		return false, err
	}
	var valid bool
	if err := r.lock.UnpackIntoInterface(&valid, "hasValidKey", out); err != nil {
		return false, fmt.Errorf("unpack hasValidKey: %w", err)
	}
	return valid, nil
}

// BalanceOf returns the number of keys owner holds on lock.
func (r *Reader) BalanceOf(ctx context.Context, lock, owner common.Address) (*big.Int, error) {
	out, err := r.view(ctx, "balanceOf", lock, owner)
	if err != nil {
		return nil, err
	}
	balance := new(big.Int)
	if err := r.lock.UnpackIntoInterface(&balance, "balanceOf", out); err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return balance, nil
}

// TokenOfOwnerByIndex resolves the token id at index for owner on lock.
func (r *Reader) TokenOfOwnerByIndex(ctx context.Context, lock, owner common.Address, index int64) (*big.Int, error) {
	out, err := r.view(ctx, "tokenOfOwnerByIndex", lock, owner, big.NewInt(index))
	if err != nil {
		return nil, err
	}
	tokenID := new(big.Int)
	if err := r.lock.UnpackIntoInterface(&tokenID, "tokenOfOwnerByIndex", out); err != nil {
		return nil, fmt.Errorf("unpack tokenOfOwnerByIndex: %w", err)
	}
	return tokenID, nil
}

// KeyExpiration resolves the key expiry (epoch seconds) by trying the
// configured probes in order. Probes needing a token id are skipped when
// tokenID is nil. Returns found=false when every probe fails; per-probe
// failures are not propagated since a fallback exists.
func (r *Reader) KeyExpiration(ctx context.Context, lock, owner common.Address, tokenID *big.Int) (expiry int64, found bool) {
	for i := range r.probes {
		p := &r.probes[i]
		var arg any = owner
		if p.Arg == ArgToken {
			if tokenID == nil {
				continue
			}
			arg = tokenID
		}
		data, err := p.parsed.Pack(p.Method, arg)
		if err != nil {
			r.logger.Warn("expiry probe pack failed", "method", p.Method, "error", err)
			continue
		}
		out, err := r.rawCall(ctx, p.Method, lock, data)
		if err != nil || len(out) == 0 {
			r.logger.Debug("expiry probe miss", "method", p.Method, "arg", p.Arg, "error", err)
			continue
		}
		value := new(big.Int)
		if err := p.parsed.UnpackIntoInterface(&value, p.Method, out); err != nil {
			r.logger.Debug("expiry probe unpack failed", "method", p.Method, "error", err)
			continue
		}
		if value.IsInt64() {
			return value.Int64(), true
		}
		// Some locks encode "never expires" as max uint256.
		return maxExpiry, true
	}
	return 0, false
}

// maxExpiry stands in for expiries beyond int64 range.
const maxExpiry = int64(1<<62 - 1)

// PendingNonce queries the chain for the account's next pending nonce.
func (r *Reader) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := r.do(ctx, "pendingNonce", func(ctx context.Context) error {
		var callErr error
		nonce, callErr = r.backend.PendingNonceAt(ctx, account)
		return callErr
	})
	return nonce, err
}

// Balance returns the account's current wei balance.
func (r *Reader) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	err := r.do(ctx, "balanceAt", func(ctx context.Context) error {
		var callErr error
		balance, callErr = r.backend.BalanceAt(ctx, account, nil)
		return callErr
	})
	return balance, err
}

// Broadcast submits a signed transaction. Broadcast is not retried: a
// duplicate submit with the same nonce is at best a no-op and at worst a
// confusing replacement, so the caller decides what a failure means.
func (r *Reader) Broadcast(ctx context.Context, tx *types.Transaction) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	err := r.backend.SendTransaction(ctx, tx)
	recordCall("sendTransaction", err)
	if err != nil {
		return fmt.Errorf("broadcast transaction: %w", err)
	}
	return nil
}

// view packs and executes a read against the shared lock ABI.
func (r *Reader) view(ctx context.Context, method string, lock common.Address, args ...any) ([]byte, error) {
	data, err := r.lock.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return r.rawCall(ctx, method, lock, data)
}

func (r *Reader) rawCall(ctx context.Context, method string, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := r.do(ctx, method, func(ctx context.Context) error {
		var callErr error
		out, callErr = r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	return out, nil
}

// do runs fn under the limiter and retry policy, recording the call metric.
func (r *Reader) do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		if r.limiter != nil {
			if waitErr := r.limiter.Wait(ctx); waitErr != nil {
				return retry.Terminal(waitErr)
			}
		}
		callErr := fn(ctx)
		recordCall(method, callErr)
		return callErr
	})
	return err
}

func recordCall(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if retry.Classify(err).IsTransient() {
			status = "transient"
		}
	}
	metrics.RPCCallsTotal.WithLabelValues(method, status).Inc()
}
