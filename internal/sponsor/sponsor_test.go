package sponsor

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulbrigner/pgpcommunity-sub002/internal/kv"
)

var (
	testSponsor = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testChainID = int64(8453)
)

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	m := NewManager(kv.NewMemory(), slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	m.SetNowFunc(clock.Now)
	return m, clock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestAcquireNonceLease_MutualExclusion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.AcquireNonceLease(ctx, testChainID, testSponsor, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = m.AcquireNonceLease(ctx, testChainID, testSponsor, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseBusy)

	// A different chain is a different wallet context.
	other, err := m.AcquireNonceLease(ctx, testChainID+1, testSponsor, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other)
}

func TestAcquireNonceLease_ConcurrentSingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.AcquireNonceLease(ctx, testChainID, testSponsor, time.Minute); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestLease_BroadcastAndRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	l, err := m.AcquireNonceLease(ctx, testChainID, testSponsor, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, l.NextNonce, "fresh record has no stored nonce")

	nonce := l.ResolveNonce(7)
	assert.Equal(t, uint64(7), nonce)

	require.NoError(t, m.RecordBroadcast(ctx, l, nonce, "0xabc", nonce+1))
	require.NoError(t, m.ReleaseLease(ctx, l))

	next, err := m.AcquireNonceLease(ctx, testChainID, testSponsor, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next.NextNonce)
	assert.Equal(t, uint64(8), *next.NextNonce)
	assert.Equal(t, uint64(8), next.ResolveNonce(8))
}

func TestLease_NonceNeverRegresses(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	l, err := m.AcquireNonceLease(ctx, testChainID, testSponsor, time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.RecordBroadcast(ctx, l, 10, "0x1", 11))

	assert.ErrorIs(t, m.RecordBroadcast(ctx, l, 10, "0x2", 11), ErrNonceRegression)
	assert.ErrorIs(t, m.RecordBroadcast(ctx, l, 11, "0x3", 11), ErrNonceRegression)
	require.NoError(t, m.RecordBroadcast(ctx, l, 11, "0x4", 12))
	assert.Equal(t, uint64(12), *l.NextNonce)
}

func TestLease_RecordFailureKeepsNonce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	l, err := m.AcquireNonceLease(ctx, testChainID, testSponsor, time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.RecordBroadcast(ctx, l, 3, "0xaaa", 4))
	require.NoError(t, m.RecordFailure(ctx, l, errors.New("insufficient funds")))
	require.NoError(t, m.ReleaseLease(ctx, l))

	status, err := m.GetStatus(ctx, testChainID, testSponsor)
	require.NoError(t, err)
	assert.Equal(t, "insufficient funds", status.LastError)
	require.NotNil(t, status.NextNonce)
	assert.Equal(t, uint64(4), *status.NextNonce)
}

func TestLease_ExpiredLeaseIsReclaimedAndFenced(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	stale, err := m.AcquireNonceLease(ctx, testChainID, testSponsor, 30*time.Second)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)

	fresh, err := m.AcquireNonceLease(ctx, testChainID, testSponsor, 30*time.Second)
	require.NoError(t, err)

	// The stale holder's writes must be rejected, not silently applied.
	assert.ErrorIs(t, m.RecordBroadcast(ctx, stale, 0, "0xdead", 1), ErrNotLeaseHolder)
	assert.ErrorIs(t, m.ReleaseLease(ctx, stale), ErrNotLeaseHolder)

	require.NoError(t, m.RecordBroadcast(ctx, fresh, 0, "0xbeef", 1))
}

func TestResolveNonce_ChainWinsOnDisagreement(t *testing.T) {
	stored := uint64(5)
	l := &Lease{NextNonce: &stored}

	// Agreement keeps the stored value; any disagreement defers to the
	// chain's pending nonce, in either direction.
	assert.Equal(t, uint64(5), l.ResolveNonce(5))
	assert.Equal(t, uint64(9), l.ResolveNonce(9))
	assert.Equal(t, uint64(3), l.ResolveNonce(3))

	unknown := &Lease{}
	assert.Equal(t, uint64(42), unknown.ResolveNonce(42))
}

func TestReserveDailySlot_Exactness(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const maxPerDay = 3
	for i := 1; i <= maxPerDay; i++ {
		slot, err := m.ReserveDailySlot(ctx, testChainID, testSponsor, maxPerDay, "")
		require.NoError(t, err, "reservation %d", i)
		require.NotNil(t, slot)
		assert.Equal(t, int64(i), slot.Used)
		assert.Equal(t, int64(maxPerDay), slot.Max)
	}

	_, err := m.ReserveDailySlot(ctx, testChainID, testSponsor, maxPerDay, "")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestReserveDailySlot_ConcurrentExactness(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const maxPerDay = 5
	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ReserveDailySlot(ctx, testChainID, testSponsor, maxPerDay, ""); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, maxPerDay, granted)
}

func TestReserveDailySlot_ResetsNextDay(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	_, err := m.ReserveDailySlot(ctx, testChainID, testSponsor, 1, "")
	require.NoError(t, err)
	_, err = m.ReserveDailySlot(ctx, testChainID, testSponsor, 1, "")
	require.ErrorIs(t, err, ErrRateLimited)

	clock.Advance(24 * time.Hour)

	slot, err := m.ReserveDailySlot(ctx, testChainID, testSponsor, 1, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), slot.Used)
}

func TestReserveDailySlot_NoLimitConfigured(t *testing.T) {
	m, _ := newTestManager(t)

	slot, err := m.ReserveDailySlot(context.Background(), testChainID, testSponsor, 0, "")
	require.NoError(t, err)
	assert.Nil(t, slot)
}

func TestReserveDailySlot_ScopedCountersAreIndependent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.ReserveDailySlot(ctx, testChainID, testSponsor, 1, "renewal")
	require.NoError(t, err)
	_, err = m.ReserveDailySlot(ctx, testChainID, testSponsor, 1, "renewal")
	require.ErrorIs(t, err, ErrRateLimited)

	_, err = m.ReserveDailySlot(ctx, testChainID, testSponsor, 1, "purchase")
	require.NoError(t, err)
}

func TestMinBalanceMet(t *testing.T) {
	ctx := context.Background()
	balance := func(bal int64, err error) func(context.Context, common.Address) (*big.Int, error) {
		return func(context.Context, common.Address) (*big.Int, error) {
			return big.NewInt(bal), err
		}
	}

	ok, err := MinBalanceMet(ctx, balance(100, nil), testSponsor, big.NewInt(100))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = MinBalanceMet(ctx, balance(99, nil), testSponsor, big.NewInt(100))
	require.NoError(t, err)
	assert.False(t, ok)

	// No minimum configured means no RPC call matters.
	ok, err = MinBalanceMet(ctx, balance(0, errors.New("rpc down")), testSponsor, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetStatus(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	status, err := m.GetStatus(ctx, testChainID, testSponsor)
	require.NoError(t, err)
	assert.False(t, status.LeaseHeld)
	assert.Zero(t, status.TxCountToday)

	l, err := m.AcquireNonceLease(ctx, testChainID, testSponsor, time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.RecordBroadcast(ctx, l, 1, "0xfeed", 2))
	_, err = m.ReserveDailySlot(ctx, testChainID, testSponsor, 10, "")
	require.NoError(t, err)

	status, err = m.GetStatus(ctx, testChainID, testSponsor)
	require.NoError(t, err)
	assert.True(t, status.LeaseHeld)
	require.NotNil(t, status.LeaseExpiresAt)
	assert.Equal(t, "0xfeed", status.LastTxHash)
	assert.Equal(t, int64(1), status.TxCountToday)
	require.NotNil(t, status.NextNonce)
	assert.Equal(t, uint64(2), *status.NextNonce)
}
