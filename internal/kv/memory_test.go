package kv

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_GetPutDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", map[string]any{"x": 1}))

	raw, err := s.Get(ctx, "a")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, float64(1), doc["x"])

	require.NoError(t, s.Delete(ctx, "a", nil))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ConditionalUpdate_Absent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	// Creates the item when it does not exist.
	raw, err := s.ConditionalUpdate(ctx, "lock", Update{Set: map[string]any{"token": "t1"}}, Absent())
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "t1", doc["token"])

	// Second attempt fails: item now exists.
	_, err = s.ConditionalUpdate(ctx, "lock", Update{Set: map[string]any{"token": "t2"}}, Absent())
	assert.ErrorIs(t, err, ErrConditionFailed)
}

func TestMemory_ConditionalUpdate_FieldPredicates(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		seed    map[string]any // nil = no item
		cond    Condition
		wantErr error
	}{
		{
			name: "eq matches",
			seed: map[string]any{"token": "abc"},
			cond: FieldEq("token", "abc"),
		},
		{
			name:    "eq mismatch",
			seed:    map[string]any{"token": "abc"},
			cond:    FieldEq("token", "other"),
			wantErr: ErrConditionFailed,
		},
		{
			name: "lt holds for expired lease",
			seed: map[string]any{"expiresAtMs": 100},
			cond: FieldLe("expiresAtMs", 200),
		},
		{
			name:    "lt fails for live lease",
			seed:    map[string]any{"expiresAtMs": 300},
			cond:    FieldLe("expiresAtMs", 200),
			wantErr: ErrConditionFailed,
		},
		{
			name: "or-absent passes on missing item",
			cond: FieldLe("expiresAtMs", 200).AllowAbsent(),
		},
		{
			name: "or-absent passes on missing field",
			seed: map[string]any{"other": 1},
			cond: FieldLe("expiresAtMs", 200).AllowAbsent(),
		},
		{
			name:    "plain predicate fails on missing item",
			cond:    FieldLe("expiresAtMs", 200),
			wantErr: ErrConditionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemory()
			if tt.seed != nil {
				require.NoError(t, s.Put(ctx, "k", tt.seed))
			}
			_, err := s.ConditionalUpdate(ctx, "k", Update{Set: map[string]any{"touched": true}}, tt.cond)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMemory_ConditionalUpdate_AddWithBound(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	// Increment-with-upper-bound: count < max, or item absent.
	const max = 3
	bump := func() error {
		_, err := s.ConditionalUpdate(ctx, "counter",
			Update{Add: map[string]int64{"txCount": 1}},
			FieldLt("txCount", max).AllowAbsent())
		return err
	}

	for i := 0; i < max; i++ {
		require.NoError(t, bump(), "increment %d should fit under the bound", i+1)
	}
	assert.ErrorIs(t, bump(), ErrConditionFailed)

	raw, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	var doc map[string]float64
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, float64(max), doc["txCount"])
}

func TestMemory_ConditionalUpdate_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan int, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := s.ConditionalUpdate(ctx, "lock",
				Update{Set: map[string]any{"owner": id}}, Absent())
			if err == nil {
				wins <- id
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for id := range wins {
		winners = append(winners, id)
	}
	require.Len(t, winners, 1, "exactly one racer must win the conditional create")
}

func TestMemory_QueryByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Put(ctx, "roster:page:00002", map[string]any{"i": 2}))
	require.NoError(t, s.Put(ctx, "roster:page:00001", map[string]any{"i": 1}))
	require.NoError(t, s.Put(ctx, "roster:meta", map[string]any{"v": 1}))

	entries, err := s.QueryByPrefix(ctx, "roster:page:")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "roster:page:00001", entries[0].Key)
	assert.Equal(t, "roster:page:00002", entries[1].Key)
}

func TestMemory_BatchWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	ops := []WriteOp{
		{Key: "a", Value: map[string]any{"v": 1}},
		{Key: "b", Value: map[string]any{"v": 2}},
	}
	require.NoError(t, s.BatchWrite(ctx, ops))
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.BatchWrite(ctx, []WriteOp{{Key: "a", Delete: true}}))
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_BatchWrite_SizeLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	ops := make([]WriteOp, MaxBatchSize+1)
	for i := range ops {
		ops[i] = WriteOp{Key: string(rune('a' + i)), Value: map[string]any{}}
	}
	err := s.BatchWrite(ctx, ops)
	require.Error(t, err)
	assert.Equal(t, 0, s.Len(), "oversized batch must not be partially applied")
}

func TestDelete_Conditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Put(ctx, "lease", map[string]any{"token": "t1"}))

	cond := FieldEq("token", "other")
	err := s.Delete(ctx, "lease", &cond)
	assert.ErrorIs(t, err, ErrConditionFailed)

	cond = FieldEq("token", "t1")
	require.NoError(t, s.Delete(ctx, "lease", &cond))
	_, err = s.Get(ctx, "lease")
	assert.ErrorIs(t, err, ErrNotFound)
}
