// Package kv abstracts the durable key-value store that serves as both data
// store and coordination medium. Items are JSON documents; conditional
// operations are evaluated atomically against top-level attributes, which is
// the only primitive the coordination layers (roster lock, nonce lease, daily
// counters) rely on.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxBatchSize is the largest number of operations accepted by BatchWrite,
// matching typical store-side batch limits.
const MaxBatchSize = 25

var (
	// ErrNotFound is returned by Get when no item exists at the key.
	ErrNotFound = errors.New("kv: item not found")

	// ErrConditionFailed is returned by conditional operations when the
	// condition did not hold at execution time.
	ErrConditionFailed = errors.New("kv: condition failed")
)

// Op is a comparison operator usable in a Condition.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Condition gates a conditional write. The zero value is invalid; build
// conditions with Absent or one of the Field constructors.
type Condition struct {
	// IfAbsent requires that no item exists at the key. When set, the
	// field comparison is ignored.
	IfAbsent bool `json:"ifAbsent,omitempty"`

	// Field names a top-level attribute compared with Op against Value.
	Field string `json:"field,omitempty"`
	Op    Op     `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`

	// OrAbsent widens the condition: it also passes when the item or the
	// named field is missing ("attribute absent OR predicate holds").
	OrAbsent bool `json:"orAbsent,omitempty"`
}

// Absent builds a condition that passes only when no item exists.
func Absent() Condition {
	return Condition{IfAbsent: true}
}

// FieldEq builds a condition requiring field == value.
func FieldEq(field string, value any) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

// FieldLt builds a condition requiring field < value.
func FieldLt(field string, value any) Condition {
	return Condition{Field: field, Op: OpLt, Value: value}
}

// FieldLe builds a condition requiring field <= value.
func FieldLe(field string, value any) Condition {
	return Condition{Field: field, Op: OpLe, Value: value}
}

// AllowAbsent returns a copy of the condition that also passes when the item
// or the compared field does not exist.
func (c Condition) AllowAbsent() Condition {
	c.OrAbsent = true
	return c
}

// Update describes an atomic mutation applied under a Condition. Set
// overwrites top-level attributes; Add performs numeric addition, treating a
// missing attribute as zero. Both maps may be used in the same update.
type Update struct {
	Set map[string]any   `json:"set,omitempty"`
	Add map[string]int64 `json:"add,omitempty"`
}

// WriteOp is one element of a batch write: either a put or a delete.
type WriteOp struct {
	Key    string
	Value  any  // put payload; ignored when Delete is set
	Delete bool
}

// Entry pairs a key with its stored document.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Store is the narrow store surface consumed by the coordination components.
//
// Conditional operations must be atomic: the condition check and the write
// are one indivisible step from the perspective of concurrent callers.
type Store interface {
	// Get returns the document at key, or ErrNotFound.
	Get(ctx context.Context, key string) (json.RawMessage, error)

	// Put unconditionally stores value (JSON-marshaled) at key.
	Put(ctx context.Context, key string, value any) error

	// ConditionalUpdate applies upd iff cond holds, creating the item if it
	// does not exist and the condition allows that. It returns the document
	// after the update, or ErrConditionFailed.
	ConditionalUpdate(ctx context.Context, key string, upd Update, cond Condition) (json.RawMessage, error)

	// Delete removes the item. A nil condition deletes unconditionally; a
	// non-nil condition behaves like ConditionalUpdate's gate.
	Delete(ctx context.Context, key string, cond *Condition) error

	// QueryByPrefix returns all entries whose key starts with prefix,
	// sorted by key.
	QueryByPrefix(ctx context.Context, prefix string) ([]Entry, error)

	// BatchWrite applies up to MaxBatchSize puts/deletes. The batch is not
	// transactional; callers sequence batches so that partial application
	// is safe (metadata-as-commit-record).
	BatchWrite(ctx context.Context, ops []WriteOp) error
}

// CheckBatchSize validates a batch against MaxBatchSize.
func CheckBatchSize(ops []WriteOp) error {
	if len(ops) > MaxBatchSize {
		return fmt.Errorf("kv: batch of %d exceeds limit of %d", len(ops), MaxBatchSize)
	}
	return nil
}

// Evaluate reports whether cond holds for the given document. A nil doc means
// the item does not exist. Both store implementations share this logic so the
// in-memory store is semantically faithful to the Redis one.
func Evaluate(cond Condition, doc map[string]any) bool {
	if cond.IfAbsent {
		return doc == nil
	}
	if cond.Field == "" {
		// No predicate: pass only if explicitly widened.
		return cond.OrAbsent || doc != nil
	}
	if doc == nil {
		return cond.OrAbsent
	}
	got, ok := doc[cond.Field]
	if !ok || got == nil {
		return cond.OrAbsent
	}
	return compare(got, cond.Op, cond.Value)
}

func compare(got any, op Op, want any) bool {
	if gf, wf, ok := bothNumeric(got, want); ok {
		switch op {
		case OpEq:
			return gf == wf
		case OpNe:
			return gf != wf
		case OpLt:
			return gf < wf
		case OpLe:
			return gf <= wf
		case OpGt:
			return gf > wf
		case OpGe:
			return gf >= wf
		}
		return false
	}
	gs := fmt.Sprintf("%v", got)
	ws := fmt.Sprintf("%v", want)
	switch op {
	case OpEq:
		return gs == ws
	case OpNe:
		return gs != ws
	}
	return false
}

func bothNumeric(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ApplyUpdate mutates doc in place according to upd, allocating a new map when
// doc is nil. Shared by the in-memory store and by tests asserting Redis
// script semantics.
func ApplyUpdate(doc map[string]any, upd Update) map[string]any {
	if doc == nil {
		doc = make(map[string]any, len(upd.Set)+len(upd.Add))
	}
	for k, v := range upd.Set {
		doc[k] = v
	}
	for k, delta := range upd.Add {
		cur, _ := toFloat(doc[k])
		doc[k] = cur + float64(delta)
	}
	return doc
}
