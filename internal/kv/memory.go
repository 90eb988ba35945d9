package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is a mutex-guarded in-process Store used by unit tests and local
// development. It implements the same conditional semantics as the Redis
// store, including atomicity of ConditionalUpdate.
type Memory struct {
	mu    sync.Mutex
	items map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]json.RawMessage)}
}

func (m *Memory) Get(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = raw
	return nil
}

func (m *Memory) ConditionalUpdate(_ context.Context, key string, upd Update, cond Condition) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.decode(key)
	if err != nil {
		return nil, err
	}
	if !Evaluate(cond, doc) {
		return nil, ErrConditionFailed
	}
	doc = ApplyUpdate(doc, upd)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal updated item: %w", err)
	}
	m.items[key] = raw
	return raw, nil
}

func (m *Memory) Delete(_ context.Context, key string, cond *Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cond != nil {
		doc, err := m.decode(key)
		if err != nil {
			return err
		}
		if !Evaluate(*cond, doc) {
			return ErrConditionFailed
		}
	}
	delete(m.items, key)
	return nil
}

func (m *Memory) QueryByPrefix(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []Entry
	for k, v := range m.items {
		if strings.HasPrefix(k, prefix) {
			raw := make(json.RawMessage, len(v))
			copy(raw, v)
			entries = append(entries, Entry{Key: k, Value: raw})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *Memory) BatchWrite(_ context.Context, ops []WriteOp) error {
	if err := CheckBatchSize(ops); err != nil {
		return err
	}
	encoded := make([]json.RawMessage, len(ops))
	for i, op := range ops {
		if op.Delete {
			continue
		}
		raw, err := json.Marshal(op.Value)
		if err != nil {
			return fmt.Errorf("marshal batch item %q: %w", op.Key, err)
		}
		encoded[i] = raw
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, op := range ops {
		if op.Delete {
			delete(m.items, op.Key)
			continue
		}
		m.items[op.Key] = encoded[i]
	}
	return nil
}

// Len reports the number of stored items.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// decode returns the parsed document at key, or nil when absent. Caller holds mu.
func (m *Memory) decode(key string) (map[string]any, error) {
	raw, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode item %q: %w", key, err)
	}
	return doc, nil
}
