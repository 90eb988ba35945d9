package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// conditionalUpdateScript evaluates the condition and applies the update in a
// single server-side step, mirroring kv.Evaluate / kv.ApplyUpdate. Returning
// an error reply with the conditionFailedReply marker maps to
// ErrConditionFailed on the client.
var conditionalUpdateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local spec = cjson.decode(ARGV[1])
local doc = nil
if raw then doc = cjson.decode(raw) end

local function field_value(d, name)
  if d == nil then return nil end
  return d[name]
end

local function holds(cond, d)
  if cond.ifAbsent then return d == nil end
  if cond.field == nil or cond.field == '' then
    if cond.orAbsent then return true end
    return d ~= nil
  end
  if d == nil then return cond.orAbsent == true end
  local got = field_value(d, cond.field)
  if got == nil then return cond.orAbsent == true end
  local want = cond.value
  local op = cond.op
  if type(got) == 'number' and type(want) == 'number' then
    if op == '=' then return got == want end
    if op == '!=' then return got ~= want end
    if op == '<' then return got < want end
    if op == '<=' then return got <= want end
    if op == '>' then return got > want end
    if op == '>=' then return got >= want end
    return false
  end
  got = tostring(got)
  want = tostring(want)
  if op == '=' then return got == want end
  if op == '!=' then return got ~= want end
  return false
end

if not holds(spec.cond, doc) then
  return redis.error_reply('CONDITION_FAILED')
end

if doc == nil then doc = {} end
if spec.set then
  for k, v in pairs(spec.set) do doc[k] = v end
end
if spec.add then
  for k, v in pairs(spec.add) do
    local cur = doc[k]
    if type(cur) ~= 'number' then cur = 0 end
    doc[k] = cur + v
  end
end

local out = cjson.encode(doc)
redis.call('SET', KEYS[1], out)
return out
`)

// conditionalDeleteScript deletes the key iff the condition holds.
var conditionalDeleteScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local cond = cjson.decode(ARGV[1])
local doc = nil
if raw then doc = cjson.decode(raw) end

local function holds(c, d)
  if c.ifAbsent then return d == nil end
  if c.field == nil or c.field == '' then
    if c.orAbsent then return true end
    return d ~= nil
  end
  if d == nil then return c.orAbsent == true end
  local got = d[c.field]
  if got == nil then return c.orAbsent == true end
  local want = c.value
  local op = c.op
  if type(got) == 'number' and type(want) == 'number' then
    if op == '=' then return got == want end
    if op == '!=' then return got ~= want end
    if op == '<' then return got < want end
    if op == '<=' then return got <= want end
    if op == '>' then return got > want end
    if op == '>=' then return got >= want end
    return false
  end
  got = tostring(got)
  want = tostring(want)
  if op == '=' then return got == want end
  if op == '!=' then return got ~= want end
  return false
end

if not holds(cond, doc) then
  return redis.error_reply('CONDITION_FAILED')
end
redis.call('DEL', KEYS[1])
return 1
`)

const conditionFailedReply = "CONDITION_FAILED"

// Redis is the production Store. Every item is a JSON document in a plain
// string key; conditional operations execute as Lua scripts so the condition
// check and the write are one atomic server-side operation.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the store at url (redis:// form) and verifies the
// connection with a ping.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client, used by integration tests.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) (json.RawMessage, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return raw, nil
}

func (r *Redis) Put(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if err := r.client.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

type updateSpec struct {
	Cond Condition        `json:"cond"`
	Set  map[string]any   `json:"set,omitempty"`
	Add  map[string]int64 `json:"add,omitempty"`
}

func (r *Redis) ConditionalUpdate(ctx context.Context, key string, upd Update, cond Condition) (json.RawMessage, error) {
	spec, err := json.Marshal(updateSpec{Cond: cond, Set: upd.Set, Add: upd.Add})
	if err != nil {
		return nil, fmt.Errorf("marshal update spec: %w", err)
	}
	res, err := conditionalUpdateScript.Run(ctx, r.client, []string{key}, string(spec)).Result()
	if err != nil {
		if isConditionFailed(err) {
			return nil, ErrConditionFailed
		}
		return nil, fmt.Errorf("conditional update %q: %w", key, err)
	}
	out, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("conditional update %q: unexpected reply type %T", key, res)
	}
	return json.RawMessage(out), nil
}

func (r *Redis) Delete(ctx context.Context, key string, cond *Condition) error {
	if cond == nil {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
		return nil
	}
	raw, err := json.Marshal(cond)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	if err := conditionalDeleteScript.Run(ctx, r.client, []string{key}, string(raw)).Err(); err != nil {
		if isConditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("conditional delete %q: %w", key, err)
	}
	return nil
}

func (r *Redis) QueryByPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan prefix %q: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget prefix %q: %w", prefix, err)
	}
	entries := make([]Entry, 0, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Key expired or was deleted between SCAN and MGET.
			continue
		}
		entries = append(entries, Entry{Key: keys[i], Value: json.RawMessage(s)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (r *Redis) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if err := CheckBatchSize(ops); err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	for _, op := range ops {
		if op.Delete {
			pipe.Del(ctx, op.Key)
			continue
		}
		raw, err := json.Marshal(op.Value)
		if err != nil {
			return fmt.Errorf("marshal batch item %q: %w", op.Key, err)
		}
		pipe.Set(ctx, op.Key, raw, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch write: %w", err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	return err != nil && strings.Contains(err.Error(), conditionFailedReply)
}
