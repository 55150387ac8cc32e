package relauth

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
)

// KV is the shared cache transport: hash operations over string keys with
// byte-blob values. Redis is the production implementation; MemoryKV keeps
// the same contract in process for single-node deployments and tests.
//
// The shared tier is best effort. Readers tolerate stale entries; writers
// invalidate explicitly after their transaction commits.
type KV interface {
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HSet(ctx context.Context, key string, fields map[string][]byte) error
	HMGet(ctx context.Context, key string, fields ...string) ([][]byte, error)
	HDel(ctx context.Context, key string, fields ...string) error
	Del(ctx context.Context, keys ...string) error
}

// Shared cache keys. Hash fields identify the memoized call's arguments.
const (
	keyContextRoles = "relauth:ctxroles" // field "<gid>:<table>:<id>" → role-id set
	keyPermRoles    = "relauth:permroles" // field "<perm name>" → role-id set
	keyPermIDs      = "relauth:permids"  // field "<perm name>" → permission id
	keyGlobalPerms  = "relauth:global"   // field "names" → global permission names
	keyTraverse     = "traverse:"        // + "<table>.<attr>"; field "<id>" → edge value
)

// RedisKV adapts a go-redis client to the KV interface.
type RedisKV struct {
	client redis.UniversalClient
}

// NewRedisKV wraps an existing go-redis client.
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

// HGet fetches one hash field; the second return is false on a miss.
func (r *RedisKV) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	b, err := r.client.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return b, true, nil
}

// HSet stores the given hash fields in one round trip.
func (r *RedisKV) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	flat := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		flat = append(flat, f, v)
	}
	if err := r.client.HSet(ctx, key, flat...).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// HMGet fetches several hash fields; missing fields come back nil.
func (r *RedisKV) HMGet(ctx context.Context, key string, fields ...string) ([][]byte, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		switch t := v.(type) {
		case nil:
		case string:
			out[i] = []byte(t)
		case []byte:
			out[i] = t
		}
	}
	return out, nil
}

// HDel removes hash fields.
func (r *RedisKV) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return nil
}

// Del removes whole keys.
func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// MemoryKV is an in-process KV backed by a bounded LRU of hash keys. It
// carries the same contract as RedisKV for deployments without a shared
// store, and for tests.
type MemoryKV struct {
	mu  sync.Mutex
	lru *lru.Cache[string, map[string][]byte]
}

// NewMemoryKV builds an in-process KV holding at most size hash keys.
func NewMemoryKV(size int) (*MemoryKV, error) {
	c, err := lru.New[string, map[string][]byte](size)
	if err != nil {
		return nil, err
	}
	return &MemoryKV{lru: c}, nil
}

// HGet fetches one hash field; the second return is false on a miss.
func (m *MemoryKV) HGet(_ context.Context, key, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

// HSet stores the given hash fields.
func (m *MemoryKV) HSet(_ context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.lru.Get(key)
	if !ok {
		h = make(map[string][]byte, len(fields))
	}
	for f, v := range fields {
		h[f] = v
	}
	m.lru.Add(key, h)
	return nil
}

// HMGet fetches several hash fields; missing fields come back nil.
func (m *MemoryKV) HMGet(_ context.Context, key string, fields ...string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(fields))
	h, ok := m.lru.Get(key)
	if !ok {
		return out, nil
	}
	for i, f := range fields {
		if v, ok := h[f]; ok {
			out[i] = v
		}
	}
	return out, nil
}

// HDel removes hash fields.
func (m *MemoryKV) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.lru.Get(key); ok {
		for _, f := range fields {
			delete(h, f)
		}
	}
	return nil
}

// Del removes whole keys.
func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.lru.Remove(k)
	}
	return nil
}

// requestCache is the per-request memoization tier: a plain map scoped to
// one request's context. Within a facade call it is strongly consistent -
// a read sees every write made earlier in the same call.
type requestCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

type requestCacheKey struct{}

// WithRequestCache returns a context carrying a fresh per-request cache.
// Request plumbing installs it once per request; contexts without one skip
// the tier entirely.
func WithRequestCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestCacheKey{}, &requestCache{m: make(map[string][]byte)})
}

func requestCacheFrom(ctx context.Context) *requestCache {
	rc, _ := ctx.Value(requestCacheKey{}).(*requestCache)
	return rc
}

func (rc *requestCache) get(key string) ([]byte, bool) {
	if rc == nil {
		return nil, false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.m[key]
	return v, ok
}

func (rc *requestCache) set(key string, v []byte) {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	rc.m[key] = v
	rc.mu.Unlock()
}

func (rc *requestCache) drop(keys ...string) {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	for _, k := range keys {
		delete(rc.m, k)
	}
	rc.mu.Unlock()
}

func (rc *requestCache) dropPrefix(prefix string) {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	for k := range rc.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(rc.m, k)
		}
	}
	rc.mu.Unlock()
}

// Blob codec. Cached values are compact byte blobs: a one-byte tag followed
// by varints. Integer sets are delta-encoded over the sorted ids.
const (
	blobNil byte = iota
	blobInt
	blobIntSet
	blobStrSet
)

func encodeNil() []byte { return []byte{blobNil} }

func encodeInt(v int64) []byte {
	buf := make([]byte, 1, 1+binary.MaxVarintLen64)
	buf[0] = blobInt
	return binary.AppendVarint(buf, v)
}

func encodeIntSet(ids []int64) []byte {
	ids = dedupeSorted(append([]int64(nil), ids...))
	buf := make([]byte, 1, 1+(len(ids)+1)*binary.MaxVarintLen64)
	buf[0] = blobIntSet
	buf = binary.AppendUvarint(buf, uint64(len(ids)))
	prev := int64(0)
	for _, id := range ids {
		buf = binary.AppendVarint(buf, id-prev)
		prev = id
	}
	return buf
}

func encodeStrSet(names []string) []byte {
	buf := []byte{blobStrSet}
	buf = binary.AppendUvarint(buf, uint64(len(names)))
	for _, n := range names {
		buf = binary.AppendUvarint(buf, uint64(len(n)))
		buf = append(buf, n...)
	}
	return buf
}

func decodeInt(b []byte) (int64, error) {
	if len(b) == 0 || b[0] != blobInt {
		return 0, fmt.Errorf("relauth: malformed int blob")
	}
	v, n := binary.Varint(b[1:])
	if n <= 0 {
		return 0, fmt.Errorf("relauth: malformed int blob")
	}
	return v, nil
}

func decodeIntSet(b []byte) ([]int64, error) {
	if len(b) == 0 || b[0] != blobIntSet {
		return nil, fmt.Errorf("relauth: malformed int-set blob")
	}
	rest := b[1:]
	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("relauth: malformed int-set blob")
	}
	rest = rest[n:]
	ids := make([]int64, 0, count)
	prev := int64(0)
	for i := uint64(0); i < count; i++ {
		d, n := binary.Varint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("relauth: malformed int-set blob")
		}
		rest = rest[n:]
		prev += d
		ids = append(ids, prev)
	}
	return ids, nil
}

func decodeStrSet(b []byte) ([]string, error) {
	if len(b) == 0 || b[0] != blobStrSet {
		return nil, fmt.Errorf("relauth: malformed string-set blob")
	}
	rest := b[1:]
	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("relauth: malformed string-set blob")
	}
	rest = rest[n:]
	names := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		l, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)) < uint64(n)+l {
			return nil, fmt.Errorf("relauth: malformed string-set blob")
		}
		rest = rest[n:]
		names = append(names, string(rest[:l]))
		rest = rest[l:]
	}
	return names, nil
}

// cachedBlob memoizes compute through both tiers: per-request map first,
// shared KV second, then compute and write back to both. Shared-tier errors
// degrade to a recompute; they are logged here at Debug, never returned.
func (a *Auth) cachedBlob(ctx context.Context, key, field string, compute func() ([]byte, error)) ([]byte, error) {
	rcKey := key + "\x00" + field
	rc := requestCacheFrom(ctx)
	if b, ok := rc.get(rcKey); ok {
		return b, nil
	}
	if a.kv != nil {
		b, ok, err := a.kv.HGet(ctx, key, field)
		if err != nil {
			a.log.WithError(err).WithField("key", key).Debug("shared cache read failed")
		} else if ok {
			rc.set(rcKey, b)
			return b, nil
		}
	}
	b, err := compute()
	if err != nil {
		return nil, err
	}
	rc.set(rcKey, b)
	if a.kv != nil {
		if err := a.kv.HSet(ctx, key, map[string][]byte{field: b}); err != nil {
			a.log.WithError(err).WithField("key", key).Debug("shared cache write failed")
		}
	}
	return b, nil
}

// invalidate drops an entry from both tiers.
func (a *Auth) invalidate(ctx context.Context, key string, fields ...string) {
	rc := requestCacheFrom(ctx)
	for _, f := range fields {
		rc.drop(key + "\x00" + f)
	}
	if a.kv != nil {
		if err := a.kv.HDel(ctx, key, fields...); err != nil {
			a.log.WithError(err).WithField("key", key).Warn("cache invalidation failed")
		}
	}
}

// invalidateAll drops a whole key from both tiers, regardless of field.
func (a *Auth) invalidateAll(ctx context.Context, key string) {
	requestCacheFrom(ctx).dropPrefix(key + "\x00")
	if a.kv != nil {
		if err := a.kv.Del(ctx, key); err != nil {
			a.log.WithError(err).WithField("key", key).Warn("cache invalidation failed")
		}
	}
}
