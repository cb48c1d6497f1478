package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// memoryStore is the embedded single-process fallback. Expired entries are
// evicted lazily on access, so idle keys cost memory until touched again.
type memoryStore struct {
	mu      sync.Mutex
	strings map[string]stringEntry
	zsets   map[string]*zsetEntry
	hashes  map[string]*hashEntry
}

type stringEntry struct {
	value string
	exp   time.Time
}

type zsetEntry struct {
	members map[string]float64
	exp     time.Time
}

type hashEntry struct {
	fields map[string]string
	exp    time.Time
}

// NewMemory returns the embedded store. State is per-process; admission
// counters are best-effort across replicas in this mode.
func NewMemory() Store {
	return &memoryStore{
		strings: make(map[string]stringEntry),
		zsets:   make(map[string]*zsetEntry),
		hashes:  make(map[string]*hashEntry),
	}
}

func expired(exp time.Time) bool {
	return !exp.IsZero() && time.Now().After(exp)
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.strings[key]
	if !ok || expired(e.exp) {
		delete(m.strings, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.strings[key] = stringEntry{value: value, exp: expiry(ttl)}
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.strings, key)
	delete(m.zsets, key)
	delete(m.hashes, key)
	return nil
}

func (m *memoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.strings[key]
	if !ok || expired(e.exp) {
		m.strings[key] = stringEntry{value: "1", exp: expiry(ttl)}
		return 1, nil
	}

	count, _ := strconv.ParseInt(e.value, 10, 64)
	count++
	e.value = strconv.FormatInt(count, 10)
	m.strings[key] = e
	return count, nil
}

func (m *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.strings[key]; ok {
		e.exp = expiry(ttl)
		m.strings[key] = e
	}
	if z, ok := m.zsets[key]; ok {
		z.exp = expiry(ttl)
	}
	if h, ok := m.hashes[key]; ok {
		h.exp = expiry(ttl)
	}
	return nil
}

func (m *memoryStore) zset(key string) *zsetEntry {
	z, ok := m.zsets[key]
	if !ok || expired(z.exp) {
		z = &zsetEntry{members: make(map[string]float64)}
		m.zsets[key] = z
	}
	return z
}

func (m *memoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.zset(key).members[member] = score
	return nil
}

func (m *memoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zset(key)
	for member, score := range z.members {
		if score >= min && score <= max {
			delete(z.members, member)
		}
	}
	return nil
}

func (m *memoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.zset(key).members)), nil
}

func (m *memoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok || expired(h.exp) {
		delete(m.hashes, key)
		return map[string]string{}, nil
	}

	out := make(map[string]string, len(h.fields))
	for k, v := range h.fields {
		out[k] = v
	}
	return out, nil
}

func (m *memoryStore) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok || expired(h.exp) {
		h = &hashEntry{fields: make(map[string]string)}
		m.hashes[key] = h
	}
	for k, v := range fields {
		h.fields[k] = v
	}
	if ttl > 0 {
		h.exp = expiry(ttl)
	}
	return nil
}

func (m *memoryStore) Ping(context.Context) error { return nil }

func (m *memoryStore) Close() error { return nil }
