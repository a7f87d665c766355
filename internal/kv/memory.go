package kv

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Memory is a process-local Store for development and tests.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	strings map[string]string
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	expires map[string]time.Time
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clock:   clk,
		strings: make(map[string]string),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
		expires: make(map[string]time.Time),
	}
}

// evict drops key if its ttl has passed. Callers hold m.mu.
func (m *Memory) evict(key string) {
	at, ok := m.expires[key]
	if !ok || m.clock.Now().Before(at) {
		return
	}
	m.drop(key)
}

func (m *Memory) drop(key string) bool {
	_, s := m.strings[key]
	_, l := m.lists[key]
	_, st := m.sets[key]
	delete(m.strings, key)
	delete(m.lists, key)
	delete(m.sets, key)
	delete(m.expires, key)
	return s || l || st
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop(key)
	m.strings[key] = value
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, key := range keys {
		m.evict(key)
		if m.drop(key) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	var cur int64
	if raw, ok := m.strings[key]; ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, err
		}
		cur = v
	}
	cur++
	m.strings[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	_, s := m.strings[key]
	_, l := m.lists[key]
	_, st := m.sets[key]
	if !s && !l && !st {
		return false, nil
	}
	m.expires[key] = m.clock.Now().Add(ttl)
	return true, nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	collect := func(key string) {
		if ok, _ := path.Match(pattern, key); ok {
			seen[key] = struct{}{}
		}
	}
	for key := range m.strings {
		collect(key)
	}
	for key := range m.lists {
		collect(key)
	}
	for key := range m.sets {
		collect(key)
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		m.evict(key)
		if _, ok := m.strings[key]; ok {
			out = append(out, key)
			continue
		}
		if _, ok := m.lists[key]; ok {
			out = append(out, key)
			continue
		}
		if _, ok := m.sets[key]; ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	list := m.lists[key]
	head := make([]string, 0, len(values)+len(list))
	for i := len(values) - 1; i >= 0; i-- {
		head = append(head, values[i])
	}
	m.lists[key] = append(head, list...)
	return int64(len(m.lists[key])), nil
}

func (m *Memory) RPush(_ context.Context, key string, values ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	m.lists[key] = append(m.lists[key], values...)
	return int64(len(m.lists[key])), nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	return sliceRange(m.lists[key], start, stop), nil
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	list, ok := m.lists[key]
	if !ok {
		return nil
	}
	trimmed := sliceRange(list, start, stop)
	if len(trimmed) == 0 {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = trimmed
	return nil
}

func (m *Memory) LRem(_ context.Context, key string, count int64, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	list, ok := m.lists[key]
	if !ok {
		return 0, nil
	}
	out, removed := removeMatches(list, count, value)
	if len(out) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = out
	}
	return removed, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	set := m.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	var added int64
	for _, member := range members {
		if _, ok := set[member]; ok {
			continue
		}
		set[member] = struct{}{}
		added++
	}
	return added, nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	set := m.sets[key]
	var removed int64
	for _, member := range members {
		if _, ok := set[member]; ok {
			delete(set, member)
			removed++
		}
	}
	if set != nil && len(set) == 0 {
		delete(m.sets, key)
	}
	return removed, nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}
