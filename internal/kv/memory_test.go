package kv

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestMemoryListPushRangeTrim(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	if _, err := m.LPush(ctx, "logs", "a"); err != nil {
		t.Fatalf("lpush: %v", err)
	}
	n, err := m.LPush(ctx, "logs", "b", "c")
	if err != nil {
		t.Fatalf("lpush: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected length 3, got %d", n)
	}
	got, _ := m.LRange(ctx, "logs", 0, -1)
	if want := []string{"c", "b", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if err := m.LTrim(ctx, "logs", 0, 1); err != nil {
		t.Fatalf("ltrim: %v", err)
	}
	got, _ = m.LRange(ctx, "logs", 0, 199)
	if want := []string{"c", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("after trim got %v, want %v", got, want)
	}
}

func TestMemoryLRangeBounds(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	_, _ = m.RPush(ctx, "l", "0", "1", "2", "3", "4")

	tests := []struct {
		name        string
		start, stop int64
		want        []string
	}{
		{name: "all", start: 0, stop: -1, want: []string{"0", "1", "2", "3", "4"}},
		{name: "tail", start: -2, stop: -1, want: []string{"3", "4"}},
		{name: "stop past end", start: 3, stop: 100, want: []string{"3", "4"}},
		{name: "start past end", start: 9, stop: 12, want: []string{}},
		{name: "inverted", start: 3, stop: 1, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.LRange(ctx, "l", tt.start, tt.stop)
			if err != nil {
				t.Fatalf("lrange: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryLRem(t *testing.T) {
	tests := []struct {
		name    string
		count   int64
		want    []string
		removed int64
	}{
		{name: "all", count: 0, want: []string{"b", "c"}, removed: 3},
		{name: "head", count: 1, want: []string{"b", "x", "c", "x"}, removed: 1},
		{name: "tail", count: -2, want: []string{"x", "b", "c"}, removed: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := NewMemory(nil)
			_, _ = m.RPush(ctx, "l", "x", "b", "x", "c", "x")
			removed, err := m.LRem(ctx, "l", tt.count, "x")
			if err != nil {
				t.Fatalf("lrem: %v", err)
			}
			if removed != tt.removed {
				t.Fatalf("removed %d, want %d", removed, tt.removed)
			}
			got, _ := m.LRange(ctx, "l", 0, -1)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemorySetsAndKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	added, _ := m.SAdd(ctx, "active_vps_keys", "active_vps:a:r1", "active_vps:a:r2", "active_vps:a:r1")
	if added != 2 {
		t.Fatalf("expected 2 added, got %d", added)
	}
	_ = m.Set(ctx, "active_vps:a:r1", "{}")
	_ = m.Set(ctx, "user:bob", "{}")

	keys, _ := m.Keys(ctx, "active_vps:*")
	if want := []string{"active_vps:a:r1"}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys got %v, want %v", keys, want)
	}

	removed, _ := m.SRem(ctx, "active_vps_keys", "active_vps:a:r2", "missing")
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	members, _ := m.SMembers(ctx, "active_vps_keys")
	if want := []string{"active_vps:a:r1"}; !reflect.DeepEqual(members, want) {
		t.Fatalf("members got %v, want %v", members, want)
	}
}

func TestMemoryIncrAndDel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	for i := int64(1); i <= 3; i++ {
		n, err := m.Incr(ctx, "gh_token_last_idx")
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != i {
			t.Fatalf("incr returned %d, want %d", n, i)
		}
	}
	_ = m.Set(ctx, "bad", "abc")
	if _, err := m.Incr(ctx, "bad"); err == nil {
		t.Fatal("expected error incrementing non-integer")
	}

	n, _ := m.Del(ctx, "gh_token_last_idx", "bad", "missing")
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
}

func TestMemoryExpireUsesClock(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	m := NewMemory(clk)
	_ = m.Set(ctx, "cache", "v")

	ok, err := m.Expire(ctx, "cache", 20*time.Second)
	if err != nil || !ok {
		t.Fatalf("expire: ok=%v err=%v", ok, err)
	}
	clk.Add(19 * time.Second)
	if _, found, _ := m.Get(ctx, "cache"); !found {
		t.Fatal("expected key before ttl")
	}
	clk.Add(time.Second)
	if _, found, _ := m.Get(ctx, "cache"); found {
		t.Fatal("expected key evicted at ttl")
	}
	if ok, _ := m.Expire(ctx, "cache", time.Second); ok {
		t.Fatal("expire on missing key should report false")
	}
}

func TestUnconfiguredFailsClosed(t *testing.T) {
	var s Store = Unconfigured{}
	if _, _, err := s.Get(context.Background(), "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := s.SMembers(context.Background(), "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
