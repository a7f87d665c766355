// Package kv is the key-value layer every piece of persisted state goes
// through. Values are strings; callers JSON-encode structured records.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by every operation when no backend is configured
// or the backend cannot be reached.
var ErrUnavailable = errors.New("kv store unavailable")

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	LPush(ctx context.Context, key string, values ...string) (int64, error)
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
}

// listBounds converts Redis-style inclusive start/stop indexes (negative
// counts from the tail) into a half-open [lo, hi) range over n items.
func listBounds(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0
	}
	return start, stop + 1
}

func sliceRange(items []string, start, stop int64) []string {
	lo, hi := listBounds(start, stop, int64(len(items)))
	out := make([]string, hi-lo)
	copy(out, items[lo:hi])
	return out
}

// removeMatches applies LREM semantics: count > 0 removes from the head,
// count < 0 from the tail, 0 removes every match.
func removeMatches(items []string, count int64, value string) ([]string, int64) {
	var removed int64
	limit := count
	if limit < 0 {
		limit = -limit
	}
	keep := make([]bool, len(items))
	for i := range keep {
		keep[i] = true
	}
	visit := func(i int) bool {
		if items[i] != value {
			return true
		}
		if limit > 0 && removed >= limit {
			return false
		}
		keep[i] = false
		removed++
		return true
	}
	if count < 0 {
		for i := len(items) - 1; i >= 0; i-- {
			if !visit(i) {
				break
			}
		}
	} else {
		for i := range items {
			if !visit(i) {
				break
			}
		}
	}
	out := make([]string, 0, len(items)-int(removed))
	for i, v := range items {
		if keep[i] {
			out = append(out, v)
		}
	}
	return out, removed
}
