package kv

import (
	"context"
	"time"
)

// Unconfigured stands in when no backend credentials were supplied so the
// process still starts; every call fails with ErrUnavailable.
type Unconfigured struct{}

func (Unconfigured) Get(context.Context, string) (string, bool, error) { return "", false, ErrUnavailable }
func (Unconfigured) Set(context.Context, string, string) error { return ErrUnavailable }
func (Unconfigured) Del(context.Context, ...string) (int64, error) { return 0, ErrUnavailable }
func (Unconfigured) Incr(context.Context, string) (int64, error) { return 0, ErrUnavailable }
func (Unconfigured) Keys(context.Context, string) ([]string, error) { return nil, ErrUnavailable }

func (Unconfigured) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, ErrUnavailable
}

func (Unconfigured) LPush(context.Context, string, ...string) (int64, error) {
	return 0, ErrUnavailable
}

func (Unconfigured) RPush(context.Context, string, ...string) (int64, error) {
	return 0, ErrUnavailable
}

func (Unconfigured) LRange(context.Context, string, int64, int64) ([]string, error) {
	return nil, ErrUnavailable
}

func (Unconfigured) LTrim(context.Context, string, int64, int64) error { return ErrUnavailable }

func (Unconfigured) LRem(context.Context, string, int64, string) (int64, error) {
	return 0, ErrUnavailable
}

func (Unconfigured) SAdd(context.Context, string, ...string) (int64, error) {
	return 0, ErrUnavailable
}

func (Unconfigured) SRem(context.Context, string, ...string) (int64, error) {
	return 0, ErrUnavailable
}

func (Unconfigured) SMembers(context.Context, string) ([]string, error) { return nil, ErrUnavailable }
