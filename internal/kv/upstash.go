package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Upstash speaks the Redis-over-REST protocol: every command is POSTed as a
// JSON array and answered with {"result": ...} or {"error": "..."}.
type Upstash struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

type UpstashOptions struct {
	URL     string
	Token   string
	Timeout time.Duration
	Retries int
}

func NewUpstash(opts UpstashOptions) *Upstash {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = opts.Retries
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c.HTTPClient.Timeout = timeout
	c.CheckRetry = upstashRetryPolicy
	return &Upstash{baseURL: opts.URL, token: opts.Token, http: c}
}

type commandKey struct{}

// appendOnly commands change state on every application, so a retry after
// the server applied the first attempt would advance the pool cursor twice
// or duplicate an audit entry. They are sent exactly once.
var appendOnly = map[string]bool{"INCR": true, "LPUSH": true, "RPUSH": true, "LREM": true}

func upstashRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if cmd, _ := ctx.Value(commandKey{}).(string); appendOnly[cmd] {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type upstashResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (u *Upstash) do(ctx context.Context, args ...string) (json.RawMessage, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	ctx = context.WithValue(ctx, commandKey{}, args[0])
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+u.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, args[0], err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", ErrUnavailable, args[0], err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s rejected credentials (status %d)", ErrUnavailable, args[0], resp.StatusCode)
	}

	var out upstashResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s response (status %d): %w", args[0], resp.StatusCode, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%s: %s", args[0], out.Error)
	}
	return out.Result, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func decodeInt(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("unexpected integer reply %s", string(raw))
	}
	return strconv.ParseInt(s, 10, 64)
}

func decodeStrings(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unexpected array reply: %w", err)
	}
	return out, nil
}

func (u *Upstash) Get(ctx context.Context, key string) (string, bool, error) {
	raw, err := u.do(ctx, "GET", key)
	if err != nil {
		return "", false, err
	}
	if isNull(raw) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, fmt.Errorf("GET %s: unexpected reply: %w", key, err)
	}
	return s, true, nil
}

func (u *Upstash) Set(ctx context.Context, key, value string) error {
	_, err := u.do(ctx, "SET", key, value)
	return err
}

func (u *Upstash) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	raw, err := u.do(ctx, append([]string{"DEL"}, keys...)...)
	if err != nil {
		return 0, err
	}
	return decodeInt(raw)
}

func (u *Upstash) Incr(ctx context.Context, key string) (int64, error) {
	raw, err := u.do(ctx, "INCR", key)
	if err != nil {
		return 0, err
	}
	return decodeInt(raw)
}

func (u *Upstash) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	secs := int64(ttl / time.Second)
	if secs <= 0 {
		secs = 1
	}
	raw, err := u.do(ctx, "EXPIRE", key, strconv.FormatInt(secs, 10))
	if err != nil {
		return false, err
	}
	n, err := decodeInt(raw)
	return n == 1, err
}

func (u *Upstash) Keys(ctx context.Context, pattern string) ([]string, error) {
	raw, err := u.do(ctx, "KEYS", pattern)
	if err != nil {
		return nil, err
	}
	return decodeStrings(raw)
}

func (u *Upstash) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	if len(values) == 0 {
		return 0, errors.New("LPUSH requires at least one value")
	}
	raw, err := u.do(ctx, append([]string{"LPUSH", key}, values...)...)
	if err != nil {
		return 0, err
	}
	return decodeInt(raw)
}

func (u *Upstash) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	if len(values) == 0 {
		return 0, errors.New("RPUSH requires at least one value")
	}
	raw, err := u.do(ctx, append([]string{"RPUSH", key}, values...)...)
	if err != nil {
		return 0, err
	}
	return decodeInt(raw)
}

func (u *Upstash) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	raw, err := u.do(ctx, "LRANGE", key, strconv.FormatInt(start, 10), strconv.FormatInt(stop, 10))
	if err != nil {
		return nil, err
	}
	return decodeStrings(raw)
}

func (u *Upstash) LTrim(ctx context.Context, key string, start, stop int64) error {
	_, err := u.do(ctx, "LTRIM", key, strconv.FormatInt(start, 10), strconv.FormatInt(stop, 10))
	return err
}

func (u *Upstash) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	raw, err := u.do(ctx, "LREM", key, strconv.FormatInt(count, 10), value)
	if err != nil {
		return 0, err
	}
	return decodeInt(raw)
}

func (u *Upstash) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	raw, err := u.do(ctx, append([]string{"SADD", key}, members...)...)
	if err != nil {
		return 0, err
	}
	return decodeInt(raw)
}

func (u *Upstash) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	raw, err := u.do(ctx, append([]string{"SREM", key}, members...)...)
	if err != nil {
		return 0, err
	}
	return decodeInt(raw)
}

func (u *Upstash) SMembers(ctx context.Context, key string) ([]string, error) {
	raw, err := u.do(ctx, "SMEMBERS", key)
	if err != nil {
		return nil, err
	}
	return decodeStrings(raw)
}
