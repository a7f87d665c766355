package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSessionExpiryProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("expiry is creation plus duration after a round trip", prop.ForAll(
		func(minutes int, offset int64) bool {
			created := time.Unix(1_700_000_000+offset, 0)
			sess := NewSession("octo", "vps", "tok_1", minutes, created)
			raw, err := json.Marshal(sess)
			if err != nil {
				return false
			}
			var back Session
			if err := json.Unmarshal(raw, &back); err != nil {
				return false
			}
			return back.ExpiresAt.Equal(back.CreatedAt.Add(time.Duration(minutes) * time.Minute))
		},
		gen.IntRange(1, 360),
		gen.Int64Range(0, 400_000_000),
	))

	properties.Property("a session is live strictly before its expiry", prop.ForAll(
		func(minutes int, probe int) bool {
			created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			sess := NewSession("octo", "vps", "tok_1", minutes, created)
			now := created.Add(time.Duration(probe) * time.Second)
			return sess.Expired(now) == (probe >= minutes*60)
		},
		gen.IntRange(1, 360),
		gen.IntRange(0, 360*60*2),
	))

	properties.TestingRun(t)
}

func TestBanActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	tests := []struct {
		name string
		user User
		want bool
	}{
		{name: "not banned", user: User{}, want: false},
		{name: "permanent", user: User{IsBanned: true, BanType: BanPermanent}, want: true},
		{name: "temporary running", user: User{IsBanned: true, BanType: BanTemporary, BanUntil: &future}, want: true},
		{name: "temporary elapsed", user: User{IsBanned: true, BanType: BanTemporary, BanUntil: &past}, want: false},
		{name: "temporary without end", user: User{IsBanned: true, BanType: BanTemporary}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.BanActive(now); got != tt.want {
				t.Fatalf("BanActive = %v, want %v", got, tt.want)
			}
		})
	}
}
