// Package tokenpool keeps the rotating set of hosting credentials and their
// health.
package tokenpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/codecloud/vps-control-plane/internal/hosting"
	"github.com/codecloud/vps-control-plane/internal/metrics"
	"github.com/codecloud/vps-control-plane/internal/model"
	"github.com/codecloud/vps-control-plane/internal/store"
)

var (
	ErrNoCredentialAvailable = errors.New("no live credential available")
	ErrInvalidCredential     = errors.New("invalid credential")
)

// DefaultMaxAge is how long a health check result is trusted.
const DefaultMaxAge = 48 * time.Hour

// Store is the slice of persistence the pool needs.
type Store interface {
	GetCredential(ctx context.Context, id string) (model.Credential, error)
	SaveCredential(ctx context.Context, c model.Credential) error
	AddCredential(ctx context.Context, c model.Credential) error
	DeleteCredential(ctx context.Context, id string) error
	CredentialIDs(ctx context.Context) ([]string, error)
	AdvanceCursor(ctx context.Context) (int64, error)
}

type Options struct {
	// SmokeTest makes Add and Check run a workflow end to end instead of
	// only checking identity.
	SmokeTest bool
	Smoke     SmokeTiming
	Sealer    Sealer
	Clock     clock.Clock
	// Limiter paces health sweep probes. Nil means 300ms between probes.
	Limiter *rate.Limiter
}

type Pool struct {
	store    Store
	provider hosting.Provider
	sealer   Sealer
	clock    clock.Clock
	smoke    bool
	timing   SmokeTiming
	limiter  *rate.Limiter
}

func New(st Store, provider hosting.Provider, opts Options) *Pool {
	p := &Pool{
		store:    st,
		provider: provider,
		sealer:   opts.Sealer,
		clock:    opts.Clock,
		smoke:    opts.SmokeTest,
		timing:   opts.Smoke,
		limiter:  opts.Limiter,
	}
	if p.sealer == nil {
		p.sealer = PlainSealer{}
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.limiter == nil {
		p.limiter = rate.NewLimiter(rate.Every(300*time.Millisecond), 1)
	}
	return p
}

// Lease is a usable credential with its secret opened.
type Lease struct {
	ID     string
	Secret string
	Owner  string
}

// API returns a hosting client authenticated as the lease.
func (p *Pool) API(l Lease) hosting.API {
	return p.provider.WithToken(l.Secret)
}

func (p *Pool) probe(ctx context.Context, secret string) (Probe, error) {
	api := p.provider.WithToken(secret)
	if p.smoke {
		return probeSmoke(ctx, api, p.clock.Now(), p.timing)
	}
	return probeIdentity(ctx, api)
}

// Add validates secret and stores it as live.
func (p *Pool) Add(ctx context.Context, secret string) (Lease, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Lease{}, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}
	res, err := p.probe(ctx, secret)
	if err != nil {
		return Lease{}, err
	}
	p.countCheck("add", res)
	if !res.Live {
		return Lease{Owner: res.Owner}, fmt.Errorf("%w: %s", ErrInvalidCredential, res.Reason)
	}

	sealed, err := p.sealer.Seal(secret)
	if err != nil {
		return Lease{}, err
	}
	now := p.clock.Now().UTC()
	cred := model.Credential{
		ID:     "tok_" + uuid.NewString(),
		Secret: sealed,
		Meta: model.CredentialMeta{
			Owner:       res.Owner,
			Status:      model.CredentialLive,
			LastChecked: &now,
			AddedAt:     now,
		},
	}
	if err := p.store.AddCredential(ctx, cred); err != nil {
		return Lease{}, err
	}
	log.Info("credential added", "id", cred.ID, "owner", res.Owner)
	return Lease{ID: cred.ID, Secret: secret, Owner: res.Owner}, nil
}

// Select hands out the next live credential in round-robin order. The cursor
// is advanced with INCR, but two concurrent callers can still land on the
// same credential when dead entries are skipped.
func (p *Pool) Select(ctx context.Context) (Lease, error) {
	return p.selectWhere(ctx, func(model.Credential) bool { return true })
}

// SelectOwnedBy is Select restricted to credentials of one identity.
func (p *Pool) SelectOwnedBy(ctx context.Context, owner string) (Lease, error) {
	return p.selectWhere(ctx, func(c model.Credential) bool {
		return strings.EqualFold(c.Meta.Owner, owner)
	})
}

func (p *Pool) selectWhere(ctx context.Context, keep func(model.Credential) bool) (Lease, error) {
	ids, err := p.store.CredentialIDs(ctx)
	if err != nil {
		return Lease{}, err
	}
	if len(ids) == 0 {
		return Lease{}, ErrNoCredentialAvailable
	}
	cursor, err := p.store.AdvanceCursor(ctx)
	if err != nil {
		return Lease{}, fmt.Errorf("advance pool cursor: %w", err)
	}
	n := int64(len(ids))
	start := ((cursor-1)%n + n) % n
	for i := int64(0); i < n; i++ {
		id := ids[(start+i)%n]
		cred, err := p.store.GetCredential(ctx, id)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCorrupt) {
			continue
		}
		if err != nil {
			return Lease{}, err
		}
		if !cred.Live() || !keep(cred) {
			continue
		}
		secret, err := p.sealer.Open(cred.Secret)
		if err != nil {
			log.Warn("credential unreadable", "id", id, "err", err)
			continue
		}
		return Lease{ID: id, Secret: secret, Owner: cred.Meta.Owner}, nil
	}
	return Lease{}, ErrNoCredentialAvailable
}

// Resolve returns the credential with id regardless of its status.
func (p *Pool) Resolve(ctx context.Context, id string) (Lease, error) {
	cred, err := p.store.GetCredential(ctx, id)
	if err != nil {
		return Lease{}, err
	}
	secret, err := p.sealer.Open(cred.Secret)
	if err != nil {
		return Lease{}, err
	}
	return Lease{ID: id, Secret: secret, Owner: cred.Meta.Owner}, nil
}

// MarkDead flags id as unusable. Marking an unknown id is not an error.
func (p *Pool) MarkDead(ctx context.Context, id string) error {
	cred, err := p.store.GetCredential(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := p.clock.Now().UTC()
	cred.Meta.Status = model.CredentialDead
	cred.Meta.LastChecked = &now
	if err := p.store.SaveCredential(ctx, cred); err != nil {
		return err
	}
	log.Warn("credential marked dead", "id", id, "owner", cred.Meta.Owner)
	return nil
}

func (p *Pool) Remove(ctx context.Context, id string) error {
	return p.store.DeleteCredential(ctx, id)
}

// Check re-probes one credential and records the outcome.
func (p *Pool) Check(ctx context.Context, id string) (Probe, error) {
	cred, err := p.store.GetCredential(ctx, id)
	if err != nil {
		return Probe{}, err
	}
	secret, err := p.sealer.Open(cred.Secret)
	if err != nil {
		return Probe{}, err
	}
	res, err := p.probe(ctx, secret)
	if err != nil {
		return Probe{}, err
	}
	p.countCheck("check", res)
	if err := p.record(ctx, cred, res); err != nil {
		return res, err
	}
	if res.Owner == "" {
		res.Owner = cred.Meta.Owner
	}
	return res, nil
}

func (p *Pool) record(ctx context.Context, cred model.Credential, res Probe) error {
	now := p.clock.Now().UTC()
	cred.Meta.LastChecked = &now
	cred.Meta.Status = model.CredentialDead
	if res.Live {
		cred.Meta.Status = model.CredentialLive
	}
	if res.Owner != "" {
		cred.Meta.Owner = res.Owner
	}
	return p.store.SaveCredential(ctx, cred)
}

func (p *Pool) countCheck(source string, res Probe) {
	status := string(model.CredentialDead)
	if res.Live {
		status = string(model.CredentialLive)
	}
	metrics.Default().IncCounter("codecloud_token_checks_total", map[string]string{
		"source": source,
		"status": status,
	})
}

// Listing is the admin view of a credential. The secret is masked.
type Listing struct {
	ID          string                 `json:"id"`
	Masked      string                 `json:"masked"`
	Owner       string                 `json:"owner"`
	Status      model.CredentialStatus `json:"status"`
	LastChecked *time.Time             `json:"lastChecked"`
}

func (p *Pool) List(ctx context.Context) ([]Listing, error) {
	ids, err := p.store.CredentialIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Listing, 0, len(ids))
	for _, id := range ids {
		cred, err := p.store.GetCredential(ctx, id)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCorrupt) {
			continue
		}
		if err != nil {
			return nil, err
		}
		masked := "***"
		if secret, err := p.sealer.Open(cred.Secret); err == nil {
			masked = Mask(secret)
		}
		l := Listing{
			ID:          id,
			Masked:      masked,
			Owner:       cred.Meta.Owner,
			Status:      cred.Meta.Status,
			LastChecked: cred.Meta.LastChecked,
		}
		if l.Owner == "" {
			l.Owner = "unknown"
		}
		if l.Status == "" {
			l.Status = model.CredentialUnknown
		}
		out = append(out, l)
	}
	return out, nil
}

func Mask(secret string) string {
	if len(secret) < 10 {
		return "***"
	}
	return secret[:8] + "****" + secret[len(secret)-4:]
}
