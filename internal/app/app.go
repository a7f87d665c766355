// Package app wires configuration into the services both binaries run.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codecloud/vps-control-plane/internal/accounts"
	"github.com/codecloud/vps-control-plane/internal/api"
	"github.com/codecloud/vps-control-plane/internal/auth"
	"github.com/codecloud/vps-control-plane/internal/config"
	"github.com/codecloud/vps-control-plane/internal/discovery"
	"github.com/codecloud/vps-control-plane/internal/hosting"
	"github.com/codecloud/vps-control-plane/internal/kv"
	"github.com/codecloud/vps-control-plane/internal/provision"
	"github.com/codecloud/vps-control-plane/internal/reconcile"
	"github.com/codecloud/vps-control-plane/internal/store"
	"github.com/codecloud/vps-control-plane/internal/tokenpool"
)

type Services struct {
	Config      config.Config
	Clock       clock.Clock
	KV          kv.Store
	Host        hosting.Provider
	Store       *store.Store
	Pool        *tokenpool.Pool
	Provisioner *provision.Provisioner
	Poller      *discovery.Poller
	Reconciler  *reconcile.Reconciler
	Accounts    *accounts.Service
	Issuer      *auth.Issuer

	closers []func()
}

// Open builds every service from cfg. Close releases the database pool when
// the postgres backend is in use.
func Open(ctx context.Context, cfg config.Config) (*Services, error) {
	clk := clock.New()
	s := &Services{Config: cfg, Clock: clk}

	backend, err := s.openKV(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.KV = backend
	s.Store = store.New(backend)
	s.Host = openHost(cfg, clk)

	sealer, err := openSealer(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Pool = tokenpool.New(s.Store, s.Host, tokenpool.Options{
		SmokeTest: cfg.TokenSmokeTest,
		Sealer:    sealer,
		Clock:     clk,
	})
	s.Provisioner = provision.New(s.Pool, s.Store, provision.Options{Clock: clk})
	s.Poller = discovery.New(s.Pool, s.Store, discovery.Options{Clock: clk, CacheTTL: cfg.DiscoveryCacheTTL})
	s.Reconciler = reconcile.New(s.Pool, s.Store, reconcile.Options{Clock: clk, TokenMaxAge: cfg.TokenMaxAge})
	s.Accounts = accounts.New(s.Store, accounts.Options{
		Clock:       clk,
		Admins:      cfg.AdminAccounts,
		FreeMinutes: cfg.FreeMinutes,
	})
	s.Issuer = auth.NewIssuer(cfg.JWTSecret, cfg.JWTTTL, clk)
	return s, nil
}

// Deps exposes the services to the HTTP layer.
func (s *Services) Deps() api.Deps {
	return api.Deps{
		Accounts:    s.Accounts,
		Provisioner: s.Provisioner,
		Discovery:   s.Poller,
		Reconciler:  s.Reconciler,
		Credentials: s.Pool,
		Store:       s.Store,
		Tokens:      s.Issuer,
	}
}

func (s *Services) SweepOptions() reconcile.SweepOptions {
	return reconcile.SweepOptions{
		MaxSessions:    s.Config.SweepMaxSessions,
		MaxTokenChecks: s.Config.SweepMaxTokenChecks,
	}
}

func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *Services) openKV(ctx context.Context) (kv.Store, error) {
	cfg := s.Config
	switch cfg.KVBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping db: %w", err)
		}
		pg := kv.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure kv schema: %w", err)
		}
		return pg, nil
	case "memory":
		log.Warn("kv backend is in-memory, state is lost on restart")
		return kv.NewMemory(s.Clock), nil
	default:
		if !cfg.UpstashConfigured() {
			log.Warn("upstash credentials missing, storage-backed endpoints will report unavailable")
			return kv.Unconfigured{}, nil
		}
		return kv.NewUpstash(kv.UpstashOptions{URL: cfg.UpstashURL, Token: cfg.UpstashToken}), nil
	}
}

func openHost(cfg config.Config, clk clock.Clock) hosting.Provider {
	if cfg.HostProvider == "fake" {
		log.Warn("hosting provider is the in-memory fake")
		return hosting.NewFake(clk)
	}
	return hosting.NewGitHub(hosting.GitHubOptions{
		BaseURL:         cfg.GitHubAPIURL,
		UserAgent:       cfg.UserAgent,
		MetadataTimeout: 25 * time.Second,
		DownloadTimeout: 60 * time.Second,
	})
}

func openSealer(cfg config.Config) (tokenpool.Sealer, error) {
	if cfg.AgeIdentity == "" {
		if cfg.AgeRecipient != "" {
			return nil, fmt.Errorf("CC_TOKEN_AGE_RECIPIENT needs CC_TOKEN_AGE_IDENTITY to open sealed tokens")
		}
		return tokenpool.PlainSealer{}, nil
	}
	return tokenpool.NewAgeSealer(cfg.AgeIdentity, cfg.AgeRecipient)
}
