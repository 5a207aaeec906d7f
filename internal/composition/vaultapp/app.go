package vaultapp

import (
	"context"
	"io"
	"log/slog"
	"os"

	"seedvault/go-backend/internal/bootstrap/vaultconfig"
	"seedvault/go-backend/internal/docstore"
	"seedvault/go-backend/internal/keychain"
	"seedvault/go-backend/internal/platform/privacylog"
	"seedvault/go-backend/internal/platform/ratelimiter"
	"seedvault/go-backend/internal/secretcodec"
	"seedvault/go-backend/internal/vault"
	"seedvault/go-backend/internal/waku"

	"github.com/prometheus/client_golang/prometheus"
)

// App is a vault engine wired to its configured store.
type App struct {
	Config vaultconfig.Config
	Logger *slog.Logger
	Store  docstore.Store
	Engine *vault.Engine

	close Closer
}

type options struct {
	logOutput  io.Writer
	registerer prometheus.Registerer
	permission keychain.PermissionFunc
}

type Option func(*options)

func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPermission asks before an unlinked authenticator provisions a new
// identity.
func WithPermission(fn keychain.PermissionFunc) Option {
	return func(o *options) { o.permission = fn }
}

func Build(ctx context.Context, cfg vaultconfig.Config, opts ...Option) (*App, error) {
	o := options{logOutput: os.Stderr, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := privacylog.NewLogger(o.logOutput, cfg.Log.Level, cfg.Log.Format).
		With("component", "vaultapp")
	store, release, err := BuildStore(ctx, cfg, logger, waku.WithMetrics(waku.NewMetrics(o.registerer)))
	if err != nil {
		return nil, err
	}

	engine, err := vault.New(vault.Config{
		Client:          docstore.NewClient(store),
		Codec:           secretcodec.New(),
		KDF:             cfg.Vault.KDF,
		KeychainVersion: cfg.Vault.KeychainVersion,
		DocumentTag:     cfg.Vault.DocumentTag,
		SeedSource:      cfg.Vault.SeedSource,
		Limiter:         newLimiter(cfg.Vault),
		Permission:      o.permission,
		Metrics:         vault.NewMetrics(o.registerer),
		Logger:          logger,
	})
	if err != nil {
		_ = release(ctx)
		return nil, err
	}
	logger.Debug("vault app ready", "backend", cfg.Store.Backend, "source", cfg.Vault.SeedSource)
	return &App{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Engine: engine,
		close:  release,
	}, nil
}

func (a *App) Close(ctx context.Context) error {
	if a == nil || a.close == nil {
		return nil
	}
	err := a.close(ctx)
	a.close = nil
	return err
}

// newLimiter returns nil (no throttling) when the rate is disabled so the
// engine never sees a typed-nil Limiter.
func newLimiter(cfg vaultconfig.VaultConfig) vault.Limiter {
	l := ratelimiter.New(cfg.AuthRatePerSecond, cfg.AuthBurst, cfg.AuthIdleTTL)
	if l == nil {
		return nil
	}
	return l
}
