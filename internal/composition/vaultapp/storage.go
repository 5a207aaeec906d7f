package vaultapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"seedvault/go-backend/internal/bootstrap/vaultconfig"
	"seedvault/go-backend/internal/docstore"
	"seedvault/go-backend/internal/docstore/pgstore"
	"seedvault/go-backend/internal/securestore"
	"seedvault/go-backend/internal/waku"
)

const (
	storagePassphraseEnv = "SEEDVAULT_STORE_PASSPHRASE"
	plaintextStoreEnv    = "SEEDVAULT_ALLOW_PLAINTEXT_STORE"
)

var ErrInsecureStorage = errors.New("unsealed file store is forbidden in production")

// Closer releases whatever a store holds open.
type Closer func(context.Context) error

// BuildStore opens the configured document store. The returned closer
// releases pools and network nodes and is never nil. netOpts apply only to
// the network backend.
func BuildStore(ctx context.Context, cfg vaultconfig.Config, logger *slog.Logger, netOpts ...waku.Option) (docstore.Store, Closer, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Store.Backend {
	case vaultconfig.BackendMemory:
		logger.Warn("memory store selected, state is lost on exit")
		return docstore.NewMemoryStore(), noop, nil

	case vaultconfig.BackendFile:
		sealer, err := fileSealer(cfg.Store.Passphrase, logger)
		if err != nil {
			return nil, noop, err
		}
		store, err := docstore.NewFileStore(cfg.Store.Path, sealer)
		if err != nil {
			if errors.Is(err, securestore.ErrAuthFailed) {
				return nil, noop, fmt.Errorf("open %s: wrong %s: %w", cfg.Store.Path, storagePassphraseEnv, err)
			}
			return nil, noop, err
		}
		return store, noop, nil

	case vaultconfig.BackendPostgres:
		pool, err := pgstore.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, noop, err
		}
		release := func(context.Context) error {
			pool.Close()
			return nil
		}
		var opts []pgstore.Option
		if cfg.Store.PostgresSchema != "" {
			opts = append(opts, pgstore.WithSchema(cfg.Store.PostgresSchema))
		}
		if cfg.Store.PostgresTable != "" {
			opts = append(opts, pgstore.WithTable(cfg.Store.PostgresTable))
		}
		store, err := pgstore.New(pool, opts...)
		if err != nil {
			pool.Close()
			return nil, noop, err
		}
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		return store, release, nil

	case vaultconfig.BackendNetwork:
		node := waku.NewNode(cfg.Network, netOpts...)
		if err := node.Start(ctx); err != nil {
			return nil, noop, fmt.Errorf("start %s node: %w", cfg.Network.Transport, err)
		}
		status := node.Status()
		logger.Info("document network connected",
			"transport", cfg.Network.Transport,
			"state", status.State,
			"peers", status.PeerCount,
		)
		return node, node.Stop, nil

	default:
		return nil, noop, fmt.Errorf("%w: unknown store backend %q", vaultconfig.ErrInvalidConfig, cfg.Store.Backend)
	}
}

func fileSealer(passphrase string, logger *slog.Logger) (*securestore.Sealer, error) {
	if passphrase != "" {
		return securestore.NewSealer(passphrase, securestore.DefaultParams())
	}
	if err := enforcePlaintextPolicy(); err != nil {
		return nil, err
	}
	logger.Warn("file store is not sealed; set " + storagePassphraseEnv + " to encrypt it at rest")
	return nil, nil
}

func enforcePlaintextPolicy() error {
	if !isProductionEnv() {
		return nil
	}
	if allowed, _ := parseBoolEnv(plaintextStoreEnv); allowed {
		return nil
	}
	return fmt.Errorf(
		"%w: set %s or explicitly allow it with %s=true",
		ErrInsecureStorage,
		storagePassphraseEnv,
		plaintextStoreEnv,
	)
}

func isProductionEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("SEEDVAULT_ENV"))) {
	case "prod", "production":
		return true
	default:
		return false
	}
}

func parseBoolEnv(name string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
