package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"seedvault/go-backend/internal/bootstrap/vaultconfig"
	"seedvault/go-backend/internal/composition/vaultapp"
	"seedvault/go-backend/internal/identity"
	"seedvault/go-backend/internal/keychain"

	"github.com/spf13/cobra"
)

var errMissingAuthID = errors.New("authenticator id required (--auth-id or SEEDVAULT_AUTH_ID)")

type session struct {
	ctx    context.Context
	app    *vaultapp.App
	ident  identity.Identity
	cancel context.CancelFunc
}

func (s *session) close() {
	_ = s.app.Close(context.Background())
	s.cancel()
}

// openSession loads the config, wires the vault and unlocks it with the
// authenticator from the global flags. Only init may provision a new
// identity; other commands refuse unknown authenticators.
func openSession(cmd *cobra.Command, allowProvision bool) (*session, error) {
	if strings.TrimSpace(authID) == "" {
		return nil, errMissingAuthID
	}
	cfg, err := vaultconfig.LoadFromPath(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if transport != "" {
		cfg.Network.Transport = transport
	}

	ctx := cmd.Context()
	cancel := func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	secret, err := readSecret(cmd, secretFile, "SEEDVAULT_AUTH_SECRET", "authenticator secret")
	if err != nil {
		cancel()
		return nil, err
	}

	app, err := vaultapp.Build(ctx, cfg,
		vaultapp.WithLogOutput(cmd.ErrOrStderr()),
		vaultapp.WithPermission(func(_ context.Context, req keychain.PermissionRequest) bool {
			if !allowProvision {
				fmt.Fprintf(cmd.ErrOrStderr(), "authenticator %s is not linked to a vault; run vaultctl init first\n", req.AuthenticatorID)
			}
			return allowProvision
		}),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	label := authLabel
	if label == "" {
		label = authID
	}
	ident, err := app.Engine.Initialize(ctx, secret, authID, label)
	if err != nil {
		_ = app.Close(context.Background())
		cancel()
		return nil, err
	}
	return &session{ctx: ctx, app: app, ident: ident, cancel: cancel}, nil
}

// readSecret takes the secret from path, then from env, then from the first
// line of stdin. Secrets are never accepted as flag values.
func readSecret(cmd *cobra.Command, path, env, what string) ([]byte, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", what, err)
		}
		return nonEmpty(strings.TrimRight(string(raw), "\r\n"), what)
	}
	if v := os.Getenv(env); v != "" {
		return nonEmpty(v, what)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", what)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read %s from stdin: %w", what, err)
	}
	return nonEmpty(strings.TrimRight(line, "\r\n"), what)
}

func nonEmpty(v, what string) ([]byte, error) {
	if v == "" {
		return nil, fmt.Errorf("%s is empty", what)
	}
	return []byte(v), nil
}
