package commands

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"seedvault/go-backend/internal/bootstrap/vaultconfig"
	"seedvault/go-backend/internal/composition/vaultapp"
	"seedvault/go-backend/internal/diagnostics"
	"seedvault/go-backend/internal/docstore"

	"github.com/spf13/cobra"
)

var errNotReady = errors.New("vault is not ready")

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, store and network readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := vaultconfig.LoadFromPath(configPath)
			if err != nil {
				return err
			}
			if transport != "" {
				cfg.Network.Transport = transport
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
			open := func(ctx context.Context, cfg vaultconfig.Config) (docstore.Store, func(context.Context) error, error) {
				return vaultapp.BuildStore(ctx, cfg, quiet)
			}
			report := diagnostics.New().Run(ctx, cfg, open)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Ready {
				return errNotReady
			}
			return nil
		},
	}
}
