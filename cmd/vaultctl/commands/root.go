package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	configPath string
	timeout    time.Duration
	logLevel   string
	transport  string

	authID     string
	authLabel  string
	secretFile string

	versionLine = "vaultctl version=dev"
)

func SetVersion(version, commit, buildDate string) {
	versionLine = fmt.Sprintf("vaultctl version=%s commit=%s build_date=%s", version, commit, buildDate)
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "vaultctl",
		Short:        "Manage a multi-authenticator seed vault",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to seedvault.yaml (optional)")
	pf.DurationVar(&timeout, "timeout", 30*time.Second, "deadline for each command, 0 disables it")
	pf.StringVar(&logLevel, "log-level", "", "log level override: debug | info | warn | error")
	pf.StringVar(&transport, "transport", "", "network transport override: go-waku | mock")
	pf.StringVar(&authID, "auth-id", os.Getenv("SEEDVAULT_AUTH_ID"), "authenticator id used to unlock the vault")
	pf.StringVar(&authLabel, "label", "", "label recorded for the authenticator")
	pf.StringVar(&secretFile, "secret-file", "", "file holding the authenticator secret (default $SEEDVAULT_AUTH_SECRET, then stdin)")

	root.AddCommand(
		initCmd(),
		addAuthenticatorCmd(),
		removeAuthenticatorCmd(),
		listCmd(),
		seedCmd(),
		keyPairCmd(),
		metaCmd(),
		doctorCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), versionLine)
			return err
		},
	}
}
