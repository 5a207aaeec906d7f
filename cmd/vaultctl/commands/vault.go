package commands

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Unlock the vault, creating identity and master seed on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			defer s.close()
			fmt.Fprintf(cmd.OutOrStdout(), "identity: %s\n", s.ident.ID)
			return nil
		},
	}
}

func addAuthenticatorCmd() *cobra.Command {
	var (
		newID         string
		newLabel      string
		newSecretFile string
	)
	cmd := &cobra.Command{
		Use:   "add-authenticator",
		Short: "Allow another authenticator to unlock the vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if newID == "" {
				return fmt.Errorf("--new-id is required")
			}
			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.close()
			secret, err := readSecret(cmd, newSecretFile, "SEEDVAULT_NEW_AUTH_SECRET", "new authenticator secret")
			if err != nil {
				return err
			}
			label := newLabel
			if label == "" {
				label = newID
			}
			if err := s.app.Engine.AddAuthenticator(s.ctx, secret, newID, label); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", newID, label)
			return nil
		},
	}
	cmd.Flags().StringVar(&newID, "new-id", "", "id of the authenticator to add")
	cmd.Flags().StringVar(&newLabel, "new-label", "", "label of the authenticator to add")
	cmd.Flags().StringVar(&newSecretFile, "new-secret-file", "", "file holding the new secret (default $SEEDVAULT_NEW_AUTH_SECRET, then stdin)")
	return cmd
}

func removeAuthenticatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-authenticator <id>",
		Short: "Revoke an authenticator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.app.Engine.RemoveAuthenticator(s.ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List authenticators in keychain order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.close()
			ids, err := s.app.Engine.Authenticators(s.ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var asHex bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Print the decrypted master seed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.close()
			seed, err := s.app.Engine.MasterSeed(s.ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), printable(seed, asHex))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asHex, "hex", false, "print hex even when the seed is valid UTF-8")
	return cmd
}

func keyPairCmd() *cobra.Command {
	var asHex bool
	cmd := &cobra.Command{
		Use:   "keypair <label>",
		Short: "Print the authenticator id and secret stored under label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.close()
			pair, err := s.app.Engine.AuthenticatorKeyPair(s.ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id: %s\nsecret: %s\n", pair.AuthenticatorID, printable(pair.Secret, asHex))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asHex, "hex", false, "print the secret as hex")
	return cmd
}

type metaView struct {
	Identity       string            `json:"identity"`
	Address        string            `json:"address"`
	Controllers    []string          `json:"controllers"`
	Revision       uint64            `json:"revision"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	HasMasterSeed  bool              `json:"hasMasterSeed"`
	Authenticators map[string]string `json:"authenticators"`
	Keys           []string          `json:"keys"`
}

func metaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "meta",
		Short: "Show the master seed document without secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.close()
			meta, err := s.app.Engine.Metadata(s.ctx)
			if err != nil {
				return err
			}
			view := metaView{
				Identity:       s.ident.ID,
				Address:        meta.Address,
				Controllers:    meta.Controllers,
				Revision:       meta.Revision,
				UpdatedAt:      meta.UpdatedAt,
				HasMasterSeed:  meta.Content.MasterSeed != nil,
				Authenticators: meta.Content.Authenticators,
				Keys:           slices.Sorted(maps.Keys(meta.Content.Keys)),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
}

func printable(b []byte, asHex bool) string {
	if asHex || !utf8.Valid(b) {
		return hex.EncodeToString(b)
	}
	return string(b)
}
