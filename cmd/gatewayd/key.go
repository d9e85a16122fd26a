package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lorawan-server/poc-gateway/internal/config"
	"github.com/lorawan-server/poc-gateway/internal/signer"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the gateway identity key",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(
		newKeyGenerateCmd(),
		newKeyShowCmd(),
	)
	return cmd
}

func newKeyGenerateCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:     "generate",
		Short:   "Generate a new ed25519 identity key file",
		Example: `  gatewayd key generate --out /var/lib/gatewayd/identity.key`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			s, err := signer.GenerateKeyFile(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated identity key at %s\n", out)
			fmt.Fprintln(cmd.OutOrStdout(), s.PublicKey().String())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "path of the key file to write (must not exist)")
	cmd.MarkFlagRequired("out")
	return cmd
}

func newKeyShowCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the public key of the configured identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			id, err := loadSigner(cfg.Identity)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.PublicKey().String())
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "/etc/gatewayd/gatewayd.toml", "configuration file (.toml or .yml)")
	return cmd
}
