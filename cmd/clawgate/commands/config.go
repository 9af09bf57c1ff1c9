package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/gateway"
)

// newConfigCmd creates `clawgate config` for checking configuration and
// managing the gateway token.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Check configuration and manage secrets",
		Long: `Check the configuration file and manage the gateway token in the OS keyring.

Examples:
  clawgate config check
  clawgate config show
  clawgate config set-token --generate
  clawgate config delete-token`,
	}
	cmd.AddCommand(
		newConfigCheckCmd(),
		newConfigShowCmd(),
		newConfigSetTokenCmd(),
		newConfigDeleteTokenCmd(),
	)
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%s is invalid:\n%w", path, err)
			}
			engine, _, err := engineFor(cfg, cmd)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			auth, err := gateway.NewAuthenticator(cfg.Gateway.Effective().Auth)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			fmt.Printf("%s is valid\n", path)
			fmt.Printf("  database:  %s\n", cfg.Database.Effective().Backend)
			fmt.Printf("  gateway:   %s (auth: %s)\n", cfg.Gateway.Effective().Address, strings.Join(auth.Modes(), ", "))
			fmt.Printf("  classes:   %s\n", strings.Join(cfg.Sandbox.ClassNames(), ", "))
			fmt.Printf("  tiers:     %s\n", strings.Join(engine.Tiers(), ", "))
			fmt.Printf("  isolation: %s\n", cfg.Sandbox.Isolation)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			redact := func(s *string) {
				if *s != "" {
					*s = "<redacted>"
				}
			}
			redact(&cfg.Gateway.Auth.Token)
			redact(&cfg.Gateway.Auth.PasswordHash)
			redact(&cfg.Database.PostgreSQL.Password)
			if cfg.Database.PostgreSQL.DSN != "" {
				cfg.Database.PostgreSQL.DSN = "<redacted>"
			}

			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func newConfigSetTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-token",
		Short: "Store the gateway bearer token in the OS keyring",
		Long: `Store the gateway bearer token in the OS keyring (service "clawgate").
The token in the config file and CLAWGATE_GATEWAY_TOKEN take precedence
over the keyring, so leave gateway.auth.token unset to use it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			generate, _ := cmd.Flags().GetBool("generate")

			var token string
			if generate {
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return fmt.Errorf("generating token: %w", err)
				}
				token = hex.EncodeToString(buf)
			} else {
				read, err := config.ReadPassword("Gateway token: ")
				if err != nil {
					return err
				}
				token = strings.TrimSpace(read)
			}
			if len(token) < 16 {
				return fmt.Errorf("token must be at least 16 characters")
			}

			if err := config.StoreKeyring(config.KeyringGatewayToken, token); err != nil {
				return fmt.Errorf("storing token in keyring: %w", err)
			}
			fmt.Fprintln(os.Stderr, "Gateway token stored in the OS keyring.")
			if generate {
				fmt.Println(token)
			}
			return nil
		},
	}
	cmd.Flags().Bool("generate", false, "generate a random token and print it once")
	return cmd
}

func newConfigDeleteTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-token",
		Short: "Remove the gateway bearer token from the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := config.DeleteKeyring(config.KeyringGatewayToken); err != nil {
				return fmt.Errorf("deleting token from keyring: %w", err)
			}
			fmt.Println("Gateway token removed from the OS keyring.")
			return nil
		},
	}
}
