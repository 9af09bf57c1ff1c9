package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/gateway"
)

// newPasswordCmd creates `clawgate password` for password auth setup.
func newPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Manage gateway password authentication",
	}
	cmd.AddCommand(newPasswordHashCmd())
	return cmd
}

func newPasswordHashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Hash a password for gateway.auth.password_hash",
		Long: `Read a password (without echo) and print its argon2id hash, ready to
paste into gateway.auth.password_hash.

Examples:
  clawgate password hash
  echo -n "$PASSWORD" | clawgate password hash --stdin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fromStdin, _ := cmd.Flags().GetBool("stdin")

			var password string
			if fromStdin {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password from stdin: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			} else {
				first, err := config.ReadPassword("Password: ")
				if err != nil {
					return err
				}
				second, err := config.ReadPassword("Confirm password: ")
				if err != nil {
					return err
				}
				if first != second {
					return fmt.Errorf("passwords do not match")
				}
				password = first
			}

			hash, err := gateway.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
	cmd.Flags().Bool("stdin", false, "read the password from stdin instead of the terminal")
	return cmd
}
