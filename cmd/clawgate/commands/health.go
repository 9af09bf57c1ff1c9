package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates `clawgate health`, which queries a running gateway.
// Suitable for container health checks.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the health endpoint of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("address")
			if addr == "" {
				cfg, _, err := loadConfig(cmd, false)
				if err != nil {
					return err
				}
				addr = cfg.Gateway.Effective().Address
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("gateway unreachable at %s: %w", addr, err)
			}
			defer resp.Body.Close()

			if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("gateway unhealthy: %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().String("address", "", "gateway address (default: from config)")
	return cmd
}
