package commands

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/egress"
	"github.com/jholhewres/clawgate/pkg/clawgate/profiles"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// newProfilesCmd creates `clawgate profiles` for inspecting permission tiers.
func newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List permission profiles and dry-run policy decisions",
		Long: `Inspect the permission profile table (built-in tiers plus those in the
config file) and evaluate a tool call against it without running anything.

Examples:
  clawgate profiles list
  clawgate profiles check minimal fs.read '{"path":"/workspace/README.md"}'
  clawgate profiles check coding web.fetch '{"url":"http://169.254.169.254/"}'`,
	}
	cmd.AddCommand(newProfilesListCmd(), newProfilesCheckCmd())
	return cmd
}

func buildEngine(cmd *cobra.Command) (*profiles.Engine, *tools.Registry, error) {
	cfg, _, err := loadConfig(cmd, false)
	if err != nil {
		return nil, nil, err
	}
	return engineFor(cfg, cmd)
}

func engineFor(cfg *config.Config, cmd *cobra.Command) (*profiles.Engine, *tools.Registry, error) {
	registry, err := tools.NewRegistry(tools.Builtin()...)
	if err != nil {
		return nil, nil, err
	}
	guard := egress.NewGuard(cfg.Egress.Guard, net.DefaultResolver, quietLogger(cmd))
	engine, err := profiles.NewEngine(cfg.Profiles, registry, guard)
	if err != nil {
		return nil, nil, err
	}
	return engine, registry, nil
}

func newProfilesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every profile tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, _, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")

			var all []profiles.Profile
			for _, name := range engine.Tiers() {
				p, _ := engine.Profile(name)
				all = append(all, p)
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(all)
			}

			for _, p := range all {
				_, builtin := profiles.BuiltInProfiles[p.Name]
				origin := "custom"
				if builtin {
					origin = "built-in"
				}
				fmt.Printf("%s (%s) - %s\n", p.Name, origin, p.Description)
				fmt.Printf("  allow:    %s\n", listOrNone(p.Allow))
				fmt.Printf("  deny:     %s\n", listOrNone(p.Deny))
				fmt.Printf("  commands: %d\n", len(p.Commands))
				fmt.Printf("  mount:    %s under %s\n", p.Mount, p.WorkspaceRoot)
				fmt.Printf("  egress:   %s\n", listOrNone(p.Egress.AllowHosts))
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print profiles as JSON")
	return cmd
}

func newProfilesCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <tier> <tool> [json-args]",
		Short: "Evaluate a tool call against a tier",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, registry, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			tier, tool := args[0], args[1]
			raw := "{}"
			if len(args) == 3 {
				raw = args[2]
			}

			toolArgs, err := registry.Decode(tool, json.RawMessage(raw))
			if err != nil {
				return err
			}
			decision := engine.Evaluate(tier, tool, toolArgs)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(decision); err != nil {
				return err
			}
			if !decision.Allow {
				return fmt.Errorf("denied: %s", decision.Reason)
			}
			return nil
		},
	}
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
