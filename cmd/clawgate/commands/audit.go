package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
)

// newAuditCmd creates `clawgate audit` for inspecting the audit chain.
func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and verify the audit log",
		Long: `Inspect the hash-chained audit log directly from the database.

Examples:
  clawgate audit verify
  clawgate audit verify --from 1200 --to 1300
  clawgate audit tail -n 50
  clawgate audit tail --session 6f1c...`,
	}
	cmd.AddCommand(newAuditVerifyCmd(), newAuditTailCmd())
	return cmd
}

// openAudit opens the configured database read path for one-shot commands.
func openAudit(ctx context.Context, cmd *cobra.Command) (*audit.Store, func(), error) {
	cfg, _, err := loadConfig(cmd, false)
	if err != nil {
		return nil, nil, err
	}
	logger := quietLogger(cmd)
	hub, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewStore(hub, logger), func() { _ = hub.Close() }, nil
}

func newAuditVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the checksum chain and report the first broken record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, _ := cmd.Flags().GetInt64("from")
			to, _ := cmd.Flags().GetInt64("to")
			asJSON, _ := cmd.Flags().GetBool("json")

			ctx := cmd.Context()
			store, closeFn, err := openAudit(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			report, err := store.Verify(ctx, from, to)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else if report.OK() {
				fmt.Printf("audit chain intact: %d records checked from seq %d, head %s\n",
					report.Checked, report.From, shortHex(report.Head))
			} else {
				fmt.Printf("audit chain BROKEN at seq %d: %s (%d records verified before it)\n",
					report.FirstBroken, report.Reason, report.Checked)
			}
			if !report.OK() {
				return fmt.Errorf("audit chain verification failed")
			}
			return nil
		},
	}
	cmd.Flags().Int64("from", 1, "first sequence number to verify")
	cmd.Flags().Int64("to", 0, "last sequence number to verify (0 = end of chain)")
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}

func newAuditTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, _ := cmd.Flags().GetInt("lines")
			sessionID, _ := cmd.Flags().GetString("session")
			asJSON, _ := cmd.Flags().GetBool("json")

			ctx := cmd.Context()
			store, closeFn, err := openAudit(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			var records []audit.Record
			if sessionID != "" {
				records, err = store.Session(ctx, sessionID)
				if len(records) > n && n > 0 {
					records = records[len(records)-n:]
				}
			} else {
				records, err = store.Tail(ctx, n)
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				for _, rec := range records {
					if err := enc.Encode(rec); err != nil {
						return err
					}
				}
				return nil
			}
			for _, rec := range records {
				fmt.Println(formatRecord(rec))
			}
			return nil
		},
	}
	cmd.Flags().IntP("lines", "n", 20, "number of records to print")
	cmd.Flags().String("session", "", "only records for this session id")
	cmd.Flags().Bool("json", false, "print one JSON record per line")
	return cmd
}

func formatRecord(rec audit.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%8d  %s  %-10s %-6s", rec.Seq, rec.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"), rec.Kind, rec.Decision)
	for _, kv := range [][2]string{
		{"actor", rec.Actor},
		{"session", rec.SessionID},
		{"invocation", rec.InvocationID},
		{"tool", rec.Tool},
		{"code", rec.Code},
		{"reason", rec.Reason},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
		}
	}
	fmt.Fprintf(&b, " sum=%s", shortHex(rec.ChecksumHex()))
	return b.String()
}

func shortHex(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
