// notary-ops runs maintenance jobs against the document tracking database.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/notary-ops sweep --loop
//	go run ./cmd/notary-ops repair-ledger --id 42
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/utils"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/workflow"
	"github.com/spf13/cobra"
)

const opsActor = "notary-ops"

func main() {
	rootCmd := &cobra.Command{
		Use:          "notary-ops",
		Short:        "Maintenance jobs for notary document tracking",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(remindCmd())
	rootCmd.AddCommand(verifyLedgerCmd())
	rootCmd.AddCommand(repairLedgerCmd())
	rootCmd.AddCommand(ledgerReportCmd())
	rootCmd.AddCommand(exportFollowUpCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// opsContext is cancelled on SIGINT/SIGTERM and carries the ops actor for audit entries.
func opsContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	ctx = utils.SetActorNameInContext(ctx, opsActor)
	ctx = utils.SetCorrelationIdInContext(ctx, fmt.Sprintf("%s-%s-%d", opsActor, cmd.Name(), time.Now().Unix()))
	return ctx, stop
}

// connect opens the database and, when configured, Redis.
func connect(ctx context.Context) error {
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		return fmt.Errorf("database not initialized; set DB_* env vars")
	}
	if err := config.SetReadCommitted(config.GetDB()); err != nil {
		return fmt.Errorf("set isolation level: %w", err)
	}
	if config.RedisEnabled() {
		config.ConnectRedisWithRetry(ctx, 3)
	}
	return nil
}

func services(ctx context.Context) (*workflow.Services, error) {
	if err := connect(ctx); err != nil {
		return nil, err
	}
	return workflow.NewServicesFromEnv()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the document, event and notification tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := opsContext(cmd)
			defer stop()
			if err := connect(ctx); err != nil {
				return err
			}
			if err := models.MigrateTable(config.GetDB()); err != nil {
				return err
			}
			if config.NotificationMode() == config.NotificationModeLive && strings.TrimSpace(os.Getenv("PUBSUB_PROJECT_ID")) != "" {
				client, err := config.GetClient(ctx)
				if err != nil {
					return err
				}
				if _, err := config.CreateTopicIfNotExists(ctx, client, config.NotificationTopic()); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "topic %s ready\n", config.NotificationTopic())
			}
			fmt.Fprintln(os.Stdout, "migration complete")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Retry due notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := opsContext(cmd)
			defer stop()
			svc, err := services(ctx)
			if err != nil {
				return err
			}
			defer config.CloseRedis()
			if loop {
				svc.Sweep.Run(ctx)
				return nil
			}
			report, err := svc.Sweep.SweepOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping until interrupted")
	return cmd
}

func remindCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Send pickup reminders for documents waiting longer than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := opsContext(cmd)
			defer stop()
			svc, err := services(ctx)
			if err != nil {
				return err
			}
			defer config.CloseRedis()
			if olderThan <= 0 {
				olderThan = svc.Dispatcher.Settings.ReminderOlderThan()
			}
			report, err := svc.Dispatcher.SendReminders(ctx, olderThan)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum time in ready_for_pickup (default from notification settings)")
	return cmd
}

func verifyLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-ledger",
		Short: "Report documents whose ledger is inconsistent (read only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := opsContext(cmd)
			defer stop()
			svc, err := services(ctx)
			if err != nil {
				return err
			}
			defer config.CloseRedis()
			discrepancies, err := svc.Documents.VerifyLedger(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(discrepancies); err != nil {
				return err
			}
			if len(discrepancies) > 0 {
				return fmt.Errorf("%d document(s) with ledger discrepancies", len(discrepancies))
			}
			return nil
		},
	}
}

func repairLedgerCmd() *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "repair-ledger",
		Short: "Rebuild one document's ledger from its audited payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id <= 0 {
				return fmt.Errorf("--id is required")
			}
			ctx, stop := opsContext(cmd)
			defer stop()
			svc, err := services(ctx)
			if err != nil {
				return err
			}
			defer config.CloseRedis()
			result, err := svc.Documents.RepairLedger(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "document id")
	return cmd
}

func ledgerReportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "ledger-report",
		Short: "Print ledger totals across all documents, or save them with discrepancies to --out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := opsContext(cmd)
			defer stop()
			svc, err := services(ctx)
			if err != nil {
				return err
			}
			defer config.CloseRedis()
			if out != "" {
				n, err := svc.Documents.ExportLedgerReportFile(ctx, out)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "ledger report saved to %s (%d discrepancies)\n", out, n)
				return nil
			}
			summary, err := svc.Documents.LedgerReport(ctx)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "xlsx file to write instead of printing JSON")
	return cmd
}

func exportFollowUpCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export-follow-up",
		Short: "Export notifications that need manual follow-up to an xlsx file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := opsContext(cmd)
			defer stop()
			svc, err := services(ctx)
			if err != nil {
				return err
			}
			defer config.CloseRedis()
			n, err := svc.Dispatcher.ExportFollowUpFile(ctx, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "exported %d record(s) to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "follow-up.xlsx", "output file")
	return cmd
}
