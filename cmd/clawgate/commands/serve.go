package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
	"github.com/jholhewres/clawgate/pkg/clawgate/egress"
	"github.com/jholhewres/clawgate/pkg/clawgate/gateway"
	"github.com/jholhewres/clawgate/pkg/clawgate/invoke"
	"github.com/jholhewres/clawgate/pkg/clawgate/profiles"
	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
	"github.com/jholhewres/clawgate/pkg/clawgate/scheduler"
	"github.com/jholhewres/clawgate/pkg/clawgate/session"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// shutdownTimeout bounds the graceful stop of every component together.
const shutdownTimeout = 15 * time.Second

// newServeCmd creates the `clawgate serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway, sandbox pool and maintenance jobs",
		Long: `Start ClawGate as a daemon: open the database, restore active sessions,
warm the sandbox pool, start the egress proxy and serve the gateway.

Examples:
  clawgate serve
  clawgate serve --config /etc/clawgate/clawgate.yaml -v`,
		RunE: runServe,
	}
	cmd.Flags().Bool("no-prewarm", false, "skip warming sandbox instances at startup")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	// ── Configure logger ──
	logger := newLogger(cmd, cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("config loaded", "path", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──
	hub, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer hub.Close()

	auditLog := audit.NewStore(hub, logger)
	seq, _, err := auditLog.Head(ctx)
	if err != nil {
		return fmt.Errorf("reading audit head: %w", err)
	}
	logger.Info("audit log ready", "head_seq", seq)

	// ── Policy ──
	registry, err := tools.NewRegistry(tools.Builtin()...)
	if err != nil {
		return err
	}
	guard := egress.NewGuard(cfg.Egress.Guard, net.DefaultResolver, logger)
	engine, err := profiles.NewEngine(cfg.Profiles, registry, guard)
	if err != nil {
		return err
	}

	// ── Sandboxes ──
	proxy := egress.NewProxy(cfg.Egress, guard, logger)
	if err := proxy.Start(); err != nil {
		return err
	}
	provider, err := sandbox.NewProcessProvider(cfg.Sandbox, proxy, logger)
	if err != nil {
		return err
	}
	pool, err := sandbox.NewPool(cfg.Sandbox, map[string]sandbox.Provider{provider.Name(): provider}, logger)
	if err != nil {
		return err
	}
	pool.SetWarmSpecs(engine.SandboxSpecs())
	if noPrewarm, _ := cmd.Flags().GetBool("no-prewarm"); !noPrewarm {
		if err := pool.Prewarm(ctx); err != nil {
			logger.Warn("sandbox prewarm incomplete", "error", err)
		}
	}

	// ── Sessions and invocations ──
	sessions, err := session.NewManager(cfg.Session, session.NewSQLStore(hub, logger), auditLog, engine, logger)
	if err != nil {
		return err
	}
	restored, err := sessions.Restore(ctx)
	if err != nil {
		return err
	}
	logger.Info("sessions restored", "count", restored)

	coordinator, err := invoke.New(cfg.Invoke, registry, engine, sessions, pool, auditLog, logger)
	if err != nil {
		return err
	}

	// ── Gateway ──
	gw, err := gateway.New(cfg.Gateway, gateway.Deps{
		Sessions: sessions,
		Invoker:  coordinator,
		Audit:    auditLog,
		Pool:     pool,
		DB:       hub,
	}, logger)
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}

	// ── Maintenance ──
	sched := scheduler.New(cfg.Scheduler.JobTimeout, logger)
	if err := scheduler.RegisterMaintenance(sched, cfg.Scheduler, scheduler.Targets{
		Pool:     pool,
		Sessions: sessions,
		Results:  coordinator,
		Gateway:  gw,
		Audit:    auditLog,
	}); err != nil {
		return err
	}
	sched.Start()

	logger.Info("ClawGate running. Press Ctrl+C to stop.",
		"gateway", gw.Addr(),
		"egress_proxy", proxy.Addr(),
		"classes", pool.Classes(),
		"tiers", engine.Tiers(),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop intake first, then drain work, then release sandboxes.
	var errs []error
	if err := gw.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	sched.Stop(shutdownCtx)
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator: %w", err))
	}
	sessions.Shutdown(shutdownCtx)
	pool.Close(shutdownCtx)
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("egress proxy: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		logger.Warn("shutdown finished with errors", "error", err)
		return nil
	}
	logger.Info("shutdown complete")
	return nil
}
