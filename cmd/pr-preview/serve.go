package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/config"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/gitops"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/manifest"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/notify"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/observer"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/reaper"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/runner"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/session"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/sessionstore"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/supervisor"
	"github.com/hochfrequenz/pr-preview-orchestrator/web/api"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	stuckThreshold  = 15 * time.Minute
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon and its HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	log := newLogger(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := buildDaemon(ctx, cfg, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(d.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.shutdown(shutdownCtx)
	})
	return g.Wait()
}

// daemon holds every long-lived component of `serve`
type daemon struct {
	log      *slog.Logger
	store    *sessionstore.Store
	sessions *session.Registry
	procs    *supervisor.Supervisor
	orch     *orchestrator.Orchestrator
	watcher  *observer.WorkspaceWatcher
	reaper   *reaper.Reaper
	server   *api.Server
}

func buildDaemon(ctx context.Context, cfg *config.Config, log *slog.Logger) (*daemon, error) {
	d := &daemon{log: log}
	root := cfg.General.WorkspaceRoot
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	regOpts := []session.Option{session.WithLogCapacity(cfg.App.LogCapacity)}
	if cfg.General.DatabasePath != "" {
		store, err := sessionstore.Open(ctx, cfg.General.DatabasePath)
		if err != nil {
			return nil, err
		}
		store.SetLogRetention(cfg.App.LogCapacity)
		d.store = store
		regOpts = append(regOpts, session.WithStore(store))
	}
	d.sessions = session.New(log, regOpts...)

	run := runner.New(log)
	git := gitops.New(run, log,
		gitops.WithTimeout(cfg.GitTimeout()),
		gitops.WithCloneDepth(cfg.Git.CloneDepth),
	)
	d.procs = supervisor.New(log, supervisor.WithGrace(cfg.GracePeriod()))

	d.orch = orchestrator.New(orchestrator.Config{
		WorkspaceRoot:  root,
		MaxSessions:    cfg.General.MaxSessions,
		CloneRetries:   cfg.Git.CloneRetries,
		RetryDelay:     cfg.RetryDelay(),
		BuildTimeout:   cfg.BuildTimeout(),
		StopOnShutdown: cfg.App.StopOnShutdown,
		App: manifest.Defaults{
			Start:  cfg.App.StartCommand,
			Setup:  cfg.App.SetupCommands,
			Env:    cfg.App.Env,
			UsePTY: cfg.App.UsePTY,
		},
	}, d.sessions, git, run, d.procs, log,
		orchestrator.WithNotifier(notify.FromConfig(cfg.Notifications.Desktop, cfg.Notifications.SlackWebhook)),
	)

	if cfg.Reaper.Schedule != "" {
		r, err := reaper.New(d.orch, cfg.Reaper.Schedule, cfg.ReaperTTL(), log)
		if err != nil {
			d.closeStorage()
			return nil, err
		}
		d.reaper = r
	}

	if err := d.orch.Restore(ctx); err != nil {
		d.closeStorage()
		return nil, fmt.Errorf("restoring sessions: %w", err)
	}

	watcher, err := observer.NewWorkspaceWatcher(root, log, d.orch.WorkspaceRemoved)
	if err != nil {
		log.Warn("workspace watcher disabled", "error", err)
	} else {
		watcher.Start(ctx)
		d.watcher = watcher
	}

	if d.reaper != nil {
		d.reaper.Start(ctx)
	}

	addr := net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port))
	d.server = api.NewServer(d.orch, git, run, addr, log, api.WithObserver(observer.New(stuckThreshold)))
	return d, nil
}

// shutdown stops intake first, then the background jobs, then the
// orchestrator, and flushes storage last
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error
	if err := d.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}
	if d.reaper != nil {
		d.reaper.Stop()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if err := d.orch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	d.closeStorage()
	return errors.Join(errs...)
}

func (d *daemon) closeStorage() {
	d.sessions.Close()
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn("closing session store", "error", err)
		}
	}
}
