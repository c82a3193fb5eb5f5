package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kromosynth/orchestrator/internal/config"
	"github.com/kromosynth/orchestrator/internal/httpapi"
	"github.com/kromosynth/orchestrator/internal/logging"
	"github.com/kromosynth/orchestrator/internal/portalloc"
	"github.com/kromosynth/orchestrator/internal/runmanager"
	"github.com/kromosynth/orchestrator/internal/runstore"
	"github.com/kromosynth/orchestrator/internal/scheduler"
	"github.com/kromosynth/orchestrator/internal/servicedeps"
	"github.com/kromosynth/orchestrator/internal/supervisor"
	"github.com/kromosynth/orchestrator/internal/supervisor/execbackend"
	"github.com/kromosynth/orchestrator/internal/syncmanager"
	"github.com/kromosynth/orchestrator/pkg/runtypes"
	"github.com/kromosynth/orchestrator/pkg/template"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, flagWorkingRoot)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}
	if cmd.Flags().Changed("log-profile") {
		cfg.Logging.Profile = flagLogProfile
	}

	log, err := logging.New(logging.Profile(cfg.Logging.Profile), cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	registry := template.NewRegistry()
	templatesDir := filepath.Join(flagWorkingRoot, cfg.TemplatesDir)
	if errs := registry.LoadDir(templatesDir); len(errs) > 0 {
		for _, e := range errs {
			log.Warn("failed to load template", zap.Error(e))
		}
	}
	watcher, err := config.WatchTemplates(templatesDir, func(path string) {
		log.Info("reloading templates", zap.String("path", path))
		for _, e := range registry.LoadDir(templatesDir) {
			log.Warn("failed to reload template", zap.Error(e))
		}
	})
	if err != nil {
		log.Warn("template hot-reload disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	backend := execbackend.New()
	sup := supervisor.New(backend, logging.Named(log, "supervisor"))
	defer sup.Close()

	ports := portalloc.New(portalloc.DefaultConfig())
	store := runstore.NewStore(filepath.Join(flagWorkingRoot, "runs"))
	svcdeps := servicedeps.New(sup, servicedeps.DefaultConfig(), logging.Named(log, "servicedeps"))

	syncMgr := syncmanager.New(logging.Named(log, "syncmanager"))

	runs := runmanager.New(store, ports, sup, svcdeps, registry.Get, syncMgr.Trigger, cfg.RunOptions, logging.Named(log, "runmanager"))
	defer runs.Close()

	if err := runs.Load(ctx); err != nil {
		log.Warn("failed to reconcile persisted runs", zap.Error(err))
	}

	sched := scheduler.New(scheduler.Config{
		Mode:                   runtypes.SchedulerMode(cfg.Scheduler.Mode),
		MaxConcurrent:          cfg.Scheduler.MaxConcurrent,
		TimeSliceMinutes:       cfg.Scheduler.TimeSliceMinutes,
		PauseOnFailure:         cfg.Scheduler.PauseOnFailure,
		MaxFailuresBeforePause: cfg.Scheduler.MaxFailuresBeforePause,
	}, runs, registry.Exists, logging.Named(log, "scheduler"))
	sched.Start(ctx, nil)

	server := httpapi.New(runs, sched, syncMgr, cfg.Server.AdminToken, logging.Named(log, "httpapi"))
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// The HTTP listener and the lifecycle-event bridge run as a group: if
	// either returns (listener failure, or ctx cancellation draining the
	// bridge), the other is torn down before runServe returns.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		bridgeLifecycleEvents(groupCtx, runs, sched, syncMgr)
		return nil
	})

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)

	if err := group.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// bridgeLifecycleEvents wires the Run Manager's "run-ended"-shaped events
// into the Scheduler's slot-filling and the Sync Manager's
// register/unregister lifecycle (spec §4.H "Runs register on start; they
// unregister on terminal transitions"). The Run Manager itself already
// triggers the final sync synchronously before publishing "run-stopped"/
// "run-ended" (spec §5 ordering guarantee), so this bridge only
// unregisters the run; it does not trigger a second sync.
func bridgeLifecycleEvents(ctx context.Context, runs *runmanager.Manager, sched *scheduler.Scheduler, syncMgr *syncmanager.Manager) {
	sub := runs.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			switch evt.Name {
			case "run-started", "run-resumed":
				syncMgr.Register(ctx, evt.RunID, syncmanager.Config{
					Enabled:    true,
					IntervalMs: int(syncmanager.DefaultInterval.Milliseconds()),
					WorkingDir: evt.Run.WorkingDir,
				})
			case "run-stopped", "run-ended":
				syncMgr.Unregister(evt.RunID)
				sched.OnRunEnded(ctx, evt.Run)
			case "run-paused":
				syncMgr.Trigger(ctx, evt.RunID)
			}
		}
	}
}
