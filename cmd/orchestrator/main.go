// Command orchestrator runs the task-inactivity orchestrator daemon: the
// reconciliation engine, the ops HTTP/WS surface, the lookup-table janitor,
// and, when attached to a TTY, a live status dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/task-orchestrator/handoff/internal/bus"
	"github.com/task-orchestrator/handoff/internal/config"
	"github.com/task-orchestrator/handoff/internal/janitor"
	"github.com/task-orchestrator/handoff/internal/messaging"
	"github.com/task-orchestrator/handoff/internal/opsapi"
	"github.com/task-orchestrator/handoff/internal/orchestrator"
	"github.com/task-orchestrator/handoff/internal/persistence"
	"github.com/task-orchestrator/handoff/internal/tui"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Task Inactivity Orchestrator

Usage:
  %s                 Start with the status dashboard (TTY only)
  %s -daemon         Start headless, logs to stdout
  %s -home DIR       Override the home directory (db + config.yaml)

Environment:
  ORCHESTRATOR_HOME         Base dir for orchestrator.db and config.yaml
  ORCHESTRATOR_DB_PATH      Database file path
  ORCHESTRATOR_HTTP_ADDR    Ops HTTP bind address (default :8088)
  ORCHESTRATOR_ADMIN_TOKEN  Bearer token for /api/* and /ws/status
  TELEGRAM_TOKEN            Messaging provider credentials
  TASKS_AUTO_*              Reconciliation loop toggles
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("ORCHESTRATOR_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no TUI, logs to stdout)")
	homeDir := flag.String("home", "", "home directory (defaults to ORCHESTRATOR_HOME or ~/.task-orchestrator)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*homeDir)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", cfg.LogFields()...)

	eventBus := bus.NewWithLogger(logger)

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		logger.Error("store open failed", "db_path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	provider := messaging.NewTelegramProvider(cfg.Telegram.Token, logger)

	engine := orchestrator.New(store, provider, nil, eventBus, logger, cfg.OrchestratorConfig())
	engine.Start(ctx)
	defer engine.Stop()

	jan, err := janitor.New(janitor.Config{
		Store:    store,
		Logger:   logger,
		CronExpr: cfg.Tasks.JanitorCron,
	})
	if err != nil {
		logger.Error("janitor init failed", "cron_expr", cfg.Tasks.JanitorCron, "error", err)
		os.Exit(1)
	}
	jan.Start(ctx)
	defer jan.Stop()

	// Hot-reload: a changed config.yaml swaps the engine's toggles in place;
	// the next tick picks them up.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				next, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				engine.SetConfig(next.OrchestratorConfig())
				logger.Info("config reloaded")
			}
		}()
	}

	api := opsapi.New(opsapi.Config{
		Store:     store,
		Engine:    engine,
		Bus:       eventBus,
		Logger:    logger,
		AuthToken: cfg.AdminToken,
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ops surface listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	startedAt := time.Now()
	lastEvent := trackLastEvent(ctx, eventBus)

	if interactive {
		go func() {
			err := tui.Run(ctx, func() tui.Snapshot {
				return snapshot(store, engine, api, startedAt, lastEvent)
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("dashboard exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("ops server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// trackLastEvent subscribes to the bus and keeps the most recent topic for
// the dashboard.
func trackLastEvent(ctx context.Context, eventBus *bus.Bus) func() string {
	var last string
	updates := make(chan string, 1)
	sub := eventBus.Subscribe("")
	go func() {
		defer eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				select {
				case updates <- ev.Topic:
				default:
					select {
					case <-updates:
					default:
					}
					updates <- ev.Topic
				}
			}
		}
	}()
	return func() string {
		select {
		case last = <-updates:
		default:
		}
		return last
	}
}

func snapshot(store *persistence.Store, engine *orchestrator.Engine, api *opsapi.Server, startedAt time.Time, lastEvent func() string) tui.Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	snap := tui.Snapshot{
		DBOK:          store.Healthy(ctx) == nil,
		SchedulerSize: engine.Scheduler().Size(),
		WSClients:     api.ClientCount(),
		LastError:     engine.LastTickError(),
		LastEvent:     lastEvent(),
		Uptime:        time.Since(startedAt),
	}
	if counts, err := store.CountInternalByStatus(ctx); err == nil {
		snap.OpenTasks = counts.Open
		snap.AssignedTasks = counts.Assigned
		snap.ClosedTasks = counts.Closed
	}
	if n, err := store.CountFlexTasks(ctx); err == nil {
		snap.FlexTasks = n
	}
	return snap
}
