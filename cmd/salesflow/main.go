package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/salesflow/cmd/salesflow/cli"
	"github.com/odyssey-erp/salesflow/internal/app"
	"github.com/odyssey-erp/salesflow/internal/platform/db"
)

const usage = `usage: salesflow <command> [flags]

commands:
  serve [--with-worker] [--migrate]   run the HTTP API
  migrate [up|status]                 apply or report schema migrations
  jobs trigger <task>                 enqueue a maintenance job by task type
  jobs stats                          print default queue counters
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}
	logger := app.NewLogger(cfg)

	switch cmd {
	case "serve":
		return serve(ctx, cfg, logger, args)
	case "migrate":
		pool, err := db.New(ctx, cfg.PGDSN, cfg.Postgres("migrate"))
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			return 1
		}
		defer pool.Close()
		action := ""
		if len(args) > 0 {
			action = args[0]
		}
		return cli.MigrateCommand(ctx, pool, cli.MigrateOptions{Action: action})
	case "jobs":
		return jobsCommand(ctx, cfg, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	withWorker := fs.Bool("with-worker", false, "run the background worker in this process")
	migrate := fs.Bool("migrate", false, "apply pending migrations before serving")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("init container", slog.Any("error", err))
		return 1
	}
	defer container.Close()

	if *migrate {
		if err := db.Migrate(ctx, container.Pool); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			return 1
		}
	}

	inspector := asynq.NewInspector(cfg.Redis().Asynq())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      container.Router(inspector),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("policy", container.Sales.Policy().Name))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if *withWorker {
		worker, err := container.Worker()
		if err != nil {
			logger.Error("init worker", slog.Any("error", err))
			return 1
		}
		g.Go(func() error {
			if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("salesflow stopped", slog.Any("error", err))
		return 1
	}
	return 0
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	jobsCLI := cli.NewJobsCLI(cfg.Redis().Asynq())
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "jobs trigger: task type required")
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1], cli.TriggerOptions{
			ReminderWindowHours:  cfg.ReminderWindowHours,
			IdempotencyRetention: cfg.IdempotencyRetention,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "enqueued %s as %s\n", info.Type, info.ID)
		return 0
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		stats.Render(os.Stdout)
		return 0
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}
