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

	"github.com/gastronom/gastronom/cmd/gastronom/cli"
	"github.com/gastronom/gastronom/internal/app"
	"github.com/gastronom/gastronom/internal/catalog"
	"github.com/gastronom/gastronom/internal/catalogsync"
	"github.com/gastronom/gastronom/internal/feed"
	"github.com/gastronom/gastronom/internal/inventory"
	"github.com/gastronom/gastronom/internal/orders"
	"github.com/gastronom/gastronom/jobs"
)

const usage = `usage: gastronom [serve | import [-encoding E] [-partial] FILE | jobs trigger NAME | jobs stats]`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		err = serve(ctx, stop, cfg, logger)
	case "import":
		err = runImport(ctx, cfg, logger, args)
	case "jobs":
		err = runJobs(ctx, cfg, args)
	default:
		err = errors.New(usage)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(command, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close(logger)

	redisOpts := cfg.Redis().AsynqOpt()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()
	jobClient := jobs.NewClient(redisOpts)
	defer jobClient.Close()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Metrics:          svc.metrics,
		Ready:            svc.ready,
		CatalogHandler:   catalog.NewHandler(logger, svc.catalog),
		InventoryHandler: inventory.NewHandler(logger, svc.ledger),
		OrdersHandler:    orders.NewHandler(logger, svc.orders),
		SyncHandler:      catalogsync.NewHandler(logger, svc.reconciler),
		JobHandler:       jobs.NewHandler(inspector, jobClient, logger),
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func runImport(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	encoding := fs.String("encoding", cfg.SyncFeedEncoding, "character set of the export")
	partial := fs.Bool("partial", false, "export is a subset; do not retire missing products")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New(usage)
	}
	reader, err := feed.NewReader(*encoding, ';')
	if err != nil {
		return err
	}

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close(logger)

	path := fs.Arg(0)
	_, err = cli.NewImporter(svc.reconciler, os.Stdout).Import(ctx, feed.NewFileSource(path, reader), "file:"+path, !*partial)
	return err
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	jobsCLI := cli.NewJobsCLI(cfg.Redis().AsynqOpt())
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) != 2 {
			return errors.New(usage)
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Printf("%-10s pending=%d active=%d scheduled=%d retry=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
		}
	default:
		return errors.New(usage)
	}
	return nil
}
