package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soaringjerry/Elicit/internal/api"
	"github.com/soaringjerry/Elicit/internal/config"
	"github.com/soaringjerry/Elicit/internal/logger"
	"github.com/soaringjerry/Elicit/internal/media"
	"github.com/soaringjerry/Elicit/internal/metrics"
	"github.com/soaringjerry/Elicit/internal/middleware"
	elicitredis "github.com/soaringjerry/Elicit/internal/redis"
	"github.com/soaringjerry/Elicit/internal/services"
	"github.com/soaringjerry/Elicit/internal/sweep"
	"github.com/soaringjerry/Elicit/internal/transcribe"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fs := pflag.NewFlagSet("elicit", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [serve|migrate]\n", os.Args[0])
		fs.PrintDefaults()
	}
	cfg.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := logger.New(logger.Config{Environment: cfg.Env, LogLevel: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd := fs.Arg(0); cmd {
	case "", "serve":
		err = serve(ctx, cfg, log)
	case "migrate":
		err = migrate(ctx, cfg, log)
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("exiting", zap.Error(err))
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	rec := metrics.New()
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	deps := services.EngineDeps{Store: b.store, Log: log, Metrics: rec}

	if cfg.RedisAddr != "" {
		rc, err := elicitredis.NewClient(ctx, elicitredis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, log)
		if err != nil {
			return err
		}
		defer rc.Close()
		keys := elicitredis.NewKeyBuilder("elicit")
		deps.Locker = elicitredis.NewLocker(rc, keys, cfg.LockTTL)
		deps.Recent = elicitredis.NewRecentWindow(rc, keys, cfg.DedupRetention)
		log.Info("using redis conversation lock", zap.String("addr", cfg.RedisAddr))
	}

	var mediaStore media.Store
	if cfg.MediaDir != "" {
		dir, err := media.NewDirStore(cfg.MediaDir, 0)
		if err != nil {
			return err
		}
		mediaStore = dir
	}
	if cfg.TranscriberURL != "" {
		tc, err := transcribe.New(transcribe.Config{Endpoint: cfg.TranscriberURL}, mediaStore)
		if err != nil {
			return err
		}
		deps.Transcriber = tc
	}

	events := services.NewTaskQueue(cfg.TaskShards, 0, log)
	// queued work drains on shutdown, so it must not share the signal context
	events.Start(context.WithoutCancel(ctx))
	defer events.Close()
	deps.Events = events

	engine := services.NewEngine(deps)
	defer engine.Close()

	if err := seedIfConfigured(ctx, cfg, b.store, engine.FollowUps(), log); err != nil {
		return err
	}

	mux := http.NewServeMux()
	api.NewRouter(api.Deps{
		Engine:        engine,
		Roles:         services.NewStoreIdentity(b.store),
		Reports:       services.NewReporter(b.store),
		Media:         mediaStore,
		Auth:          middleware.NewAuth(cfg.JWTSecret),
		Metrics:       rec,
		Ping:          b.ping,
		Log:           log,
		DefaultLocale: cfg.Locale,
		Commit:        os.Getenv("ELICIT_COMMIT"),
		BuildTime:     os.Getenv("ELICIT_BUILD_TIME"),
	}).Register(mux)
	handler := middleware.RequestLog(log)(middleware.SecureHeaders(middleware.CORS(cfg.CORSOrigins)(mux)))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	sweeper := sweep.New(b.store, engine, sweep.Config{Spec: cfg.SweepSpec, StaleAfter: cfg.StaleAfter, Retention: cfg.DedupRetention}, log, rec)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("elicit server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
