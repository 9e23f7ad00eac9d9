package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/audioextract/internal/backoff"
	"github.com/maauso/audioextract/internal/config"
	"github.com/maauso/audioextract/internal/converter"
	"github.com/maauso/audioextract/internal/gateway"
	"github.com/maauso/audioextract/internal/notify"
	"github.com/maauso/audioextract/internal/queue"
	"github.com/maauso/audioextract/internal/report"
	"github.com/maauso/audioextract/internal/server"
	"github.com/maauso/audioextract/internal/worker"
)

// shutdownTimeout bounds graceful shutdown of each component.
const shutdownTimeout = 30 * time.Second

// Consumer groups. Every converter process shares one group, so each video
// job is handled by exactly one of them.
const (
	converterGroup = "converter"
	notifierGroup  = "notifier"
)

// Main is the entry point shared by every binary. It returns the process
// exit code.
func Main(role config.Role) int {
	if err := Serve(role); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// Serve loads configuration from the environment and runs role until
// SIGINT or SIGTERM.
func Serve(role config.Role) error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(role); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger().With(slog.String("role", string(role)))
	slog.SetDefault(logger)

	flush, err := report.Init(cfg.SentryDSN, cfg.Environment, string(role))
	if err != nil {
		logger.Warn("error reporting disabled", slog.String("error", err.Error()))
	} else {
		defer flush()
	}

	logger.Info("starting audioextract", slog.String("config", cfg.String()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := NewDependencies(ctx, cfg, role, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("close dependencies", slog.String("error", err.Error()))
		}
	}()

	return Run(ctx, deps)
}

// Run runs every component of deps.Role until ctx is cancelled or one of
// them fails.
func Run(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	if deps.Role.Runs(config.RoleConverter) {
		g.Go(func() error { return RunConverter(ctx, deps) })
	}
	if deps.Role.Runs(config.RoleNotifier) {
		g.Go(func() error { return RunNotifier(ctx, deps) })
	}
	if deps.Role.Runs(config.RoleGateway) {
		g.Go(func() error { return RunGateway(ctx, deps, nil) })
	}

	return g.Wait()
}

// RunGateway serves the HTTP API until ctx is cancelled. When ready is not
// nil it receives the listening address.
func RunGateway(ctx context.Context, deps *Dependencies, ready chan<- net.Addr) error {
	cfg := deps.Config
	logger := deps.Logger

	service := gateway.NewService(deps.Auth, deps.Store, deps.Broker, queue.Name(cfg.VideoQueue), logger)
	handlers := server.NewHandlers(service, logger,
		server.WithMaxUploadBytes(cfg.MaxUploadBytes()),
		server.WithReadinessChecks(
			server.Check{Name: "storage", Probe: deps.Store.Ping},
			server.Check{Name: "queue", Probe: deps.Broker.Ping},
		),
	)
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	// Create HTTP server
	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  5 * time.Minute, // Uploads may be large
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if ready != nil {
		ready <- ln.Addr()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

// RunConverter consumes the video queue until ctx is cancelled.
func RunConverter(ctx context.Context, deps *Dependencies) error {
	cfg := deps.Config
	handler := converter.NewHandler(deps.Store, deps.Transcoder, deps.Broker, queue.Name(cfg.MP3Queue), deps.Logger)
	return runPool(ctx, deps, config.RoleConverter, queue.Name(cfg.VideoQueue), converterGroup, handler, cfg.ConverterWorkers)
}

// RunNotifier consumes the audio-ready queue until ctx is cancelled.
func RunNotifier(ctx context.Context, deps *Dependencies) error {
	cfg := deps.Config
	dispatcher := notify.NewDispatcher(deps.Mailer, deps.Logger,
		notify.WithDownloadBaseURL(cfg.DownloadBaseURL),
		notify.WithRateLimit(cfg.MailRatePerSec, cfg.MailRateBurst),
	)
	return runPool(ctx, deps, config.RoleNotifier, queue.Name(cfg.MP3Queue), notifierGroup, dispatcher, cfg.NotifierWorkers)
}

func runPool(ctx context.Context, deps *Dependencies, role config.Role, q queue.Name, group string, handler worker.Handler, workers int) error {
	cfg := deps.Config
	logger := deps.Logger.With(slog.String("queue", string(q)))

	consumers := func(ctx context.Context, name string) (queue.Consumer, error) {
		return deps.Broker.Consume(ctx, q, group, name)
	}
	pool := worker.NewPool(consumerName(role), consumers, handler, logger,
		worker.WithConcurrency(workers),
		worker.WithBackoff(backoff.NewExponentialWithJitter(cfg.RetryBackoffBase, cfg.RetryBackoffMax)),
		worker.WithHeartbeatInterval(deps.heartbeat),
		worker.WithReporter(report.Error),
	)

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", role, err)
	}
	logger.Debug("consuming", slog.String("group", group))

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop %s: %w", role, err)
	}
	return nil
}
