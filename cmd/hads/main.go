package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ledzpl/hads/internal/config"
	"github.com/ledzpl/hads/internal/discovery"
	"github.com/ledzpl/hads/internal/logging"
	"github.com/ledzpl/hads/internal/metrics"
	"github.com/ledzpl/hads/internal/relay"
	"github.com/ledzpl/hads/internal/web"
	"github.com/ledzpl/hads/pkg/sshserver"
)

func main() {
	os.Exit(realMain())
}

// realMain returns the process exit code so deferred cleanup runs before exit.
func realMain() int {
	cfg := config.FromEnv()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [listen-addr]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if addr := flag.Arg(0); addr != "" {
		cfg.Addr = addr
	}

	logger := logging.New(os.Stderr, os.Getenv(logging.EnvFilter))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// Cancelled when the relay listener stops for any reason, so the other
	// surfaces and every live session wind down with it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	go m.Report(ctx, os.Stderr, cfg.MetricsTick)

	hub := relay.NewHub(
		relay.WithLogger(logger),
		relay.WithMetrics(m),
		relay.WithQueueLimit(cfg.QueueLimit, cfg.Overflow()),
		relay.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	)
	opts := cfg.ConnOptions()

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("starting hads-server", "addr", listener.Addr().String())

	if cfg.MDNS {
		host, err := os.Hostname()
		if err != nil {
			logger.Warn("hostname unavailable, announcing as hads", "error", err)
			host = "hads"
		}
		announcer, err := discovery.Announce(host, listener.Addr())
		if err != nil {
			logger.Warn("mdns announcement disabled", "error", err)
		} else {
			defer announcer.Shutdown()
		}
	}

	var surfaces sync.WaitGroup
	if cfg.SSHAddr != "" {
		if err := startSSH(ctx, &surfaces, cfg, hub, opts, logger); err != nil {
			_ = listener.Close()
			return err
		}
	}

	if cfg.HTTPAddr != "" {
		startHTTP(ctx, &surfaces, cfg.HTTPAddr, hub, opts, logger)
	}

	err = relay.NewServer(cfg.Addr, hub, opts, logger).Serve(ctx, listener)

	// Listeners must be down before the hub stops accepting sessions.
	cancel()
	surfaces.Wait()
	hub.Wait()
	return err
}

func startSSH(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, hub *relay.Hub, opts relay.ConnOptions, logger *slog.Logger) error {
	signer, err := sshserver.LoadOrGenerateSigner(cfg.HostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to prepare host key: %w", err)
	}

	server := sshserver.New(cfg.SSHAddr, signer, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := server.ListenAndServe(ctx, relay.SSHHandler(hub, opts))
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("ssh listener stopped", "error", err)
		}
	}()
	return nil
}

func startHTTP(ctx context.Context, wg *sync.WaitGroup, addr string, hub *relay.Hub, opts relay.ConnOptions, logger *slog.Logger) {
	server := &http.Server{
		Addr:              addr,
		Handler:           web.NewHandler(ctx, hub, opts, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("http listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http listener stopped", "error", err)
		}
	}()
}
