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

	"sharefast_relay/internal/config"
	"sharefast_relay/internal/database"
	"sharefast_relay/internal/directory"
	"sharefast_relay/internal/hub"
	"sharefast_relay/internal/ratelimit"
	"sharefast_relay/internal/relay"
	"sharefast_relay/internal/signaling"
	"sharefast_relay/internal/ticket"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFilePath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configFilePath); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(configFilePath string) error {
	cfg, err := config.Load(configFilePath)
	if err != nil {
		return err
	}

	logFile, err := config.ConfigureLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()
	store := database.NewStore(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	dir := directory.New(store, directory.Config{SessionTTL: cfg.SessionTTL}, clk)
	signals := signaling.New(store, dir, clk, cfg.SignalRetention)
	pushHub := hub.NewHub(ctx, dir, clk, hub.Config{
		KeepaliveInterval: cfg.KeepaliveInterval,
		PongWait:          cfg.PongWait,
	})

	var (
		channel relay.Channel
		rows    evicter
	)
	switch cfg.RelayBackend {
	case config.BackendPoll:
		poll := relay.NewPollChannel(store, dir, clk)
		channel, rows = relay.Instrument(cfg.RelayBackend, poll), poll
	case config.BackendHybrid:
		hybrid, err := relay.NewHybridChannel(cfg.RelayStoragePath, dir, clk)
		if err != nil {
			return err
		}
		channel = relay.Instrument(cfg.RelayBackend, hybrid)
	default:
		channel = pushHub
	}

	tickets, err := ticket.NewIssuer(cfg.TicketSecret, cfg.TicketTTL, clk)
	if err != nil {
		return err
	}
	if cfg.TicketSecret == "" {
		slog.Warn("ticket_secret not set, tickets will not survive a restart")
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitRequests > 0 {
		limiter = ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow, clk)
	}

	controller := NewController(ctx, store, dir, signals, channel, pushHub, tickets, ControllerOptions{
		Backend:        cfg.RelayBackend,
		RequireTicket:  cfg.RequireTicket,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	sweeper := &Sweeper{
		controller:      controller,
		rows:            rows,
		limiter:         limiter,
		clock:           clk,
		interval:        cfg.SweepInterval,
		signalMaxAge:    cfg.SignalMaxAge,
		relayRowMaxAge:  cfg.RelayMessageMaxAge,
		limiterIdleTime: 2 * cfg.RateLimitWindow,
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           controller.routes(limiter, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pushHub.Run()
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("relay server listening", "address", cfg.ListenAddress, "backend", cfg.RelayBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
