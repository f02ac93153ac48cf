// Command claspd runs the CLASP Router as a standalone WebSocket server,
// grounded on the teacher's cmd/single/main.go wiring (config load,
// automaxprocs, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/clasp-systems/clasp/internal/alert"
	"github.com/clasp-systems/clasp/internal/config"
	"github.com/clasp-systems/clasp/internal/governor"
	"github.com/clasp-systems/clasp/internal/obslog"
	"github.com/clasp-systems/clasp/internal/obsmetrics"
	"github.com/clasp-systems/clasp/internal/router"
	"github.com/clasp-systems/clasp/internal/security"
	"github.com/clasp-systems/clasp/internal/transport/wstransport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides CLASP_LOG_LEVEL)")
	flag.Parse()

	startupLogger := obslog.New(obslog.Config{Level: obslog.LevelInfo, Format: obslog.FormatPretty, Service: "claspd"})

	cfg, err := config.Load(&startupLogger)
	if err != nil {
		startupLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := obslog.InitGlobal(obslog.Config{
		Level:   obslog.Level(cfg.LogLevel),
		Format:  obslog.Format(cfg.LogFormat),
		Service: cfg.ServerName,
	})
	cfg.LogConfig(logger)

	var validator *security.Chain
	if cfg.Authenticated {
		validator = security.NewChain(security.NewCapabilityValidator())
	}

	alerts := alert.NewMultiSink(alert.NewLogSink(logger))

	r := router.New(router.Config{
		ServerName:        cfg.ServerName,
		Version:           cfg.ProtocolVersion,
		Authenticated:     cfg.Authenticated,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		SessionTimeout:    cfg.SessionTimeout,
		CleanupInterval:   cfg.CleanupInterval,
		RateLimitPerSec:   cfg.RateLimitPerSec,
		SnapshotChunkSize: cfg.SnapshotChunkSize,
		BroadcastWorkers:  cfg.BroadcastWorkers,
	}, logger, validator, alerts)

	var currentSessions atomic.Int64
	guard := governor.NewResourceGuard(governor.GuardConfig{
		MaxConnections:     cfg.MaxConnections,
		MaxGoroutines:      cfg.MaxConnections * 4,
		CPULimit:           cfg.CPULimit,
		MemoryLimit:        cfg.MemoryLimit,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
	}, logger, &currentSessions)

	ctx, stopMonitoring := context.WithCancel(context.Background())
	guard.StartMonitoring(ctx, cfg.MetricsInterval)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: obsmetrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	wsServer, err := wstransport.Listen(cfg.Addr, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("failed to bind listener")
	}
	logger.Info().Str("addr", cfg.Addr).Msg("claspd listening")

	acceptCtx, stopAccepting := context.WithCancel(context.Background())
	go acceptLoop(acceptCtx, wsServer, r, guard, &currentSessions, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down claspd")
	stopAccepting()
	wsServer.Close()
	stopMonitoring()
	r.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)
}

func acceptLoop(ctx context.Context, wsServer *wstransport.Server, r *router.Router, guard *governor.ResourceGuard, currentSessions *atomic.Int64, logger zerolog.Logger) {
	for {
		sender, receiver, remoteAddr, err := wsServer.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		if accept, reason := guard.ShouldAcceptConnection(); !accept {
			logger.Warn().Str("remote", remoteAddr).Str("reason", reason).Msg("rejecting connection")
			sender.Close()
			continue
		}
		currentSessions.Add(1)
		go func() {
			defer currentSessions.Add(-1)
			r.ServeConn(ctx, sender, receiver, remoteAddr)
		}()
	}
}
