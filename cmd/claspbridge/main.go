// Command claspbridge runs the Kafka and/or NATS bridges as ordinary
// claspd Clients, translating message-bus traffic into CLASP Sets
// (SPEC_FULL.md §9: "bridges plug in as Clients rather than as
// router-internal callbacks"). Grounded on the teacher's cmd/single
// wiring style (config load, signal-driven graceful shutdown), adapted
// from "run the server" to "run the bridge processes against a claspd
// endpoint".
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/clasp-systems/clasp/internal/bridge/kafka"
	"github.com/clasp-systems/clasp/internal/bridge/natsbridge"
	"github.com/clasp-systems/clasp/internal/clientmirror"
	"github.com/clasp-systems/clasp/internal/config"
	"github.com/clasp-systems/clasp/internal/governor"
	"github.com/clasp-systems/clasp/internal/obslog"
)

func main() {
	claspURL := flag.String("clasp-url", "ws://127.0.0.1:7420", "claspd WebSocket endpoint to bridge into")
	flag.Parse()

	bootLogger := obslog.New(obslog.Config{Level: obslog.LevelInfo, Format: obslog.FormatPretty, Service: "claspbridge"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := obslog.InitGlobal(obslog.Config{Level: obslog.Level(cfg.LogLevel), Format: obslog.Format(cfg.LogFormat), Service: "claspbridge"})

	if cfg.KafkaBrokers == "" && cfg.NATSURL == "" {
		logger.Info().Msg("no bridge brokers configured (CLASP_KAFKA_BROKERS / CLASP_NATS_URL unset), exiting")
		return
	}

	var currentSessions atomic.Int64
	guard := governor.NewResourceGuard(governor.GuardConfig{
		MaxConnections:     1,
		MaxGoroutines:      1000,
		MaxBridgeRate:      500,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
	}, logger, &currentSessions)

	monitorCtx, stopMonitoring := context.WithCancel(context.Background())
	defer stopMonitoring()
	guard.StartMonitoring(monitorCtx, cfg.MetricsInterval)

	var kafkaConsumer *kafka.Consumer
	var natsBridgeConn *natsbridge.Bridge

	if cfg.KafkaBrokers != "" {
		mirrorCfg := clientmirror.DefaultConfig(*claspURL)
		mirrorCfg.Name = "claspbridge-kafka"
		mirrorCfg.Logger = logger
		mirror := clientmirror.New(mirrorCfg)
		connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := mirror.Connect(connectCtx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("kafka bridge: failed to connect to claspd")
		}
		cancel()

		kafkaConsumer, err = kafka.NewConsumer(kafka.Config{
			Brokers:       splitCSV(cfg.KafkaBrokers),
			ConsumerGroup: cfg.KafkaConsumerGroup,
			Topics:        splitCSV(cfg.KafkaTopic),
			Client:        mirror,
			ResourceGuard: guard,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("kafka bridge: failed to initialize")
		}
		kafkaConsumer.Start()
		logger.Info().Strs("topics", splitCSV(cfg.KafkaTopic)).Msg("kafka bridge started")
	}

	if cfg.NATSURL != "" {
		mirrorCfg := clientmirror.DefaultConfig(*claspURL)
		mirrorCfg.Name = "claspbridge-nats"
		mirrorCfg.Logger = logger
		mirror := clientmirror.New(mirrorCfg)
		connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := mirror.Connect(connectCtx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("nats bridge: failed to connect to claspd")
		}
		cancel()

		natsBridgeConn, err = natsbridge.Connect(natsbridge.Config{
			URL:             cfg.NATSURL,
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			ReconnectJitter: 500 * time.Millisecond,
			Client:          mirror,
			Logger:          logger,
			AddressFor: func(subject string) string {
				return "/" + cfg.NATSSubjectPrefix + "/" + strings.ReplaceAll(subject, ".", "/")
			},
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("nats bridge: failed to connect")
		}
		if err := natsBridgeConn.SubscribeToSet(cfg.NATSSubjectPrefix + ".>"); err != nil {
			logger.Fatal().Err(err).Msg("nats bridge: failed to subscribe")
		}
		logger.Info().Str("url", cfg.NATSURL).Msg("nats bridge started")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down claspbridge")
	if kafkaConsumer != nil {
		kafkaConsumer.Stop()
	}
	if natsBridgeConn != nil {
		natsBridgeConn.Close()
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
