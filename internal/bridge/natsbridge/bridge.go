// Package natsbridge implements a bridge that relays NATS subjects into
// and out of CLASP's address space, connecting to claspd as an ordinary
// clientmirror.Client (SPEC_FULL.md §9: "bridges plug in as Clients").
// Grounded on the teacher repo's pkg/nats/client.go (adred-codev-ws_poc's
// go-server variant, a sibling of the chosen ws teacher under the same
// top-level repo): the ConnectHandler/DisconnectErrHandler/
// ReconnectHandler/ErrorHandler wiring and the subs-map-plus-mutex
// subscription bookkeeping carry over directly.
package natsbridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/clasp-systems/clasp/internal/clientmirror"
	"github.com/clasp-systems/clasp/internal/obsmetrics"
	"github.com/clasp-systems/clasp/internal/value"
)

const bridgeName = "nats"

// Config configures a Bridge.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	Client          *clientmirror.Client // must already be Connect'd
	Logger          zerolog.Logger

	// AddressFor maps a NATS subject to the CLASP address its decoded
	// payload should be Set on. Defaults to "/bridge/nats/<subject>".
	AddressFor func(subject string) string
}

// Bridge relays inbound NATS messages into CLASP Sets and can publish
// CLASP-side values back out to NATS subjects.
type Bridge struct {
	conn   *nats.Conn
	mirror *clientmirror.Client
	logger zerolog.Logger
	addrOf func(subject string) string

	subsMu sync.RWMutex
	subs   map[string]*nats.Subscription
}

// Connect dials NATS and returns a Bridge ready to Subscribe/Publish.
func Connect(cfg Config) (*Bridge, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("nats bridge: a connected clientmirror.Client is required")
	}
	addrOf := cfg.AddressFor
	if addrOf == nil {
		addrOf = func(subject string) string { return "/bridge/nats/" + subject }
	}

	b := &Bridge{
		mirror: cfg.Client,
		logger: cfg.Logger,
		addrOf: addrOf,
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(b.connectHandler),
		nats.DisconnectErrHandler(b.disconnectHandler),
		nats.ReconnectHandler(b.reconnectHandler),
		nats.ErrorHandler(b.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats bridge: connect: %w", err)
	}
	b.conn = conn
	return b, nil
}

func (b *Bridge) connectHandler(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("nats bridge: connected")
}

func (b *Bridge) disconnectHandler(conn *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn().Err(err).Msg("nats bridge: disconnected")
		return
	}
	b.logger.Info().Msg("nats bridge: disconnected")
}

func (b *Bridge) reconnectHandler(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("nats bridge: reconnected")
}

func (b *Bridge) errorHandler(conn *nats.Conn, sub *nats.Subscription, err error) {
	b.logger.Error().Err(err).Msg("nats bridge: async error")
}

// SubscribeToSet subscribes subject and Sets every message's decoded JSON
// payload onto the subject's mapped CLASP address.
func (b *Bridge) SubscribeToSet(subject string) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if _, exists := b.subs[subject]; exists {
		return fmt.Errorf("nats bridge: already subscribed to %s", subject)
	}

	addr := b.addrOf(subject)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		v, err := value.FromJSON(msg.Data)
		if err != nil {
			obsmetrics.BridgeMessagesTotal.WithLabelValues(bridgeName, "failed").Inc()
			b.logger.Warn().Err(err).Str("subject", subject).Msg("nats bridge: message is not valid JSON")
			return
		}
		if err := b.mirror.Set(addr, v); err != nil {
			obsmetrics.BridgeMessagesTotal.WithLabelValues(bridgeName, "failed").Inc()
			b.logger.Warn().Err(err).Str("address", addr).Msg("nats bridge: Set failed")
			return
		}
		obsmetrics.BridgeMessagesTotal.WithLabelValues(bridgeName, "processed").Inc()
	})
	if err != nil {
		return fmt.Errorf("nats bridge: subscribe to %s: %w", subject, err)
	}
	b.subs[subject] = sub
	b.logger.Info().Str("subject", subject).Str("address", addr).Msg("nats bridge: subscribed")
	return nil
}

// Unsubscribe stops relaying subject.
func (b *Bridge) Unsubscribe(subject string) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	sub, exists := b.subs[subject]
	if !exists {
		return fmt.Errorf("nats bridge: not subscribed to %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats bridge: unsubscribe from %s: %w", subject, err)
	}
	delete(b.subs, subject)
	return nil
}

// PublishCLASPEvent subscribes a CLASP address pattern and republishes
// every notification onto a NATS subject, completing the bridge's
// CLASP-to-NATS direction.
func (b *Bridge) PublishCLASPEvent(pattern, subject string) (uint32, error) {
	return b.mirror.On(pattern, func(n clientmirror.Notification) {
		data, err := value.ToJSON(n.Value)
		if err != nil {
			obsmetrics.BridgeMessagesTotal.WithLabelValues(bridgeName, "failed").Inc()
			b.logger.Warn().Err(err).Str("address", n.Address).Msg("nats bridge: value not JSON-encodable")
			return
		}
		if err := b.conn.Publish(subject, data); err != nil {
			obsmetrics.BridgeMessagesTotal.WithLabelValues(bridgeName, "failed").Inc()
			b.logger.Warn().Err(err).Str("subject", subject).Msg("nats bridge: publish failed")
			return
		}
		obsmetrics.BridgeMessagesTotal.WithLabelValues(bridgeName, "processed").Inc()
	})
}

// IsConnected reports the underlying NATS connection's health.
func (b *Bridge) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close unsubscribes everything and closes the NATS connection.
func (b *Bridge) Close() error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for subject, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("subject", subject).Msg("nats bridge: unsubscribe on close failed")
		}
	}
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
