// Package clientmirror implements the CLASP Client (§4.9): the
// symmetric half of the protocol used by applications and by bridges
// acting as clients. It keeps a read-through parameter cache, a
// subscription table replayed across reconnects, and a reconnect
// supervisor with exponential backoff, grounded on the Router's own
// session/dispatch structure (internal/router) mirrored from the
// other side of the wire.
package clientmirror

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clasp-systems/clasp/internal/address"
	"github.com/clasp-systems/clasp/internal/clock"
	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/transport"
	"github.com/clasp-systems/clasp/internal/transport/wstransport"
	"github.com/clasp-systems/clasp/internal/value"
)

// Config configures a Client. URL is a ws://host:port/path endpoint
// passed to wstransport.Dial.
type Config struct {
	URL     string
	Name    string
	Token   string
	HasToken bool

	Version  uint8
	Features []string

	HandshakeTimeout time.Duration
	GetTimeout       time.Duration

	// ReconnectBaseDelay and ReconnectMaxDelay parametrize the backoff
	// delay = min(ReconnectMaxDelay, ReconnectBaseDelay * 1.5^attempts).
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// ReconnectCeiling is the number of consecutive failed attempts
	// before a terminal ErrConnectionFailed is surfaced. 0 = unlimited.
	ReconnectCeiling int
	ReconnectTimeout time.Duration

	Logger zerolog.Logger
}

// DefaultConfig fills in §4.9's stated defaults (base·1.5^attempts
// capped at 30s, ceiling 10, 5s Get timeout).
func DefaultConfig(url string) Config {
	return Config{
		URL:                url,
		Version:            1,
		Features:           []string{"param", "event", "stream", "gesture", "timeline", "bundle"},
		HandshakeTimeout:   5 * time.Second,
		GetTimeout:         5 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		ReconnectCeiling:   10,
		ReconnectTimeout:   10 * time.Second,
	}
}

// Client is one connection's worth of mirrored state plus the
// supervisor that keeps it alive across transport disconnects.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	connMu     sync.RWMutex
	sender     transport.Sender
	receiver   transport.Receiver
	connCancel context.CancelFunc
	connected  atomic.Bool

	sessionID      string
	serverName     string
	serverFeatures []string

	cache    *paramCache
	subs     *subscriptionTable
	pending  *pendingGets
	queries  *pendingQueries
	signals  *signalRegistry
	clockSync *clock.Sync

	lastErrMu sync.Mutex
	lastErr   error

	intentionallyClosed atomic.Bool
	reconnectSignal     chan struct{}
	closed              chan struct{}
	closeOnce           sync.Once
	wg                  sync.WaitGroup

	generation atomic.Uint64 // bumped on every (re)connect, guards stale readLoops
}

// New constructs a disconnected Client. Call Connect to establish the
// first connection.
func New(cfg Config) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.GetTimeout == 0 {
		cfg.GetTimeout = 5 * time.Second
	}
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.ReconnectTimeout == 0 {
		cfg.ReconnectTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:             cfg,
		logger:          cfg.Logger.With().Str("component", "clientmirror").Str("url", cfg.URL).Logger(),
		cache:           newParamCache(),
		subs:            newSubscriptionTable(),
		pending:         newPendingGets(),
		queries:         newPendingQueries(),
		signals:         newSignalRegistry(),
		clockSync:       clock.NewSync(),
		reconnectSignal: make(chan struct{}, 1),
		closed:          make(chan struct{}),
	}
	return c
}

// Connect dials the transport, performs the Hello/Welcome handshake,
// consumes the initial Snapshot stream, and starts the background read
// loop and reconnect supervisor.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dialAndHandshake(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.supervisorLoop()
	return nil
}

// dialAndHandshake performs one connection attempt end to end. On
// success it starts a fresh readLoop for the new connection.
func (c *Client) dialAndHandshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	sender, receiver, err := wstransport.Dial(hctx, c.cfg.URL, c.logger)
	if err != nil {
		return fmt.Errorf("clientmirror: dial: %w", err)
	}

	hello := codec.Hello{
		Version:  c.cfg.Version,
		Name:     c.cfg.Name,
		Features: c.cfg.Features,
		HasToken: c.cfg.HasToken,
		Token:    c.cfg.Token,
	}
	if err := c.sendOn(sender, hello, codec.QoSConfirm); err != nil {
		sender.Close()
		return fmt.Errorf("clientmirror: send hello: %w", err)
	}

	ev, err := receiver.Recv(hctx)
	if err != nil {
		sender.Close()
		return fmt.Errorf("clientmirror: recv welcome: %w", err)
	}
	if ev.Kind != transport.EventData {
		sender.Close()
		return fmt.Errorf("clientmirror: expected Welcome, got event kind %d", ev.Kind)
	}
	msg, err := decodeOne(ev.Data)
	if err != nil {
		sender.Close()
		return fmt.Errorf("clientmirror: decode welcome: %w", err)
	}
	welcome, ok := msg.(codec.Welcome)
	if !ok {
		sender.Close()
		return fmt.Errorf("clientmirror: first reply was %T, not Welcome", msg)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	c.connMu.Lock()
	c.sender = sender
	c.receiver = receiver
	c.connCancel = connCancel
	c.sessionID = welcome.SessionID
	c.serverName = welcome.ServerName
	c.serverFeatures = welcome.Features
	c.connMu.Unlock()
	c.connected.Store(true)

	gen := c.generation.Add(1)
	c.wg.Add(1)
	go c.readLoop(gen, connCtx, receiver)

	c.logger.Info().Str("session", welcome.SessionID).Str("server", welcome.ServerName).Msg("clientmirror: connected")
	return nil
}

// send frame-encodes and queues m on the live connection. It fails
// immediately with ErrNotConnected rather than blocking if the
// supervisor is mid-reconnect, per §4.9's "mutating operations must
// fail with NotConnected rather than block".
func (c *Client) send(m codec.Message, qos codec.QoS) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.connMu.RLock()
	sender := c.sender
	c.connMu.RUnlock()
	if sender == nil {
		return ErrNotConnected
	}
	return c.sendOn(sender, m, qos)
}

func (c *Client) sendOn(sender transport.Sender, m codec.Message, qos codec.QoS) error {
	var buf bytes.Buffer
	codec.EncodeMessage(&buf, m)
	frame, err := codec.EncodeFrame(codec.Frame{QoS: qos, Payload: buf.Bytes()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return sender.Send(ctx, frame)
}

func decodeOne(raw []byte) (codec.Message, error) {
	frame, _, err := codec.DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	return codec.DecodeMessage(frame.Payload)
}

// Subscribe allocates a sub-id, sends SUBSCRIBE, and registers cb for
// every future notification matching pattern (optionally filtered to
// types). Returns the sub-id for later Unsubscribe.
func (c *Client) Subscribe(pattern string, types []codec.SignalType, cb Callback) (uint32, error) {
	compiled, err := address.Compile(pattern)
	if err != nil {
		return 0, err
	}
	entry := c.subs.allocate(pattern, compiled, types, cb)
	if err := c.send(codec.Subscribe{SubID: entry.subID, Pattern: pattern, Types: types}, codec.QoSConfirm); err != nil {
		c.subs.remove(entry.subID)
		return 0, err
	}
	return entry.subID, nil
}

// On is an alias for Subscribe with no signal-type filter.
func (c *Client) On(pattern string, cb Callback) (uint32, error) {
	return c.Subscribe(pattern, nil, cb)
}

// Unsubscribe sends UNSUBSCRIBE and removes the local mapping.
func (c *Client) Unsubscribe(id uint32) error {
	c.subs.remove(id)
	return c.send(codec.Unsubscribe{SubID: id}, codec.QoSConfirm)
}

// SetOption mutates the flags of a Set call.
type SetOption func(*codec.Set)

// Locked marks the Set as taking an exclusive write lock.
func Locked() SetOption { return func(s *codec.Set) { s.Lock = true } }

// Unlocked releases a previously held lock as part of this Set.
func Unlocked() SetOption { return func(s *codec.Set) { s.Unlock = true } }

// ExpectRevision makes the Set conditional on the address's current
// revision matching rev.
func ExpectRevision(rev uint64) SetOption {
	return func(s *codec.Set) { s.ExpectedRevision = rev; s.HasExpectedRevision = true }
}

// Set sends SET for addr, optionally toggling lock bits or an expected
// revision via opts.
func (c *Client) Set(addr string, v value.Value, opts ...SetOption) error {
	m := codec.Set{Address: addr, Value: v}
	for _, opt := range opts {
		opt(&m)
	}
	return c.send(m, codec.QoSConfirm)
}

// Cached returns the locally mirrored value for addr without touching
// the network.
func (c *Client) Cached(addr string) (value.Value, bool) {
	p, ok := c.cache.get(addr)
	return p.Value, ok
}

// Get returns the cached value if present; otherwise it installs a
// pending-get waiter, sends GET, and blocks (subject to ctx and the
// configured GetTimeout) for the server's reply or a covering
// Snapshot.
func (c *Client) Get(ctx context.Context, addr string) (value.Value, error) {
	if p, ok := c.cache.get(addr); ok {
		return p.Value, nil
	}
	if !c.connected.Load() {
		return value.Value{}, ErrNotConnected
	}

	waiter := c.pending.register(addr)
	if err := c.send(codec.Get{Address: addr}, codec.QoSConfirm); err != nil {
		c.pending.forget(addr, waiter)
		return value.Value{}, err
	}

	timeout := c.cfg.GetTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		if res.err != nil {
			return value.Value{}, res.err
		}
		return res.value, nil
	case <-timer.C:
		c.pending.forget(addr, waiter)
		return value.Value{}, ErrGetTimeout
	case <-ctx.Done():
		c.pending.forget(addr, waiter)
		return value.Value{}, ctx.Err()
	case <-c.closed:
		return value.Value{}, ErrConnectionClosed
	}
}

// Emit sends a PUBLISH with signal-type Event.
func (c *Client) Emit(addr string, payload value.Value) error {
	return c.send(codec.Publish{Address: addr, SignalType: codec.SignalEvent, HasSignalType: true, Value: payload, HasValue: true}, codec.QoSConfirm)
}

// Stream sends a PUBLISH with signal-type Stream at QoS Fire.
func (c *Client) Stream(addr string, v value.Value) error {
	return c.send(codec.Publish{Address: addr, SignalType: codec.SignalStream, HasSignalType: true, Value: v, HasValue: true}, codec.QoSFire)
}

// Gesture sends a PUBLISH with signal-type Gesture at QoS Fire.
func (c *Client) Gesture(addr string, gestureID uint32, phase codec.Phase, payload value.Value) error {
	return c.send(codec.Publish{
		Address:      addr,
		SignalType:   codec.SignalGesture,
		HasSignalType: true,
		Value:        payload,
		HasValue:     true,
		GestureID:    gestureID,
		HasGestureID: true,
		Phase:        phase,
	}, codec.QoSFire)
}

// Timeline sends a PUBLISH carrying an attached TimelineData.
func (c *Client) Timeline(addr string, data codec.TimelineData) error {
	return c.send(codec.Publish{Address: addr, SignalType: codec.SignalTimeline, HasSignalType: true, Timeline: &data}, codec.QoSConfirm)
}

// Bundle wraps messages in a Bundle, optionally scheduled at a future
// server timestamp.
func (c *Client) Bundle(messages []codec.Message, at *uint64) error {
	b := codec.Bundle{Messages: messages}
	if at != nil {
		b.Timestamp = *at
		b.HasTimestamp = true
	}
	return c.send(b, codec.QoSCommit)
}

// Query sends a QUERY for pattern and waits for the matching RESULT.
func (c *Client) Query(ctx context.Context, pattern string) ([]codec.SignalDef, error) {
	waiter := c.queries.register(pattern)
	if err := c.send(codec.Query{Pattern: pattern}, codec.QoSConfirm); err != nil {
		return nil, err
	}
	select {
	case res := <-waiter:
		if res == nil {
			// failAll delivers nil when the Client is closed.
			return nil, ErrConnectionClosed
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrConnectionClosed
	}
}

// Signals returns every signal definition learned via ANNOUNCE so far.
func (c *Client) Signals() []codec.SignalDef { return c.signals.all() }

// Time returns the Client's clock-sync estimator against the server.
func (c *Client) Time() *clock.Sync { return c.clockSync }

// LastError returns the most recently recorded application-level error
// (the payload of an ERROR frame, or a terminal reconnect failure).
func (c *Client) LastError() error {
	c.lastErrMu.Lock()
	defer c.lastErrMu.Unlock()
	return c.lastErr
}

func (c *Client) setLastError(err error) {
	c.lastErrMu.Lock()
	c.lastErr = err
	c.lastErrMu.Unlock()
}

// Connected reports whether the Client currently believes it has a
// live connection to the server.
func (c *Client) Connected() bool { return c.connected.Load() }

// Close sets intentionally_closed, suspends the reconnect supervisor,
// fails every in-flight Get/Query, and releases the transport.
func (c *Client) Close() error {
	c.intentionallyClosed.Store(true)
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connMu.RLock()
		sender := c.sender
		cancel := c.connCancel
		c.connMu.RUnlock()
		if cancel != nil {
			cancel()
		}
		if sender != nil {
			err = sender.Close()
		}
		c.pending.failAll(ErrConnectionClosed)
		c.queries.failAll()
	})
	c.wg.Wait()
	return err
}
