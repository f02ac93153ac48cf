// Package wstransport is the reference transport.Server/Sender/Receiver
// implementation, carrying CLASP frames as binary WebSocket messages over
// gobwas/ws (grounded in the teacher's readPump/writePump split).
package wstransport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/clasp-systems/clasp/internal/transport"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	// sendQueueDepth bounds each connection's outbound buffer (§5
	// "bounded depth"); beyond this, TrySend reports failure rather than
	// blocking the broadcaster.
	sendQueueDepth = 1024
)

// conn is the shared Sender+Receiver implementation for one WebSocket
// connection, accepted (server side) or dialed (client side). The two
// sides differ only in frame masking and which half of the handshake
// reads the other's data.
type conn struct {
	nc       net.Conn
	logger   zerolog.Logger
	isClient bool

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(nc net.Conn, logger zerolog.Logger, isClient bool) *conn {
	c := &conn{
		nc:       nc,
		logger:   logger,
		isClient: isClient,
		send:     make(chan []byte, sendQueueDepth),
		closed:   make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send implements transport.Sender: blocks (subject to ctx) until the
// frame is queued.
func (c *conn) Send(ctx context.Context, data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return errors.New("wstransport: connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend implements transport.Sender's non-blocking form, used by
// broadcast fan-out so one slow subscriber can't stall the writer (§5).
func (c *conn) TrySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.nc.Close()
}

// writePump batches queued frames into as few syscalls as practical
// (grounded on the teacher's writePump) and sends periodic pings.
func (c *conn) writePump() {
	writer := bufio.NewWriter(c.nc)
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	defer c.nc.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.writeFrame(c.nc, ws.OpClose, nil)
				return
			}
			c.nc.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.writeFrame(writer, ws.OpBinary, data); err != nil {
				c.logger.Debug().Err(err).Msg("wstransport: write failed")
				return
			}
			// Drain whatever else is already queued into the same flush.
			n := len(c.send)
			for i := 0; i < n; i++ {
				more := <-c.send
				if err := c.writeFrame(writer, ws.OpBinary, more); err != nil {
					c.logger.Debug().Err(err).Msg("wstransport: write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				c.logger.Debug().Err(err).Msg("wstransport: flush failed")
				return
			}
		case <-ticker.C:
			c.nc.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.writeFrame(c.nc, ws.OpPing, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *conn) writeFrame(w io.Writer, op ws.OpCode, data []byte) error {
	if c.isClient {
		return wsutil.WriteClientMessage(w, op, data)
	}
	return wsutil.WriteServerMessage(w, op, data)
}

// Recv implements transport.Receiver, blocking until a binary frame
// arrives, the peer closes, or an error occurs.
func (c *conn) Recv(ctx context.Context) (transport.Event, error) {
	type result struct {
		data []byte
		op   ws.OpCode
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		c.nc.SetReadDeadline(time.Now().Add(pongWait))
		var data []byte
		var op ws.OpCode
		var err error
		if c.isClient {
			data, op, err = wsutil.ReadServerData(c.nc)
		} else {
			data, op, err = wsutil.ReadClientData(c.nc)
		}
		resultCh <- result{data, op, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return transport.Event{Kind: transport.EventDisconnected, Reason: r.err.Error()}, nil
		}
		switch r.op {
		case ws.OpClose:
			return transport.Event{Kind: transport.EventDisconnected, Reason: "peer closed"}, nil
		case ws.OpPing, ws.OpPong:
			return c.Recv(ctx)
		default:
			return transport.Event{Kind: transport.EventData, Data: r.data}, nil
		}
	case <-ctx.Done():
		return transport.Event{}, ctx.Err()
	}
}

// Server accepts plain-TCP WebSocket upgrades and exposes each connection
// as a transport.Sender/Receiver pair.
type Server struct {
	listener net.Listener
	logger   zerolog.Logger
}

// Listen starts a TCP listener at addr and wraps it as a wstransport
// Server.
func Listen(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{listener: ln, logger: logger}, nil
}

// Accept implements transport.Server: performs the WebSocket upgrade
// handshake on the next TCP connection and returns its Sender/Receiver.
func (s *Server) Accept(ctx context.Context) (transport.Sender, transport.Receiver, string, error) {
	nc, err := s.listener.Accept()
	if err != nil {
		return nil, nil, "", err
	}
	if _, err := ws.Upgrade(nc); err != nil {
		nc.Close()
		return nil, nil, "", err
	}
	c := newConn(nc, s.logger, false)
	return c, c, nc.RemoteAddr().String(), nil
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

// ServeHTTP upgrades an incoming HTTP request to a WebSocket connection
// and hands the resulting Sender/Receiver to handle, for deployments
// fronted by an existing net/http mux rather than owning the listener.
func ServeHTTP(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, handle func(transport.Sender, transport.Receiver, string)) error {
	nc, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return err
	}
	c := newConn(nc, logger, false)
	handle(c, c, nc.RemoteAddr().String())
	return nil
}

// Dial opens a client-side WebSocket connection to a claspd endpoint
// (url like "ws://host:port/path"), for use by internal/clientmirror and
// the bridges.
func Dial(ctx context.Context, url string, logger zerolog.Logger) (transport.Sender, transport.Receiver, error) {
	nc, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	c := newConn(nc, logger, true)
	return c, c, nil
}
