package router

import (
	"bytes"
	"context"
	"errors"

	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/transport"
)

// pipeTransport is an in-process Sender/Receiver pair connecting a test
// to a Router without a real socket, the same role wstransport plays in
// production. Grounded on the teacher's handlers_ws_test.go fake-conn
// pattern (a channel-backed stand-in for the websocket.Conn), adapted
// from a single fake conn to a pair of directional pipes since
// transport.Sender and transport.Receiver are already split interfaces.
type pipeTransport struct {
	out    chan transport.Event // what ServeConn's Receiver.Recv returns
	in     chan []byte          // what ServeConn's Sender.Send produces
	closed chan struct{}
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		out:    make(chan transport.Event, 64),
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) Send(ctx context.Context, data []byte) error {
	select {
	case p.in <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return errors.New("pipe: closed")
	}
}

func (p *pipeTransport) TrySend(data []byte) bool {
	select {
	case p.in <- data:
		return true
	default:
		return false
	}
}

func (p *pipeTransport) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func (p *pipeTransport) Recv(ctx context.Context) (transport.Event, error) {
	select {
	case ev := <-p.out:
		return ev, nil
	case <-ctx.Done():
		return transport.Event{}, ctx.Err()
	case <-p.closed:
		return transport.Event{}, errors.New("pipe: closed")
	}
}

// deliver pushes raw client->server bytes as if they'd arrived on the wire.
func (p *pipeTransport) deliver(data []byte) {
	p.out <- transport.Event{Kind: transport.EventData, Data: data}
}

func (p *pipeTransport) disconnect() {
	p.out <- transport.Event{Kind: transport.EventDisconnected}
}

// recvMessage blocks for the next frame the Router sent and decodes it.
func (p *pipeTransport) recvMessage() (codec.Message, error) {
	raw := <-p.in
	frame, _, err := codec.DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	return codec.DecodeMessage(frame.Payload)
}

func encodeFrame(qos codec.QoS, m codec.Message) []byte {
	var buf bytes.Buffer
	codec.EncodeMessage(&buf, m)
	frame, err := codec.EncodeFrame(codec.Frame{QoS: qos, Payload: buf.Bytes()})
	if err != nil {
		panic(err)
	}
	return frame
}
