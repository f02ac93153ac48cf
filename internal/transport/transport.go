// Package transport defines CLASP's transport collaborator interfaces
// (§6, §9 "Dynamic dispatch"): a narrow Sender/Receiver/Server capability
// set that the Router is handed at construction, kept deliberately small
// so any wire carrier (WebSocket, raw TCP, in-process pipe for tests) can
// implement it without adapter boilerplate.
package transport

import "context"

// EventKind classifies what a Receiver's Recv call observed.
type EventKind int

const (
	EventConnected EventKind = iota
	EventData
	EventDisconnected
	EventError
)

// Event is what Receiver.Recv returns: exactly one of a connected
// notice, a frame's raw bytes, a disconnect (with optional reason), or a
// transport-level error.
type Event struct {
	Kind   EventKind
	Data   []byte
	Reason string
	Err    error
}

// Sender is the outbound half of a connection. Send blocks (subject to
// ctx) until the bytes are handed to the transport; TrySend is the
// non-blocking form the Router's broadcast fan-out requires (§5) so one
// slow subscriber never stalls the writer.
type Sender interface {
	Send(ctx context.Context, data []byte) error
	TrySend(data []byte) bool
	Close() error
}

// Receiver is the inbound half of a connection.
type Receiver interface {
	Recv(ctx context.Context) (Event, error)
}

// Server accepts new connections, each yielding its own Sender/Receiver
// pair plus the remote address for logging.
type Server interface {
	Accept(ctx context.Context) (Sender, Receiver, string, error)
	Close() error
}
