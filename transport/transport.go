// Package transport defines the transport layer contract for berry-mcp.
//
// A transport moves raw JSON-RPC envelopes between a peer and the server's
// dispatcher. Two bindings exist: the stream transport (newline-delimited
// frames over a byte stream, one peer) and the push transport (HTTP POST
// inbound, broadcast SSE stream outbound).
package transport

import (
	"context"
	"errors"
)

// State tracks a transport's connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

// ErrClosed is returned by Receive once the peer is gone and the inbound
// queue has drained.
var ErrClosed = errors.New("transport closed")

// MessageHandler processes one inbound envelope and returns the serialized
// reply, or nil when no reply is owed.
type MessageHandler func(ctx context.Context, message []byte) []byte

// Transport is a communication channel for JSON-RPC envelopes.
type Transport interface {
	// Start moves the transport to connected and begins reading.
	Start() error

	// Send writes one serialized envelope to the peer.
	Send(message []byte) error

	// Receive blocks until the next inbound envelope, ErrClosed after
	// end-of-stream, or ctx expiry.
	Receive(ctx context.Context) ([]byte, error)

	// SetMessageHandler installs the dispatch callback used by transports
	// that drive their own read loop.
	SetMessageHandler(handler MessageHandler)

	// Close tears the connection down and unblocks Receive.
	Close() error
}

// BaseTransport provides the handler plumbing shared by implementations.
type BaseTransport struct {
	handler MessageHandler
}

// SetMessageHandler installs the dispatch callback.
func (t *BaseTransport) SetMessageHandler(handler MessageHandler) {
	t.handler = handler
}

// HandleMessage invokes the installed handler, or drops the message when
// none is set.
func (t *BaseTransport) HandleMessage(ctx context.Context, message []byte) []byte {
	if t.handler == nil {
		return nil
	}
	return t.handler(ctx, message)
}
