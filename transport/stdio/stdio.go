// Package stdio provides the stream transport: newline-delimited JSON
// envelopes over a bidirectional byte stream, one process, one peer.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
	"github.com/richinex/berry-mcp/transport"
)

// DefaultQueueSize bounds the inbound frame queue.
const DefaultQueueSize = 64

// Transport implements the stream transport over an io.Reader/io.Writer
// pair, os.Stdin/os.Stdout by default. A single read loop accumulates bytes
// into newline-delimited frames and queues them; Receive pops the queue.
type Transport struct {
	transport.BaseTransport

	reader io.Reader
	writer io.Writer
	logger logx.Logger

	queue    chan []byte
	stateMu  sync.Mutex
	state    transport.State
	writeMu  sync.Mutex
	stopRead chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets a custom logger.
func WithLogger(logger logx.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithQueueSize bounds the inbound queue.
func WithQueueSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.queue = make(chan []byte, n)
		}
	}
}

// New creates a stream transport on stdin/stdout.
func New(opts ...Option) *Transport {
	return NewWithStreams(os.Stdin, os.Stdout, opts...)
}

// NewWithStreams creates a stream transport on the given reader/writer.
// Tests pass pipes here.
func NewWithStreams(reader io.Reader, writer io.Writer, opts ...Option) *Transport {
	t := &Transport{
		reader:   reader,
		writer:   writer,
		logger:   logx.NewDefaultLogger(),
		queue:    make(chan []byte, DefaultQueueSize),
		state:    transport.StateDisconnected,
		stopRead: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the connection state.
func (t *Transport) State() transport.State {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

func (t *Transport) setState(s transport.State) {
	t.stateMu.Lock()
	t.state = s
	t.stateMu.Unlock()
}

// Start launches the continuous read loop. It may be called once.
func (t *Transport) Start() error {
	t.stateMu.Lock()
	if t.state != transport.StateDisconnected {
		t.stateMu.Unlock()
		return fmt.Errorf("transport already started")
	}
	t.state = transport.StateConnecting
	t.stateMu.Unlock()

	go t.readLoop()
	t.setState(transport.StateConnected)
	return nil
}

// readLoop reads frames until EOF or Close. Malformed JSON is answered with
// a parse-error envelope on the spot and never reaches the queue; a closed
// queue channel is the end-of-stream sentinel for Receive.
func (t *Transport) readLoop() {
	defer close(t.queue)
	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case <-t.stopRead:
			return
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			t.logger.Warn("stdio: invalid JSON line received")
			t.sendParseError("Parse error: invalid JSON")
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		select {
		case t.queue <- frame:
		case <-t.stopRead:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("stdio: read loop terminated: %v", err)
	} else {
		t.logger.Info("stdio: EOF on input stream")
	}
}

// Receive pops the next queued frame. After end-of-stream it drains the
// queue and then reports ErrClosed.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-t.queue:
		if !ok {
			t.setState(transport.StateClosed)
			return nil, transport.ErrClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes one serialized frame as a single newline-terminated line.
// Write failures are logged and swallowed: the peer is gone and there is
// nothing to retry against.
func (t *Transport) Send(message []byte) error {
	if t.State() == transport.StateClosed {
		return transport.ErrClosed
	}
	if len(message) == 0 {
		return fmt.Errorf("cannot send empty message")
	}
	message = bytes.TrimRight(message, "\n")

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(append(message, '\n')); err != nil {
		t.logger.Error("stdio: failed to write frame: %v", err)
		return nil
	}
	if f, ok := t.writer.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	return nil
}

// Run drives the dispatch loop: one frame at a time, replies emitted in the
// order their calls were read. It returns when the stream closes or ctx is
// cancelled.
func (t *Transport) Run(ctx context.Context) error {
	for {
		frame, err := t.Receive(ctx)
		if err != nil {
			if err == transport.ErrClosed {
				return nil
			}
			return err
		}
		if reply := t.HandleMessage(ctx, frame); reply != nil {
			_ = t.Send(reply)
		}
	}
}

// Close stops the read loop. The queue keeps draining through Receive.
func (t *Transport) Close() error {
	t.stateMu.Lock()
	if t.state == transport.StateClosed {
		t.stateMu.Unlock()
		return nil
	}
	t.state = transport.StateClosed
	t.stateMu.Unlock()

	close(t.stopRead)
	if closer, ok := t.reader.(io.Closer); ok {
		_ = closer.Close()
	}
	t.logger.Info("stdio: closed")
	return nil
}

// sendParseError writes a -32700 reply with a null ID for a line that never
// parsed far enough to have one.
func (t *Transport) sendParseError(message string) {
	resp := protocol.NewErrorResponse(nil, protocol.ErrorCodeParseError, message, nil)
	data, err := json.Marshal(resp)
	if err != nil {
		t.logger.Error("stdio: failed to marshal parse error: %v", err)
		return
	}
	_ = t.Send(data)
}
