package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultMaxDeliveries bounds how often one message is handed to a
	// worker before the pipeline gives up on it.
	DefaultMaxDeliveries = 3
	// DefaultRedeliveryDelay is the fixed pause before a nacked message is
	// offered again.
	DefaultRedeliveryDelay = 2 * time.Second
)

// Message is one unit of queued work: which tool to run, with which
// arguments, on behalf of which task record.
type Message struct {
	TaskID     string                 `json:"taskId"`
	ToolName   string                 `json:"toolName"`
	Parameters map[string]interface{} `json:"parameters"`

	// Attempt counts deliveries of this message, starting at 1.
	Attempt int `json:"attempt"`
}

// Encode serializes the message for broker transports.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a broker payload back into a Message.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Handler consumes one delivery. Returning ErrConnectivity (wrapped or bare)
// nacks the message for redelivery after the fixed delay; any other return
// acknowledges it.
type Handler func(ctx context.Context, msg *Message) error

// Queue is the distributed work queue between the enqueue side (server) and
// the execution side (workers). Each message is delivered to exactly one
// consumer at a time.
type Queue interface {
	// Enqueue appends a message for some worker to pick up.
	Enqueue(ctx context.Context, msg *Message) error

	// Consume delivers messages to handler serially until ctx is done.
	Consume(ctx context.Context, handler Handler) error
}

// MemoryQueue is the in-process Queue used in single-process mode and in
// tests. Redelivery happens on the consumer goroutine after the fixed delay,
// so a consumer sees each attempt in order.
type MemoryQueue struct {
	ch            chan *Message
	maxDeliveries int
	delay         time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// MemoryQueueOption configures a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithMaxDeliveries bounds redelivery attempts per message.
func WithMaxDeliveries(n int) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.maxDeliveries = n
		}
	}
}

// WithRedeliveryDelay sets the fixed pause before a redelivery.
func WithRedeliveryDelay(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if d >= 0 {
			q.delay = d
		}
	}
}

// NewMemoryQueue creates an in-memory queue with the given buffer size.
func NewMemoryQueue(size int, opts ...MemoryQueueOption) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	q := &MemoryQueue{
		ch:            make(chan *Message, size),
		maxDeliveries: DefaultMaxDeliveries,
		delay:         DefaultRedeliveryDelay,
		closed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *Message) error {
	if msg.Attempt == 0 {
		msg.Attempt = 1
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.closed:
		return errors.New("queue closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume runs the delivery loop. A handler returning ErrConnectivity gets
// the message back after the delay, up to the delivery bound; exhausted
// messages are dropped (the worker has already recorded the failure by
// then). Redeliveries stay on the consumer goroutine and never pass through
// the buffer again, so a full buffer cannot lose a retry.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return nil
		case msg := <-q.ch:
			for {
				err := handler(ctx, msg)
				if err == nil || !errors.Is(err, ErrConnectivity) {
					break
				}
				if msg.Attempt >= q.maxDeliveries {
					break
				}
				select {
				case <-time.After(q.delay):
				case <-ctx.Done():
					return ctx.Err()
				case <-q.closed:
					return nil
				}
				msg.Attempt++
			}
		}
	}
}

// Close unblocks consumers. Pending messages are discarded.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

// MaxDeliveries reports the redelivery bound.
func (q *MemoryQueue) MaxDeliveries() int { return q.maxDeliveries }
