package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
)

// NATS-backed pipeline components for distributed mode: a JetStream
// work-queue stream carries task messages, a JetStream key-value bucket
// holds the shared task records, and a core subject fans progress events out
// to every interested server process.

const (
	// DefaultConnectTimeout bounds the initial broker connection.
	DefaultConnectTimeout = 10 * time.Second

	taskStreamName  = "BERRY_TASKS"
	taskWorkSubject = "berry.tasks.work"
	taskQueueGroup  = "berry-workers"
	taskBucketName  = "berry-task-records"

	// EventSubject carries task lifecycle notifications between processes.
	EventSubject = "berry.tasks.events"
)

// Connect dials the broker with the reconnect behavior the pipeline expects.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("berry-mcp"),
		nats.Timeout(DefaultConnectTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to nats at %s: %v", ErrConnectivity, url, err)
	}
	return nc, nil
}

// NatsStore persists task records in a JetStream key-value bucket. The
// bucket's TTL expires every key, so terminal records age out on their own;
// live records are rewritten on every transition, which resets their clock.
type NatsStore struct {
	kv nats.KeyValue
}

// NewNatsStore creates (or binds to) the task record bucket.
func NewNatsStore(nc *nats.Conn, ttl time.Duration) (*NatsStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("%w: jetstream unavailable: %v", ErrConnectivity, err)
	}
	kv, err := js.KeyValue(taskBucketName)
	if err == nats.ErrBucketNotFound {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: taskBucketName,
			TTL:    ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening task record bucket: %v", ErrConnectivity, err)
	}
	return &NatsStore{kv: kv}, nil
}

func (s *NatsStore) Get(_ context.Context, taskID string) (*protocol.TaskRecord, uint64, error) {
	entry, err := s.kv.Get(taskID)
	if err == nats.ErrKeyNotFound {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading task record: %v", ErrConnectivity, err)
	}
	var rec protocol.TaskRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, 0, fmt.Errorf("corrupt task record %s: %w", taskID, err)
	}
	return &rec, entry.Revision(), nil
}

func (s *NatsStore) Put(_ context.Context, rec *protocol.TaskRecord) (uint64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encoding task record: %w", err)
	}
	rev, err := s.kv.Put(rec.TaskID, data)
	if err != nil {
		return 0, fmt.Errorf("%w: writing task record: %v", ErrConnectivity, err)
	}
	return rev, nil
}

func (s *NatsStore) Update(_ context.Context, rec *protocol.TaskRecord, rev uint64) (uint64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encoding task record: %w", err)
	}
	newRev, err := s.kv.Update(rec.TaskID, data, rev)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return 0, ErrNotFound
		}
		if strings.Contains(err.Error(), "wrong last sequence") {
			return 0, ErrRevisionConflict
		}
		return 0, fmt.Errorf("%w: updating task record: %v", ErrConnectivity, err)
	}
	return newRev, nil
}

// NatsQueue is the JetStream work queue. Each message is delivered to one
// worker in the queue group at a time; a nack redelivers it after the fixed
// delay, up to the stream consumer's delivery bound.
type NatsQueue struct {
	js            nats.JetStreamContext
	maxDeliveries int
	delay         time.Duration
	ackWait       time.Duration
	logger        logx.Logger
}

// NatsQueueOption configures a NatsQueue.
type NatsQueueOption func(*NatsQueue)

// WithNatsMaxDeliveries bounds redelivery attempts per message.
func WithNatsMaxDeliveries(n int) NatsQueueOption {
	return func(q *NatsQueue) {
		if n > 0 {
			q.maxDeliveries = n
		}
	}
}

// WithNatsRedeliveryDelay sets the fixed pause before a redelivery.
func WithNatsRedeliveryDelay(d time.Duration) NatsQueueOption {
	return func(q *NatsQueue) {
		if d > 0 {
			q.delay = d
		}
	}
}

// WithNatsAckWait sets how long the broker waits for an ack before treating
// the delivery as lost. It must exceed the hard execution-time limit.
func WithNatsAckWait(d time.Duration) NatsQueueOption {
	return func(q *NatsQueue) {
		if d > 0 {
			q.ackWait = d
		}
	}
}

// WithNatsQueueLogger sets a custom logger.
func WithNatsQueueLogger(logger logx.Logger) NatsQueueOption {
	return func(q *NatsQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewNatsQueue creates (or binds to) the work-queue stream.
func NewNatsQueue(nc *nats.Conn, opts ...NatsQueueOption) (*NatsQueue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("%w: jetstream unavailable: %v", ErrConnectivity, err)
	}
	q := &NatsQueue{
		js:            js,
		maxDeliveries: DefaultMaxDeliveries,
		delay:         DefaultRedeliveryDelay,
		ackWait:       35 * time.Minute,
		logger:        logx.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	_, err = js.StreamInfo(taskStreamName)
	if err == nats.ErrStreamNotFound {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      taskStreamName,
			Subjects:  []string{taskWorkSubject},
			Retention: nats.WorkQueuePolicy,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening task stream: %v", ErrConnectivity, err)
	}
	return q, nil
}

func (q *NatsQueue) Enqueue(_ context.Context, msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding task message: %w", err)
	}
	if _, err := q.js.Publish(taskWorkSubject, data); err != nil {
		return fmt.Errorf("%w: publishing task message: %v", ErrConnectivity, err)
	}
	return nil
}

// Consume joins the worker queue group and feeds deliveries to handler one
// at a time until ctx is done. The broker counts deliveries; the handler
// sees the count as Message.Attempt.
func (q *NatsQueue) Consume(ctx context.Context, handler Handler) error {
	sub, err := q.js.QueueSubscribe(taskWorkSubject, taskQueueGroup, func(m *nats.Msg) {
		msg, err := DecodeMessage(m.Data)
		if err != nil {
			q.logger.Error("queue: dropping undecodable task message: %v", err)
			_ = m.Term()
			return
		}
		if meta, merr := m.Metadata(); merr == nil {
			msg.Attempt = int(meta.NumDelivered)
		} else if msg.Attempt == 0 {
			msg.Attempt = 1
		}
		if herr := handler(ctx, msg); errors.Is(herr, ErrConnectivity) {
			if err := m.NakWithDelay(q.delay); err != nil {
				q.logger.Warn("queue: nack failed for task %s: %v", msg.TaskID, err)
			}
			return
		}
		if err := m.Ack(); err != nil {
			q.logger.Warn("queue: ack failed for task %s: %v", msg.TaskID, err)
		}
	},
		nats.ManualAck(),
		nats.MaxDeliver(q.maxDeliveries),
		nats.AckWait(q.ackWait),
	)
	if err != nil {
		return fmt.Errorf("%w: subscribing to task stream: %v", ErrConnectivity, err)
	}
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		q.logger.Warn("queue: drain failed: %v", err)
	}
	return ctx.Err()
}

// MaxDeliveries reports the redelivery bound.
func (q *NatsQueue) MaxDeliveries() int { return q.maxDeliveries }

// NatsPublisher publishes task notifications on a core subject. Core NATS
// fan-out matches the delivery contract: every subscribed server process
// gets a copy, nobody retries lost events.
type NatsPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNatsPublisher creates a publisher on the default event subject.
func NewNatsPublisher(nc *nats.Conn) *NatsPublisher {
	return &NatsPublisher{nc: nc, subject: EventSubject}
}

func (p *NatsPublisher) Publish(method string, params interface{}) error {
	data, err := json.Marshal(protocol.NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("%w: publishing notification: %v", ErrConnectivity, err)
	}
	return nil
}

// SubscribeEvents delivers every task notification published on the event
// subject to fn. Server processes bridge this onto their push streams.
func SubscribeEvents(nc *nats.Conn, logger logx.Logger, fn func(n *protocol.JSONRPCNotification)) (*nats.Subscription, error) {
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return nc.Subscribe(EventSubject, func(m *nats.Msg) {
		var n protocol.JSONRPCNotification
		if err := json.Unmarshal(m.Data, &n); err != nil {
			logger.Warn("events: dropping undecodable notification: %v", err)
			return
		}
		fn(&n)
	})
}
