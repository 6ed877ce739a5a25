// Package sse provides the push transport: JSON-RPC envelopes arrive via
// HTTP POST and every reply or notification is broadcast to the attached
// Server-Sent Events subscribers. The POST response body only ever carries a
// lightweight acknowledgement, so callers consume one channel (the stream)
// regardless of whether execution was synchronous or queued.
//
// This implementation uses standard net/http without external SSE libraries.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
)

const (
	// DefaultSubscriberQueueSize bounds each subscriber's outgoing queue.
	DefaultSubscriberQueueSize = 100
	// DefaultKeepAliveInterval is how long a stream may stay silent before a
	// heartbeat comment is emitted.
	DefaultKeepAliveInterval = 15 * time.Second
	// enqueueWait bounds how long a broadcast waits on one subscriber's full
	// queue before dropping the event for that subscriber.
	enqueueWait = 100 * time.Millisecond
)

// Dispatcher is the slice of the message router the push transport needs.
type Dispatcher interface {
	HandleRaw(ctx context.Context, raw []byte) *protocol.JSONRPCResponse
	HandleMessage(ctx context.Context, req *protocol.JSONRPCRequest) *protocol.JSONRPCResponse
}

// AsyncInvoker hands tools/call envelopes to the task pipeline. When nil,
// tools/call runs synchronously like every other method.
type AsyncInvoker interface {
	Enqueue(ctx context.Context, toolName string, params map[string]interface{}) (string, error)
}

// event is one frame on a subscriber's queue: a classification tag plus one
// serialized envelope.
type event struct {
	kind string
	data []byte
}

// subscriber is one live push-stream connection.
type subscriber struct {
	id    string
	queue chan event
}

// Server implements the HTTP handlers of the push transport.
type Server struct {
	dispatcher Dispatcher
	invoker    AsyncInvoker
	logger     logx.Logger

	keepAlive time.Duration
	queueCap  int
	syncTools map[string]bool

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger logx.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAsyncInvoker diverts tools/call to the task pipeline.
func WithAsyncInvoker(invoker AsyncInvoker) Option {
	return func(s *Server) { s.invoker = invoker }
}

// WithSyncTools names tools that are dispatched synchronously even when an
// async invoker is set. The pipeline's own management tools go here: they
// answer from the shared record and must never be queued themselves, or a
// status poll would just return another task ID.
func WithSyncTools(names ...string) Option {
	return func(s *Server) {
		for _, name := range names {
			s.syncTools[name] = true
		}
	}
}

// WithKeepAliveInterval overrides the heartbeat interval.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithSubscriberQueueSize overrides each subscriber's queue bound.
func WithSubscriberQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueCap = n
		}
	}
}

// NewServer creates the push transport around a dispatcher.
func NewServer(dispatcher Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher:  dispatcher,
		logger:      logx.NewDefaultLogger(),
		keepAlive:   DefaultKeepAliveInterval,
		queueCap:    DefaultSubscriberQueueSize,
		syncTools:   make(map[string]bool),
		subscribers: make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP routes the call endpoint, the stream endpoint, and the health
// probe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	switch r.URL.Path {
	case "/message":
		s.HandleMessage(w, r)
	case "/sse":
		s.HandleStream(w, r)
	case "/ping":
		s.handlePing(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	n := len(s.subscribers)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().Unix(),
		"subscribers": n,
	})
}

// HandleMessage processes one inbound envelope from an HTTP POST. tools/call
// is acknowledged immediately and executed out of band, except for tools
// named via WithSyncTools; those and everything else are dispatched
// synchronously with the reply pushed onto the stream.
func (s *Server) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed,
			protocol.NewErrorResponse(nil, protocol.ErrorCodeInvalidRequest, "Method not allowed, use POST", nil))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.ErrorCodeParseError, fmt.Sprintf("Failed to read body: %v", err), nil))
		return
	}
	req, err := protocol.ParseRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.ErrorCodeParseError, fmt.Sprintf("Parse error: %v", err), nil))
		return
	}
	if req.JSONRPC != protocol.Version {
		writeJSON(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.ErrorCodeInvalidRequest, "Invalid Request", "invalid JSON-RPC version"))
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest,
			protocol.NewErrorResponse(req.ID, protocol.ErrorCodeInvalidRequest, "Invalid Request", "'method' is missing"))
		return
	}

	if req.Method == protocol.MethodCallTool && s.invoker != nil {
		var p protocol.CallToolParams
		if err := protocol.UnmarshalParams(req.Params, &p); err != nil || p.Name == "" {
			writeJSON(w, http.StatusBadRequest,
				protocol.NewErrorResponse(req.ID, protocol.ErrorCodeInvalidParams, "Invalid parameters for tools/call: missing or invalid 'params'", nil))
			return
		}
		// Synchronous tools (the pipeline's status and cancel tools) fall
		// through to the dispatcher below.
		if !s.syncTools[p.Name] {
			s.handleAsyncCall(w, r, req, &p)
			return
		}
	}

	// Synchronous path: dispatch now, deliver the reply through the stream,
	// acknowledge the POST.
	resp := s.dispatcher.HandleMessage(r.Context(), req)
	if resp == nil {
		// Notification: processed, nothing to push.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.PushResponse(resp)
	writeJSON(w, http.StatusAccepted, protocol.NewSuccessResponse(req.ID, map[string]interface{}{
		"status":  "processed",
		"message": "Request processed. Result delivered via event stream.",
	}))
}

// handleAsyncCall hands a tools/call envelope to the task pipeline. The POST
// is acknowledged before the tool runs; result and progress become visible
// through check_task_status and the stream.
func (s *Server) handleAsyncCall(w http.ResponseWriter, r *http.Request, req *protocol.JSONRPCRequest, p *protocol.CallToolParams) {
	taskID, err := s.invoker.Enqueue(r.Context(), p.Name, p.Arguments)
	if err != nil {
		s.logger.Error("sse: enqueue of tool %s failed: %v", p.Name, err)
		writeJSON(w, http.StatusInternalServerError,
			protocol.NewErrorResponse(req.ID, protocol.ErrorCodeServerError, fmt.Sprintf("Failed to queue tool execution: %v", err), nil))
		return
	}
	s.logger.Info("sse: accepted tools/call id=%v tool=%s task=%s", req.ID, p.Name, taskID)
	writeJSON(w, http.StatusAccepted, protocol.NewSuccessResponse(req.ID, map[string]interface{}{
		"status": "accepted",
		"taskId": taskID,
	}))
}

// HandleStream attaches one push-stream subscriber and writes its queue out
// until it disconnects.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := &subscriber{
		id:    uuid.NewString(),
		queue: make(chan event, s.queueCap),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.subscribers[sub.id] = sub
	total := len(s.subscribers)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, sub.id)
		remaining := len(s.subscribers)
		s.mu.Unlock()
		s.logger.Info("sse: subscriber %s disconnected (%d remaining)", sub.id, remaining)
	}()
	s.logger.Info("sse: subscriber %s connected from %s (%d total)", sub.id, r.RemoteAddr, total)

	connected, _ := json.Marshal(map[string]string{"type": "connected", "message": "event stream established"})
	var eventID uint64
	writeEvent(w, "system", eventID, connected)
	flusher.Flush()

	ctx := r.Context()
	keepAlive := time.NewTimer(s.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case ev := <-sub.queue:
			eventID++
			if err := writeEvent(w, ev.kind, eventID, ev.data); err != nil {
				s.logger.Warn("sse: write to subscriber %s failed: %v", sub.id, err)
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprintf(w, ": keep-alive ts=%d\n\n", time.Now().Unix())
			flusher.Flush()
		case <-ctx.Done():
			return
		}
		if !keepAlive.Stop() {
			select {
			case <-keepAlive.C:
			default:
			}
		}
		keepAlive.Reset(s.keepAlive)
	}
}

// writeEvent emits one tagged SSE frame with a per-connection monotonic id.
func writeEvent(w io.Writer, kind string, id uint64, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", kind, id, data)
	return err
}

// PushResponse broadcasts a reply envelope to every subscriber.
func (s *Server) PushResponse(resp *protocol.JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("sse: failed to serialize response id=%v: %v", resp.ID, err)
		return
	}
	s.broadcast(event{kind: "message", data: data})
}

// PushNotification broadcasts a notification envelope, classified by method:
// progress events, system notifications, or a generic message.
func (s *Server) PushNotification(n *protocol.JSONRPCNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to serialize notification %s: %w", n.Method, err)
	}
	s.broadcast(event{kind: classify(n.Method), data: data})
	return nil
}

// classify maps a notification method to its stream event tag.
func classify(method string) string {
	switch {
	case method == protocol.MethodNotifyProgress:
		return "progress"
	case strings.HasPrefix(method, "notifications/"):
		return "system"
	default:
		return "message"
	}
}

// broadcast enqueues one event onto every subscriber, waiting at most
// enqueueWait per subscriber. A full queue drops the event for that
// subscriber only; the publisher never blocks on a slow consumer.
func (s *Server) broadcast(ev event) {
	s.mu.RLock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- ev:
		default:
			timer := time.NewTimer(enqueueWait)
			select {
			case sub.queue <- ev:
				timer.Stop()
			case <-timer.C:
				s.logger.Warn("sse: subscriber %s queue full, dropping %s event", sub.id, ev.kind)
			}
		}
	}
}

// SubscriberCount reports the number of attached subscribers.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Close marks the server as shutting down; new stream attaches are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
