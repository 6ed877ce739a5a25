package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gosse "github.com/tmaxmax/go-sse"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
	"github.com/richinex/berry-mcp/server"
	"github.com/richinex/berry-mcp/tasks"
	"github.com/richinex/berry-mcp/tools"
)

// fakeDispatcher returns a canned response and records invocations.
type fakeDispatcher struct {
	resp   *protocol.JSONRPCResponse
	called int
}

func (d *fakeDispatcher) HandleRaw(ctx context.Context, raw []byte) *protocol.JSONRPCResponse {
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		return protocol.NewErrorResponse(nil, protocol.ErrorCodeParseError, "Parse error", nil)
	}
	return d.HandleMessage(ctx, req)
}

func (d *fakeDispatcher) HandleMessage(_ context.Context, req *protocol.JSONRPCRequest) *protocol.JSONRPCResponse {
	d.called++
	if req.IsNotification() {
		return nil
	}
	if d.resp != nil {
		return d.resp
	}
	return protocol.NewSuccessResponse(req.ID, map[string]string{"ok": "yes"})
}

// fakeInvoker accepts every enqueue with a fixed task ID.
type fakeInvoker struct {
	taskID string
	err    error
	tool   string
}

func (i *fakeInvoker) Enqueue(_ context.Context, toolName string, _ map[string]interface{}) (string, error) {
	i.tool = toolName
	return i.taskID, i.err
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server, *fakeDispatcher) {
	t.Helper()
	d := &fakeDispatcher{}
	opts = append([]Option{WithLogger(logx.NopLogger{})}, opts...)
	s := NewServer(d, opts...)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	t.Cleanup(s.Close)
	return s, ts, d
}

func postEnvelope(t *testing.T, url string, envelope string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url+"/message", "application/json", strings.NewReader(envelope))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func TestPing(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestPostParseError(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, body := postEnvelope(t, ts.URL, `{broken`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, float64(protocol.ErrorCodeParseError), errObj["code"])
}

func TestPostWrongVersion(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, body := postEnvelope(t, ts.URL, `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, float64(protocol.ErrorCodeInvalidRequest), errObj["code"])
}

func TestPostRequiresPOST(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/message")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSyncRequestAcknowledgedAsProcessed(t *testing.T) {
	_, ts, d := newTestServer(t)
	resp, body := postEnvelope(t, ts.URL, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, d.called)

	result := body["result"].(map[string]interface{})
	assert.Equal(t, "processed", result["status"])
}

func TestNotificationAcknowledgedWithNoContent(t *testing.T) {
	_, ts, d := newTestServer(t)
	resp, _ := postEnvelope(t, ts.URL, `{"jsonrpc":"2.0","method":"notifications/whatever"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, d.called)
}

func TestAsyncCallDiverted(t *testing.T) {
	invoker := &fakeInvoker{taskID: "task-123"}
	_, ts, d := newTestServer(t, WithAsyncInvoker(invoker))

	resp, body := postEnvelope(t, ts.URL,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"sleep","arguments":{"seconds":60}}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 0, d.called, "diverted calls must not reach the dispatcher")
	assert.Equal(t, "sleep", invoker.tool)

	result := body["result"].(map[string]interface{})
	assert.Equal(t, "accepted", result["status"])
	assert.Equal(t, "task-123", result["taskId"])
}

func TestSyncToolExemptFromDivert(t *testing.T) {
	invoker := &fakeInvoker{taskID: "task-123"}
	_, ts, d := newTestServer(t, WithAsyncInvoker(invoker), WithSyncTools("check_task_status"))

	resp, body := postEnvelope(t, ts.URL,
		`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"check_task_status","arguments":{"taskId":"task-123"}}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, d.called, "sync tools go through the dispatcher")
	assert.Empty(t, invoker.tool, "sync tools must not be enqueued")

	result := body["result"].(map[string]interface{})
	assert.Equal(t, "processed", result["status"])
}

func TestAsyncCallMissingName(t *testing.T) {
	invoker := &fakeInvoker{taskID: "task-123"}
	_, ts, _ := newTestServer(t, WithAsyncInvoker(invoker))

	resp, body := postEnvelope(t, ts.URL, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, float64(protocol.ErrorCodeInvalidParams), errObj["code"])
}

func TestAsyncCallEnqueueFailure(t *testing.T) {
	invoker := &fakeInvoker{err: fmt.Errorf("broker down")}
	_, ts, _ := newTestServer(t, WithAsyncInvoker(invoker))

	resp, body := postEnvelope(t, ts.URL,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"sleep"}}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, float64(protocol.ErrorCodeServerError), errObj["code"])
}

// openStream attaches a stream subscriber and returns a channel of its
// events, read with the go-sse client.
func openStream(t *testing.T, s *Server, url string) <-chan gosse.Event {
	t.Helper()
	resp, err := http.Get(url + "/sse")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan gosse.Event, 32)
	go func() {
		defer close(events)
		for ev, err := range gosse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			events <- ev
		}
	}()

	require.Eventually(t, func() bool { return s.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond, "subscriber never registered")
	return events
}

func nextEvent(t *testing.T, events <-chan gosse.Event) gosse.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return gosse.Event{}
	}
}

func TestStreamDeliversRepliesToAllSubscribers(t *testing.T) {
	s, ts, _ := newTestServer(t)
	events := openStream(t, s, ts.URL)

	connected := nextEvent(t, events)
	assert.Equal(t, "system", connected.Type)
	assert.Contains(t, connected.Data, "connected")

	postEnvelope(t, ts.URL, `{"jsonrpc":"2.0","id":42,"method":"tools/list"}`)

	reply := nextEvent(t, events)
	assert.Equal(t, "message", reply.Type)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(reply.Data), &envelope))
	assert.Equal(t, float64(42), envelope["id"])
}

func TestStreamNotificationClassification(t *testing.T) {
	s, ts, _ := newTestServer(t)
	events := openStream(t, s, ts.URL)
	nextEvent(t, events) // connected

	require.NoError(t, s.PushNotification(protocol.NewNotification(protocol.MethodNotifyProgress,
		&protocol.ProgressParams{ProgressToken: "task-1", Progress: 5})))
	ev := nextEvent(t, events)
	assert.Equal(t, "progress", ev.Type)

	require.NoError(t, s.PushNotification(protocol.NewNotification(protocol.MethodTaskFinished,
		&protocol.TaskFinishedParams{TaskID: "task-1", Status: protocol.TaskStatusError})))
	ev = nextEvent(t, events)
	assert.Equal(t, "message", ev.Type, "tasks/finished is a plain message event")

	require.NoError(t, s.PushNotification(protocol.NewNotification("notifications/resources/updated", nil)))
	ev = nextEvent(t, events)
	assert.Equal(t, "system", ev.Type)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "progress", classify(protocol.MethodNotifyProgress))
	assert.Equal(t, "system", classify("notifications/initialized"))
	assert.Equal(t, "message", classify(protocol.MethodTaskFinished))
}

// TestAsyncResultRetrievedThroughStatusPoll runs the full pipeline behind
// the push transport: a tools/call is diverted to the queue, a worker
// completes it, and the caller retrieves the result by polling
// check_task_status, which must execute synchronously.
func TestAsyncResultRetrievedThroughStatusPoll(t *testing.T) {
	core := server.NewServer("sse-e2e", server.WithLogger(logx.NopLogger{}))
	t.Cleanup(core.Close)
	require.NoError(t, tools.RegisterAll(core.Tools()))

	store := tasks.NewMemoryStore()
	queue := tasks.NewMemoryQueue(16, tasks.WithRedeliveryDelay(0))
	manager := tasks.NewManager(store, queue, tasks.WithManagerLogger(logx.NopLogger{}))
	require.NoError(t, manager.RegisterTools(core.Tools()))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	worker := tasks.NewWorker(store, queue, tasks.NopPublisher{}, core.Tools(), tasks.WithWorkerLogger(logx.NopLogger{}))
	go func() { _ = worker.Run(ctx) }()

	s := NewServer(core.Dispatcher(),
		WithLogger(logx.NopLogger{}),
		WithAsyncInvoker(manager),
		WithSyncTools(tasks.ToolCheckTaskStatus, tasks.ToolCancelTask),
	)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	t.Cleanup(s.Close)

	events := openStream(t, s, ts.URL)
	nextEvent(t, events) // connected

	resp, body := postEnvelope(t, ts.URL,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"berry"}}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := body["result"].(map[string]interface{})
	require.Equal(t, "accepted", accepted["status"])
	taskID, _ := accepted["taskId"].(string)
	require.NotEmpty(t, taskID)

	poll := fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"check_task_status","arguments":{"taskId":"%s"}}}`, taskID)

	// The poll itself is not re-queued; its ack says processed and the record
	// arrives as a reply on the stream.
	_, pollBody := postEnvelope(t, ts.URL, poll)
	pollResult := pollBody["result"].(map[string]interface{})
	require.Equal(t, "processed", pollResult["status"])

	var record string
	require.Eventually(t, func() bool {
		resp, err := http.Post(ts.URL+"/message", "application/json", strings.NewReader(poll))
		if err != nil {
			return false
		}
		resp.Body.Close()
		for {
			select {
			case ev := <-events:
				if ev.Type == "message" &&
					strings.Contains(ev.Data, taskID) &&
					strings.Contains(ev.Data, string(protocol.TaskStatusCompleted)) {
					record = ev.Data
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 50*time.Millisecond, "completed record never arrived on the stream")
	assert.Contains(t, record, "berry")
}

func TestBroadcastDropsOnFullQueue(t *testing.T) {
	s := NewServer(&fakeDispatcher{}, WithLogger(logx.NopLogger{}), WithSubscriberQueueSize(1))
	sub := &subscriber{id: "stuck", queue: make(chan event, 1)}
	s.mu.Lock()
	s.subscribers[sub.id] = sub
	s.mu.Unlock()

	first := event{kind: "message", data: []byte("one")}
	second := event{kind: "message", data: []byte("two")}
	s.broadcast(first)
	start := time.Now()
	s.broadcast(second)
	assert.GreaterOrEqual(t, time.Since(start), enqueueWait, "full queue waits before dropping")

	// The subscriber survives with only the first event queued.
	require.Len(t, sub.queue, 1)
	got := <-sub.queue
	assert.True(t, bytes.Equal(got.data, first.data))
	assert.Equal(t, 1, s.SubscriberCount())
}

func TestKeepAliveComment(t *testing.T) {
	s, ts, _ := newTestServer(t, WithKeepAliveInterval(50*time.Millisecond))
	resp, err := http.Get(ts.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return s.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	buf := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	var seen strings.Builder
	for time.Now().Before(deadline) {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			seen.Write(buf[:n])
			if strings.Contains(seen.String(), ": keep-alive") {
				return
			}
		}
		if rerr != nil {
			break
		}
	}
	t.Fatalf("no keep-alive comment observed in %q", seen.String())
}

func TestStreamRefusedAfterClose(t *testing.T) {
	s, ts, _ := newTestServer(t)
	s.Close()
	resp, err := http.Get(ts.URL + "/sse")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
