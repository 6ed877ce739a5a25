package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
	"github.com/richinex/berry-mcp/server"
)

const (
	// DefaultSoftTimeLimit is how long a tool may run before the worker
	// stops waiting and records a timeout failure.
	DefaultSoftTimeLimit = 25 * time.Minute
	// DefaultHardTimeLimit caps the tool's context deadline. It fires only
	// if the soft limit somehow did not.
	DefaultHardTimeLimit = 30 * time.Minute

	// startProgress is reported the moment a worker picks a task up, so a
	// poller can tell RUNNING-and-started from RUNNING-and-stuck.
	startProgress = 5
	doneProgress  = 100
)

// Worker consumes the queue and drives each task through its state machine:
// pickup gate, RUNNING transition, execution with cancellation checkpoints,
// then a single finalization write.
type Worker struct {
	store    Store
	queue    Queue
	events   Publisher
	registry *server.ToolRegistry
	logger   logx.Logger

	softLimit   time.Duration
	hardLimit   time.Duration
	maxAttempts int
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets a custom logger.
func WithWorkerLogger(logger logx.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithTimeLimits overrides the soft and hard execution-time limits.
func WithTimeLimits(soft, hard time.Duration) WorkerOption {
	return func(w *Worker) {
		if soft > 0 {
			w.softLimit = soft
		}
		if hard > 0 {
			w.hardLimit = hard
		}
	}
}

// WithWorkerMaxAttempts bounds connectivity redeliveries before the worker
// gives up and records the task as failed. It should match the queue's own
// delivery bound.
func WithWorkerMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// NewWorker creates a worker executing tools from registry.
func NewWorker(store Store, queue Queue, events Publisher, registry *server.ToolRegistry, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       store,
		queue:       queue,
		events:      events,
		registry:    registry,
		logger:      logx.NewDefaultLogger(),
		softLimit:   DefaultSoftTimeLimit,
		hardLimit:   DefaultHardTimeLimit,
		maxAttempts: DefaultMaxDeliveries,
	}
	if w.events == nil {
		w.events = NopPublisher{}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes the queue until ctx is cancelled. Deliveries are handled one
// at a time; parallelism comes from running more workers.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker: consuming task queue")
	return w.queue.Consume(ctx, w.execute)
}

// execute drives one delivery. A returned ErrConnectivity asks the queue for
// a redelivery; any other outcome acknowledges the message.
func (w *Worker) execute(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker: panic executing task %s: %v\n%s", msg.TaskID, r, debug.Stack())
			w.abandon(ctx, msg, fmt.Sprintf("Internal worker error: %v", r))
			err = nil
		}
	}()

	rec, rev, gerr := w.store.Get(ctx, msg.TaskID)
	if gerr != nil && gerr != ErrNotFound {
		return w.retryOrAbandon(ctx, msg, fmt.Sprintf("Could not load task record: %v", gerr), gerr)
	}

	status := protocol.TaskStatusUnknown
	if rec != nil {
		status = rec.Status
	}

	// Pickup gate. A pre-pickup cancellation is honored silently; any other
	// unexpected status means a duplicate delivery or an out-of-band write,
	// and the task is failed loudly so the caller is not left polling.
	switch {
	case status == protocol.TaskStatusCancelled:
		w.logger.Info("worker: task %s cancelled before pickup, dropping", msg.TaskID)
		return nil
	case status != protocol.TaskStatusDequeued:
		w.logger.Warn("worker: task %s in unexpected state %s on pickup", msg.TaskID, status)
		w.failTask(ctx, msg, rec, fmt.Sprintf("Task was in unexpected state '%s' when worker started (expected DEQUEUED)", status))
		w.publishFinished(msg.TaskID, protocol.TaskStatusError)
		return nil
	}

	rec.Status = protocol.TaskStatusRunning
	rec.Progress = startProgress
	rec.StartTime = unixNow()
	_, uerr := w.store.Update(ctx, rec, rev)
	if uerr == ErrRevisionConflict {
		// Lost the race with a cancel (or another writer). Re-read and act
		// on what actually happened.
		fresh, _, ferr := w.store.Get(ctx, msg.TaskID)
		if ferr == nil && fresh.Status == protocol.TaskStatusCancelled {
			w.logger.Info("worker: task %s cancelled during pickup, dropping", msg.TaskID)
			return nil
		}
		w.failTask(ctx, msg, fresh, "Task record changed unexpectedly during pickup")
		w.publishFinished(msg.TaskID, protocol.TaskStatusError)
		return nil
	}
	if uerr != nil {
		return w.retryOrAbandon(ctx, msg, fmt.Sprintf("Could not mark task running: %v", uerr), uerr)
	}
	w.publishProgress(msg.TaskID, startProgress, fmt.Sprintf("Task execution started for tool '%s'", msg.ToolName))

	cancelled := w.isCancelled(ctx, msg.TaskID)

	var result interface{}
	var execErr error
	if !cancelled {
		result, execErr = w.runTool(ctx, msg)
		// A cancel that lands while the tool runs still wins: the work is
		// done but the caller asked for it to be discarded.
		if w.isCancelled(ctx, msg.TaskID) {
			cancelled = true
		}
	}

	final, ffound, ferr := w.loadForFinalize(ctx, msg.TaskID)
	if ferr != nil {
		w.logger.Error("worker: cannot load task %s for finalization: %v", msg.TaskID, ferr)
		w.abandon(ctx, msg, fmt.Sprintf("Could not finalize task: %v", ferr))
		return nil
	}
	if !ffound {
		final = rec
	}

	switch {
	case cancelled:
		final.Status = protocol.TaskStatusCancelled
		if final.Error == "" {
			final.Error = "Task cancelled by request"
		}
	case execErr != nil:
		final.Status = protocol.TaskStatusError
		final.Error = execErr.Error()
	default:
		final.Status = protocol.TaskStatusCompleted
		final.Progress = doneProgress
		final.Result = result
		final.Error = ""
	}
	final.EndTime = unixNow()
	if _, perr := w.store.Put(ctx, final); perr != nil {
		w.logger.Error("worker: failed to write final state for %s: %v", msg.TaskID, perr)
		w.publishFinished(msg.TaskID, protocol.TaskStatusError)
		return nil
	}
	w.publishProgress(msg.TaskID, final.Progress, fmt.Sprintf("Task finished with status: %s", final.Status))
	w.logger.Info("worker: task %s finished with status %s", msg.TaskID, final.Status)
	return nil
}

// runTool executes the tool with the hard limit as a context deadline and
// the soft limit as a wait bound. A tool outliving the soft limit is
// abandoned: its goroutine may still wind down, but its result is discarded.
func (w *Worker) runTool(ctx context.Context, msg *Message) (interface{}, error) {
	entry, err := w.registry.Lookup(msg.ToolName)
	if err != nil {
		return nil, fmt.Errorf("Tool '%s' is not available on this worker", msg.ToolName)
	}

	toolCtx, cancel := context.WithTimeout(ctx, w.hardLimit)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	out := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		value, err := entry.Handler(toolCtx, msg.Parameters)
		out <- outcome{value: value, err: err}
	}()

	select {
	case o := <-out:
		return o.value, o.err
	case <-time.After(w.softLimit):
		cancel()
		return nil, fmt.Errorf("Tool execution exceeded the soft time limit of %s", w.softLimit)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// isCancelled re-reads the record and reports whether a cancel flag landed.
// Read failures are treated as not-cancelled; finalization re-reads anyway.
func (w *Worker) isCancelled(ctx context.Context, taskID string) bool {
	rec, _, err := w.store.Get(ctx, taskID)
	if err != nil {
		return false
	}
	return rec.Status == protocol.TaskStatusCancelled
}

func (w *Worker) loadForFinalize(ctx context.Context, taskID string) (*protocol.TaskRecord, bool, error) {
	rec, _, err := w.store.Get(ctx, taskID)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// retryOrAbandon rides the queue's bounded redelivery for transient
// failures; once attempts are exhausted it records the failure and notifies.
func (w *Worker) retryOrAbandon(ctx context.Context, msg *Message, reason string, cause error) error {
	if errors.Is(cause, ErrConnectivity) && msg.Attempt < w.maxAttempts {
		w.logger.Warn("worker: transient failure on task %s (attempt %d/%d): %v", msg.TaskID, msg.Attempt, w.maxAttempts, cause)
		return fmt.Errorf("%w: %v", ErrConnectivity, cause)
	}
	w.abandon(ctx, msg, reason)
	return nil
}

// abandon is the infrastructure-failure path: best-effort ERROR write plus a
// tasks/finished notification so a caller waiting on the push stream learns
// the task died even if the record write was lost.
func (w *Worker) abandon(ctx context.Context, msg *Message, reason string) {
	rec, _, err := w.store.Get(ctx, msg.TaskID)
	if err != nil || rec == nil {
		rec = &protocol.TaskRecord{
			TaskID:     msg.TaskID,
			ToolName:   msg.ToolName,
			Parameters: msg.Parameters,
		}
	}
	if !rec.Status.Terminal() {
		rec.Status = protocol.TaskStatusError
		rec.Error = reason
		rec.EndTime = unixNow()
		if _, perr := w.store.Put(ctx, rec); perr != nil {
			w.logger.Error("worker: failed to record abandonment of %s: %v", msg.TaskID, perr)
		}
	}
	w.publishFinished(msg.TaskID, protocol.TaskStatusError)
}

// failTask writes an ERROR record for a task rejected at the pickup gate.
func (w *Worker) failTask(ctx context.Context, msg *Message, rec *protocol.TaskRecord, reason string) {
	if rec == nil {
		rec = &protocol.TaskRecord{
			TaskID:     msg.TaskID,
			ToolName:   msg.ToolName,
			Parameters: msg.Parameters,
		}
	}
	if rec.Status.Terminal() {
		return
	}
	rec.Status = protocol.TaskStatusError
	rec.Error = reason
	rec.EndTime = unixNow()
	if _, err := w.store.Put(ctx, rec); err != nil {
		w.logger.Error("worker: failed to record failure of %s: %v", msg.TaskID, err)
	}
}

func (w *Worker) publishProgress(taskID string, progress float64, message string) {
	params := &protocol.ProgressParams{
		ProgressToken: taskID,
		Progress:      progress,
		Message:       message,
	}
	if err := w.events.Publish(protocol.MethodNotifyProgress, params); err != nil {
		w.logger.Warn("worker: failed to publish progress for %s: %v", taskID, err)
	}
}

func (w *Worker) publishFinished(taskID string, status protocol.TaskStatus) {
	params := &protocol.TaskFinishedParams{TaskID: taskID, Status: status}
	if err := w.events.Publish(protocol.MethodTaskFinished, params); err != nil {
		w.logger.Warn("worker: failed to publish finish notice for %s: %v", taskID, err)
	}
}
