// Command berry-mcp runs the MCP tool server or a task worker.
//
// Serve mode exposes the server over one of three transports: stdio
// (newline-delimited frames on stdin/stdout), sse (HTTP POST in, broadcast
// SSE out), or ws (WebSocket). Worker mode joins the distributed task queue
// and executes asynchronous tool invocations.
//
// Without -nats the serve mode runs the whole pipeline in-process: an
// in-memory store and queue plus one embedded worker. With -nats both modes
// share state through the broker, so workers can run on other machines.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richinex/berry-mcp/logx"
	"github.com/richinex/berry-mcp/protocol"
	"github.com/richinex/berry-mcp/server"
	"github.com/richinex/berry-mcp/tasks"
	"github.com/richinex/berry-mcp/tools"
	"github.com/richinex/berry-mcp/transport/sse"
	"github.com/richinex/berry-mcp/transport/stdio"
	"github.com/richinex/berry-mcp/transport/ws"
)

const serverVersion = "1.0.0"

func main() {
	var (
		mode      = flag.String("mode", "serve", "run mode: serve or worker")
		transport = flag.String("transport", "stdio", "serve transport: stdio, sse, or ws")
		addr      = flag.String("addr", ":8000", "listen address for sse and ws transports")
		natsURL   = flag.String("nats", "", "NATS URL for the distributed pipeline (empty runs in-process)")
		taskTTL   = flag.Duration("task-ttl", time.Hour, "retention of finished task records")
		logLevel  = flag.String("log-level", "info", "log level: debug, info, warn, or error")
		verbose   = flag.Bool("verbose", false, "include stack traces in internal error replies")
	)
	flag.Parse()

	logger := logx.NewDefaultLogger()
	logger.SetLevel(parseLevel(*logLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "serve":
		err = runServe(ctx, logger, *transport, *addr, *natsURL, *taskTTL, *verbose)
	case "worker":
		err = runWorker(ctx, logger, *natsURL, *taskTTL)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "berry-mcp: %v\n", err)
		os.Exit(1)
	}
}

// pipeline bundles the task plumbing for one process.
type pipeline struct {
	store   tasks.Store
	queue   tasks.Queue
	events  tasks.Publisher
	manager *tasks.Manager

	// local is set when the pipeline is in-process; notifications are then
	// bridged directly instead of through a broker subscription.
	local *tasks.LocalPublisher
	// embedded worker for in-process mode.
	worker *tasks.Worker

	subscribe func(fn func(n *protocol.JSONRPCNotification)) error
}

func buildPipeline(logger *logx.DefaultLogger, natsURL string, ttl time.Duration, registry *server.ToolRegistry, embedWorker bool) (*pipeline, error) {
	if natsURL == "" {
		store := tasks.NewMemoryStore(tasks.WithTerminalTTL(ttl))
		queue := tasks.NewMemoryQueue(256)
		local := tasks.NewLocalPublisher()
		p := &pipeline{
			store:   store,
			queue:   queue,
			events:  local,
			manager: tasks.NewManager(store, queue, tasks.WithManagerLogger(logger)),
			local:   local,
		}
		p.subscribe = func(fn func(n *protocol.JSONRPCNotification)) error {
			local.Subscribe(func(method string, params interface{}) {
				fn(protocol.NewNotification(method, params))
			})
			return nil
		}
		if embedWorker {
			p.worker = tasks.NewWorker(store, queue, local, registry, tasks.WithWorkerLogger(logger))
		}
		return p, nil
	}

	nc, err := tasks.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	store, err := tasks.NewNatsStore(nc, ttl)
	if err != nil {
		return nil, err
	}
	queue, err := tasks.NewNatsQueue(nc, tasks.WithNatsQueueLogger(logger))
	if err != nil {
		return nil, err
	}
	p := &pipeline{
		store:   store,
		queue:   queue,
		events:  tasks.NewNatsPublisher(nc),
		manager: tasks.NewManager(store, queue, tasks.WithManagerLogger(logger)),
	}
	p.subscribe = func(fn func(n *protocol.JSONRPCNotification)) error {
		_, err := tasks.SubscribeEvents(nc, logger, fn)
		return err
	}
	return p, nil
}

func runServe(ctx context.Context, logger *logx.DefaultLogger, transportName, addr, natsURL string, ttl time.Duration, verbose bool) error {
	opts := []server.Option{server.WithLogger(logger), server.WithVersion(serverVersion)}
	if verbose {
		opts = append(opts, server.WithVerboseErrors())
	}
	srv := server.NewServer("berry-mcp", opts...)
	defer srv.Close()

	if err := tools.RegisterAll(srv.Tools()); err != nil {
		return err
	}

	p, err := buildPipeline(logger, natsURL, ttl, srv.Tools(), natsURL == "")
	if err != nil {
		return err
	}
	if err := p.manager.RegisterTools(srv.Tools()); err != nil {
		return err
	}
	if p.worker != nil {
		go func() {
			if err := p.worker.Run(ctx); err != nil && err != context.Canceled {
				logger.Error("embedded worker stopped: %v", err)
			}
		}()
	}

	switch transportName {
	case "stdio":
		return serveStdio(ctx, logger, srv)
	case "sse":
		return serveSSE(ctx, logger, srv, p, addr)
	case "ws":
		return serveWS(ctx, logger, srv, p, addr)
	default:
		return fmt.Errorf("unknown transport %q", transportName)
	}
}

func serveStdio(ctx context.Context, logger *logx.DefaultLogger, srv *server.Server) error {
	t := stdio.New(stdio.WithLogger(logger))
	t.SetMessageHandler(rawHandler(srv, logger))
	if err := t.Start(); err != nil {
		return err
	}
	defer t.Close()
	logger.Info("serving on stdio")
	return t.Run(ctx)
}

func serveSSE(ctx context.Context, logger *logx.DefaultLogger, srv *server.Server, p *pipeline, addr string) error {
	s := sse.NewServer(srv.Dispatcher(),
		sse.WithLogger(logger),
		sse.WithAsyncInvoker(p.manager),
		sse.WithSyncTools(tasks.ToolCheckTaskStatus, tasks.ToolCancelTask),
	)
	defer s.Close()
	if err := p.subscribe(func(n *protocol.JSONRPCNotification) {
		if err := s.PushNotification(n); err != nil {
			logger.Warn("push notification failed: %v", err)
		}
	}); err != nil {
		return err
	}
	logger.Info("serving sse on %s", addr)
	return listenAndServe(ctx, addr, s)
}

func serveWS(ctx context.Context, logger *logx.DefaultLogger, srv *server.Server, p *pipeline, addr string) error {
	s := ws.NewServer(ws.WithLogger(logger))
	defer s.Close()
	s.SetMessageHandler(rawHandler(srv, logger))
	if err := p.subscribe(func(n *protocol.JSONRPCNotification) {
		data, err := json.Marshal(n)
		if err != nil {
			logger.Warn("encoding notification failed: %v", err)
			return
		}
		s.Broadcast(data)
	}); err != nil {
		return err
	}
	logger.Info("serving websocket on %s", addr)
	return listenAndServe(ctx, addr, s)
}

func runWorker(ctx context.Context, logger *logx.DefaultLogger, natsURL string, ttl time.Duration) error {
	if natsURL == "" {
		return fmt.Errorf("worker mode requires -nats; without a broker, run serve mode with its embedded worker")
	}
	registry := server.NewToolRegistry()
	if err := tools.RegisterAll(registry); err != nil {
		return err
	}
	p, err := buildPipeline(logger, natsURL, ttl, registry, false)
	if err != nil {
		return err
	}
	// Diverted status and cancel calls can land here too.
	if err := p.manager.RegisterTools(registry); err != nil {
		return err
	}
	worker := tasks.NewWorker(p.store, p.queue, p.events, registry, tasks.WithWorkerLogger(logger))
	return worker.Run(ctx)
}

// rawHandler adapts the dispatcher to the byte-oriented transports. A nil
// response (notification) yields a nil frame, which the transports drop.
func rawHandler(srv *server.Server, logger logx.Logger) func(ctx context.Context, message []byte) []byte {
	return func(ctx context.Context, message []byte) []byte {
		resp := srv.Dispatcher().HandleRaw(ctx, message)
		if resp == nil {
			return nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			logger.Error("failed to encode response: %v", err)
			return nil
		}
		return data
	}
}

func listenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	httpSrv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func parseLevel(s string) logx.Level {
	switch s {
	case "debug":
		return logx.LevelDebug
	case "warn":
		return logx.LevelWarn
	case "error":
		return logx.LevelError
	default:
		return logx.LevelInfo
	}
}
