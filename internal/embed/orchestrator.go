// Package embed drives the host side of embedding a generated UI: it
// asks a UI tool for a spec, resolves the spec's data needs, renders
// the content in an isolated context, and attaches a broker before the
// UI becomes interactive.
package embed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Shin0205go/mcp-tool-builder/internal/broker"
	"github.com/Shin0205go/mcp-tool-builder/internal/catalog"
	"github.com/Shin0205go/mcp-tool-builder/internal/executor"
	"github.com/Shin0205go/mcp-tool-builder/internal/protocol"
	"github.com/Shin0205go/mcp-tool-builder/internal/storage"
)

// ErrNotUITool is returned by LoadUI when the catalog knows the tool
// but does not flag it as a UI producer.
var ErrNotUITool = errors.New("tool does not produce a ui spec")

// RenderContext is an isolated rendering surface for UI content. The
// content can reach the host only through the attached message channel.
type RenderContext interface {
	// Send delivers an outbound message to the UI.
	Send(msg protocol.Message) error

	// OnMessage registers the inbound handler. The transport stamps
	// every envelope with the origin it observed.
	OnMessage(fn func(env protocol.Envelope))

	// Ready is closed when the UI has attached to the channel.
	Ready() <-chan struct{}

	// Close releases the context. Idempotent.
	Close() error
}

// RenderHost instantiates isolated rendering contexts.
type RenderHost interface {
	NewContext(ctx context.Context, sessionID, html string) (RenderContext, error)
}

// Options configure an Orchestrator.
type Options struct {
	// Broker carries the session-independent broker settings; the
	// allowlist is overridden per session from UISpec.allowTools.
	Broker broker.Config

	// LongRunning is passed through to each session's broker.
	LongRunning broker.Classifier

	// Events receives audit events from session brokers. Optional.
	Events storage.EventWriter

	// Catalog gates LoadUI on the tool's UITool flag. Optional; tools
	// the catalog does not know are still accepted, since ParseUISpec
	// rejects anything that is not a valid spec.
	Catalog catalog.Catalog

	// NeedTimeout bounds each need resolution. Default 10s.
	NeedTimeout time.Duration

	// ReadyTimeout bounds the wait for the rendering context to attach
	// before the load fails. Default 30s.
	ReadyTimeout time.Duration
}

// Orchestrator loads UIs and owns the resulting session handles.
type Orchestrator struct {
	exec   executor.Executor
	host   RenderHost
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// Handle is a live UI session. Closing it deregisters the channel
// listener, cancels all jobs owned by the session's broker, and
// releases the rendering context.
type Handle struct {
	SessionID string
	Spec      *UISpec

	broker       *broker.Broker
	render       RenderContext
	orch         *Orchestrator
	once         sync.Once
	closed       chan struct{}
	bootstrapped chan struct{}
}

// Broker exposes the session's broker, e.g. for job cancellation.
func (h *Handle) Broker() *broker.Broker { return h.broker }

// Bootstrapped is closed once the bootstrap message has been delivered.
// Before that, the broker buffers every UI-initiated invocation.
func (h *Handle) Bootstrapped() <-chan struct{} { return h.bootstrapped }

// Close tears the session down. Safe on every exit path; repeated
// closes are no-ops.
func (h *Handle) Close() {
	h.once.Do(func() {
		close(h.closed)
		h.broker.Close()
		if err := h.render.Close(); err != nil {
			h.orch.logger.Warn("render context close failed",
				zap.String("session_id", h.SessionID),
				zap.Error(err),
			)
		}
		h.orch.mu.Lock()
		delete(h.orch.handles, h.SessionID)
		h.orch.mu.Unlock()
	})
}

// NewOrchestrator creates an orchestrator. exec resolves UI specs and
// needs; host supplies rendering isolation.
func NewOrchestrator(exec executor.Executor, host RenderHost, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if exec == nil {
		return nil, errors.New("embed: executor is required")
	}
	if host == nil {
		return nil, errors.New("embed: render host is required")
	}
	if opts.NeedTimeout <= 0 {
		opts.NeedTimeout = 10 * time.Second
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	return &Orchestrator{
		exec:    exec,
		host:    host,
		opts:    opts,
		logger:  logger,
		handles: make(map[string]*Handle),
	}, nil
}

// Handle returns a live session by id, or nil.
func (o *Orchestrator) Handle(sessionID string) *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handles[sessionID]
}

// LoadUI runs the embed sequence: fetch the UI spec (hard-fail),
// resolve needs in parallel (soft-fail per need), render, attach a
// broker scoped to the spec's allowTools, and deliver the bootstrap
// once the context signals readiness.
func (o *Orchestrator) LoadUI(ctx context.Context, tool string, params map[string]any) (*Handle, error) {
	sessionID := uuid.New().String()

	if o.opts.Catalog != nil {
		ts, err := o.opts.Catalog.GetTool(ctx, tool)
		if err != nil {
			return nil, fmt.Errorf("load ui spec from %s: %w", tool, err)
		}
		if ts != nil && !ts.UITool {
			return nil, fmt.Errorf("load ui spec from %s: %w", tool, ErrNotUITool)
		}
	}

	// 1. The spec is structural: without it there is no UI to show.
	raw, err := o.exec.Execute(ctx, tool, params, executor.CallContext{
		IdempotencyKey: "ui:" + sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("load ui spec from %s: %w", tool, err)
	}
	spec, err := ParseUISpec(raw)
	if err != nil {
		return nil, fmt.Errorf("load ui spec from %s: %w", tool, err)
	}

	// 2. Needs are auxiliary data: a failing need degrades the
	// bootstrap, it does not abort the load.
	data := o.resolveNeeds(ctx, sessionID, spec.Needs)

	// 3. Isolated rendering context.
	render, err := o.host.NewContext(ctx, sessionID, spec.Content.HTMLString)
	if err != nil {
		return nil, fmt.Errorf("create render context: %w", err)
	}

	// 4. Broker scoped to the spec's allowlist.
	cfg := o.opts.Broker
	cfg.AllowedTools = spec.AllowTools
	bk, err := broker.New(cfg, broker.Deps{
		Executor:    o.exec,
		Sender:      render,
		LongRunning: o.opts.LongRunning,
		Events:      o.opts.Events,
		Logger:      o.logger,
		SessionID:   sessionID,
	})
	if err != nil {
		_ = render.Close()
		return nil, fmt.Errorf("create broker: %w", err)
	}
	render.OnMessage(bk.HandleEnvelope)

	handle := &Handle{
		SessionID:    sessionID,
		Spec:         spec,
		broker:       bk,
		render:       render,
		orch:         o,
		closed:       make(chan struct{}),
		bootstrapped: make(chan struct{}),
	}
	o.mu.Lock()
	o.handles[sessionID] = handle
	o.mu.Unlock()

	// 5. Deliver the bootstrap once the context signals readiness.
	// Readiness may depend on a remote client fetching the rendered
	// content, so the wait runs off the caller's thread; the broker
	// buffers any invocation that arrives first.
	go o.finishLoad(handle, tool, data)

	return handle, nil
}

func (o *Orchestrator) finishLoad(handle *Handle, tool string, data map[string]any) {
	select {
	case <-handle.render.Ready():
	case <-handle.closed:
		return
	case <-time.After(o.opts.ReadyTimeout):
		o.logger.Warn("render context never signalled readiness, unloading",
			zap.String("session_id", handle.SessionID),
			zap.String("ui_tool", tool),
		)
		handle.Close()
		return
	}

	if err := handle.broker.Bootstrap(data); err != nil {
		o.logger.Warn("bootstrap failed, unloading",
			zap.String("session_id", handle.SessionID),
			zap.Error(err),
		)
		handle.Close()
		return
	}
	close(handle.bootstrapped)

	o.logger.Info("ui session loaded",
		zap.String("session_id", handle.SessionID),
		zap.String("ui_tool", tool),
		zap.Int("needs_resolved", len(data)),
		zap.Int("needs_declared", len(handle.Spec.Needs)),
	)
}

type needOutput struct {
	tool   string
	result any
	err    error
}

// resolveNeeds fans the needs out in parallel and collects whatever
// succeeded, keyed by tool name. Failures are logged and omitted.
func (o *Orchestrator) resolveNeeds(ctx context.Context, sessionID string, needs []Need) map[string]any {
	data := make(map[string]any, len(needs))
	if len(needs) == 0 {
		return data
	}

	ch := make(chan needOutput, len(needs))
	for i, need := range needs {
		go func(i int, need Need) {
			needCtx, cancel := context.WithTimeout(ctx, o.opts.NeedTimeout)
			defer cancel()
			result, err := o.exec.Execute(needCtx, need.Tool, need.Params, executor.CallContext{
				IdempotencyKey: fmt.Sprintf("need:%s:%d", sessionID, i),
			})
			ch <- needOutput{tool: need.Tool, result: result, err: err}
		}(i, need)
	}

	for range needs {
		out := <-ch
		if out.err != nil {
			o.logger.Warn("need resolution failed, omitting from bootstrap",
				zap.String("session_id", sessionID),
				zap.String("tool", out.tool),
				zap.Error(out.err),
			)
			continue
		}
		data[out.tool] = out.result
	}
	return data
}
