// Package broker implements the host-mediated tool broker: the security
// boundary between an untrusted, isolated UI and the host's tools. Each
// inbound request passes origin verification, the allowlist, and the
// idempotency cache before it may reach the injected executor; the
// reply travels back over the same session channel.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Shin0205go/mcp-tool-builder/internal/executor"
	"github.com/Shin0205go/mcp-tool-builder/internal/idempotency"
	"github.com/Shin0205go/mcp-tool-builder/internal/jobs"
	"github.com/Shin0205go/mcp-tool-builder/internal/protocol"
	"github.com/Shin0205go/mcp-tool-builder/internal/storage"
)

// Sender delivers outbound messages to the UI. Implementations must
// serialize sends per session so job progress stays ordered.
type Sender interface {
	Send(msg protocol.Message) error
}

// Deps are the collaborators injected into a broker instance.
type Deps struct {
	Executor executor.Executor
	Sender   Sender

	// LongRunning classifies tools dispatched as tracked jobs. Nil
	// uses SubstringClassifier(nil).
	LongRunning Classifier

	// Events receives audit events. Optional.
	Events storage.EventWriter

	Logger    *zap.Logger
	SessionID string
}

// ErrClosed is returned by Bootstrap after Close.
var ErrClosed = errors.New("broker closed")

// Broker orchestrates one UI session. All mutable shared state (the
// idempotency cache, the job manager, the in-flight table) is owned by
// the instance and mutated only through its handlers.
type Broker struct {
	cfg      Config
	origin   *OriginVerifier
	allow    *Allowlist
	idem     *idempotency.Cache // nil when disabled
	jobs     *jobs.Manager
	exec     executor.Executor
	sender   Sender
	classify Classifier
	events   storage.EventWriter
	logger   *zap.Logger
	session  string

	mu            sync.Mutex
	inflight      map[string]*inflightCall
	activeJobs    map[string]string // requestID -> jobID
	pending       []protocol.Message
	bootstrapping bool
	ready         bool
	closed        bool
}

// inflightCall coalesces duplicate requests for one request id. Fields
// are written before done is closed and read only after.
type inflightCall struct {
	done      chan struct{}
	result    any
	errDetail *protocol.ErrorDetail
}

// New creates a broker for one session. cfg must pass Validate; deps
// must carry an executor, a sender, and a logger.
func New(cfg Config, deps Deps) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Executor == nil {
		return nil, errors.New("broker: executor is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("broker: sender is required")
	}
	if deps.Logger == nil {
		return nil, errors.New("broker: logger is required")
	}
	classify := deps.LongRunning
	if classify == nil {
		classify = SubstringClassifier(nil)
	}

	b := &Broker{
		cfg:        cfg,
		origin:     NewOriginVerifier(cfg.TrustedOrigin, deps.Logger),
		allow:      NewAllowlist(cfg.AllowedTools),
		jobs:       jobs.NewManager(cfg.MaxConcurrentJobs, deps.Logger),
		exec:       deps.Executor,
		sender:     deps.Sender,
		classify:   classify,
		events:     deps.Events,
		logger:     deps.Logger,
		session:    deps.SessionID,
		inflight:   make(map[string]*inflightCall),
		activeJobs: make(map[string]string),
	}
	if cfg.IdempotencyEnabled {
		b.idem = idempotency.New(cfg.IdempotencyTTL)
	}
	return b, nil
}

// HandleEnvelope processes one inbound message. Origin mismatches are
// dropped with no reply; messages arriving before Bootstrap are
// buffered and drained after it.
func (b *Broker) HandleEnvelope(env protocol.Envelope) {
	if !b.origin.Verify(env.Origin) {
		b.audit(&storage.BrokerEvent{
			RequestID: env.Msg.RequestID,
			ToolName:  env.Msg.Tool,
			Origin:    env.Origin,
			Outcome:   storage.OutcomeOriginRejected,
		})
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if !b.ready {
		b.pending = append(b.pending, env.Msg)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.dispatch(env.Msg)
}

// Bootstrap sends the one-time bootstrap message and releases any
// buffered invocations. Must be called exactly once per session.
// Messages arriving while the bootstrap frame is still in flight stay
// buffered: nothing is dispatched until the frame is on the wire, so
// no reply can ever precede it.
func (b *Broker) Bootstrap(data map[string]any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.bootstrapping {
		b.mu.Unlock()
		return errors.New("bootstrap already sent")
	}
	b.bootstrapping = true
	b.mu.Unlock()

	if err := b.sender.Send(protocol.Bootstrap(data)); err != nil {
		b.mu.Lock()
		b.bootstrapping = false
		b.mu.Unlock()
		return fmt.Errorf("send bootstrap: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.ready = true
	buffered := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, msg := range buffered {
		b.dispatch(msg)
	}
	return nil
}

// Cancel signals the cancellation token of a tracked job. The UI always
// receives a terminal job.error(CANCELLED) once cancellation is
// requested, whether or not the executor observes the signal promptly.
func (b *Broker) Cancel(jobID string) bool {
	return b.jobs.Cancel(jobID)
}

// ActiveJobs returns the ids of in-flight jobs on this session.
func (b *Broker) ActiveJobs() []string {
	return b.jobs.Active()
}

// Close tears the session down: buffered messages are discarded, new
// ones ignored, and every active job is cancelled. Idempotent.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.pending = nil
	b.mu.Unlock()

	b.jobs.CancelAll()
}

func (b *Broker) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeToolInvoke:
		b.handleInvoke(msg)
	default:
		// Forward compatibility: never reject unknown inbound types.
		b.logger.Debug("ignoring inbound message", zap.String("type", msg.Type))
	}
}

func (b *Broker) handleInvoke(msg protocol.Message) {
	start := time.Now()

	if msg.RequestID == "" || msg.Tool == "" {
		b.logger.Debug("dropping malformed invoke",
			zap.String("request_id", msg.RequestID),
			zap.String("tool", msg.Tool),
		)
		return
	}

	if !b.allow.Allowed(msg.Tool) {
		b.send(protocol.ToolError(msg.RequestID, &protocol.ErrorDetail{
			Code:    protocol.CodeToolNotAllowed,
			Message: fmt.Sprintf("tool %q is not allowed for this session", msg.Tool),
			Details: map[string]any{"allowedTools": b.allow.Names()},
		}))
		b.audit(&storage.BrokerEvent{
			RequestID: msg.RequestID,
			ToolName:  msg.Tool,
			Origin:    b.cfg.TrustedOrigin,
			OriginOK:  true,
			Outcome:   storage.OutcomeDenied,
			ErrorCode: protocol.CodeToolNotAllowed,
		})
		return
	}

	// Replays of a completed request return the original result
	// without re-invoking the executor. Checked only after the
	// allowlist: a disallowed tool is never satisfied from cache.
	if b.idem != nil {
		if cached, ok := b.idem.Get(msg.RequestID); ok {
			b.send(protocol.ToolResult(msg.RequestID, cached))
			b.audit(&storage.BrokerEvent{
				RequestID:  msg.RequestID,
				ToolName:   msg.Tool,
				Origin:     b.cfg.TrustedOrigin,
				OriginOK:   true,
				Outcome:    storage.OutcomeCacheHit,
				DurationMs: sinceMs(start),
			})
			return
		}
	}

	if b.classify(msg.Tool) {
		b.handleJob(msg, start)
		return
	}
	b.handleSimple(msg, start)
}

// handleSimple runs the execute-and-reply-once path. Duplicate requests
// arriving while the first is still executing attach to the same
// in-flight call and reply with its result; the executor runs at most
// once per request id.
func (b *Broker) handleSimple(msg protocol.Message, start time.Time) {
	b.mu.Lock()
	if call, ok := b.inflight[msg.RequestID]; ok {
		b.mu.Unlock()
		go func() {
			<-call.done
			b.replyCall(msg.RequestID, call)
		}()
		return
	}
	call := &inflightCall{done: make(chan struct{})}
	b.inflight[msg.RequestID] = call
	b.mu.Unlock()

	go b.execute(msg, call, start)
}

type executeResult struct {
	value any
	err   error
}

func (b *Broker) execute(msg protocol.Message, call *inflightCall, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
	defer cancel()

	inner := make(chan executeResult, 1)
	go func() {
		value, err := b.exec.Execute(ctx, msg.Tool, msg.Params, executor.CallContext{
			IdempotencyKey: msg.RequestID,
		})
		inner <- executeResult{value: value, err: err}
	}()

	outcome := storage.OutcomeResult
	select {
	case res := <-inner:
		switch {
		case res.err == nil:
			if b.idem != nil {
				b.idem.Set(msg.RequestID, res.value)
			}
			call.result = res.value
		case errors.Is(res.err, context.DeadlineExceeded):
			outcome = storage.OutcomeTimeout
			call.errDetail = timeoutDetail(msg.Tool)
		case errors.Is(res.err, executor.ErrInvalidParams):
			outcome = storage.OutcomeError
			call.errDetail = &protocol.ErrorDetail{
				Code:    protocol.CodeInvalidParams,
				Message: res.err.Error(),
				Details: map[string]any{"tool": msg.Tool},
			}
		default:
			// Only the message string crosses the boundary; internal
			// error chains stay on the host.
			outcome = storage.OutcomeError
			call.errDetail = &protocol.ErrorDetail{
				Code:    protocol.CodeExecutionError,
				Message: res.err.Error(),
				Details: map[string]any{"tool": msg.Tool, "params": msg.Params},
			}
		}
	case <-ctx.Done():
		// The executor has not settled; it is not guaranteed to have
		// stopped. Best-effort only.
		outcome = storage.OutcomeTimeout
		call.errDetail = timeoutDetail(msg.Tool)
	}

	b.mu.Lock()
	delete(b.inflight, msg.RequestID)
	close(call.done)
	b.mu.Unlock()

	b.replyCall(msg.RequestID, call)
	b.audit(&storage.BrokerEvent{
		RequestID:  msg.RequestID,
		ToolName:   msg.Tool,
		Origin:     b.cfg.TrustedOrigin,
		OriginOK:   true,
		Outcome:    outcome,
		ErrorCode:  errCode(call.errDetail),
		DurationMs: sinceMs(start),
	})
}

func (b *Broker) replyCall(requestID string, call *inflightCall) {
	if call.errDetail != nil {
		b.send(protocol.ToolError(requestID, call.errDetail))
		return
	}
	b.send(protocol.ToolResult(requestID, call.result))
}

// handleJob dispatches a long-running invocation: one job.start, zero
// or more job.progress, exactly one terminal job.done/job.error.
func (b *Broker) handleJob(msg protocol.Message, start time.Time) {
	b.mu.Lock()
	if jobID, ok := b.activeJobs[msg.RequestID]; ok {
		b.mu.Unlock()
		// Duplicate of a still-running job: point the UI back at the
		// existing stream, never dispatch a second execution.
		b.send(protocol.JobStart(msg.RequestID, jobID))
		return
	}
	b.mu.Unlock()

	jobID := uuid.New().String()

	// job.start must precede the first progress message.
	startGate := make(chan struct{})
	onProgress := func(progress int, note string) {
		<-startGate
		b.send(protocol.JobProgress(jobID, progress, note))
	}
	fn := func(ctx context.Context, report func(int, string)) (any, error) {
		return b.exec.Execute(ctx, msg.Tool, msg.Params, executor.CallContext{
			IdempotencyKey: msg.RequestID,
			Report:         report,
		})
	}

	resCh, err := b.jobs.Start(jobID, msg.RequestID, fn, onProgress)
	if err != nil {
		close(startGate)
		code := protocol.CodeJobLimitReached
		if errors.Is(err, jobs.ErrAlreadyRunning) {
			code = protocol.CodeAlreadyRunning
		}
		b.send(protocol.ToolError(msg.RequestID, &protocol.ErrorDetail{
			Code:    code,
			Message: err.Error(),
			Details: map[string]any{"tool": msg.Tool},
		}))
		b.audit(&storage.BrokerEvent{
			RequestID: msg.RequestID,
			ToolName:  msg.Tool,
			Origin:    b.cfg.TrustedOrigin,
			OriginOK:  true,
			Outcome:   storage.OutcomeJobRejected,
			ErrorCode: code,
		})
		return
	}

	b.mu.Lock()
	b.activeJobs[msg.RequestID] = jobID
	b.mu.Unlock()

	b.send(protocol.JobStart(msg.RequestID, jobID))
	close(startGate)
	b.audit(&storage.BrokerEvent{
		RequestID: msg.RequestID,
		JobID:     jobID,
		ToolName:  msg.Tool,
		Origin:    b.cfg.TrustedOrigin,
		OriginOK:  true,
		Outcome:   storage.OutcomeJobStarted,
	})

	go b.awaitJob(msg, jobID, resCh, start)
}

func (b *Broker) awaitJob(msg protocol.Message, jobID string, resCh <-chan jobs.Result, start time.Time) {
	res := <-resCh

	b.mu.Lock()
	delete(b.activeJobs, msg.RequestID)
	b.mu.Unlock()

	event := &storage.BrokerEvent{
		RequestID:  msg.RequestID,
		JobID:      jobID,
		ToolName:   msg.Tool,
		Origin:     b.cfg.TrustedOrigin,
		OriginOK:   true,
		DurationMs: sinceMs(start),
	}

	switch {
	case res.Err == nil:
		if b.idem != nil {
			b.idem.Set(msg.RequestID, res.Value)
		}
		b.send(protocol.JobDone(jobID, res.Value))
		event.Outcome = storage.OutcomeJobDone
	case errors.Is(res.Err, context.Canceled):
		b.send(protocol.JobError(jobID, &protocol.ErrorDetail{
			Code:    protocol.CodeCancelled,
			Message: "job cancelled",
		}))
		event.Outcome = storage.OutcomeJobCancelled
		event.ErrorCode = protocol.CodeCancelled
	default:
		b.send(protocol.JobError(jobID, &protocol.ErrorDetail{
			Code:    protocol.CodeExecutionError,
			Message: res.Err.Error(),
			Details: map[string]any{"tool": msg.Tool},
		}))
		event.Outcome = storage.OutcomeJobError
		event.ErrorCode = protocol.CodeExecutionError
	}

	b.audit(event)
}

func (b *Broker) send(msg protocol.Message) {
	if err := b.sender.Send(msg); err != nil {
		b.logger.Warn("outbound send failed",
			zap.String("type", msg.Type),
			zap.Error(err),
		)
	}
}

func (b *Broker) audit(event *storage.BrokerEvent) {
	if b.events == nil {
		return
	}
	event.EventID = uuid.New().String()
	event.SessionID = b.session
	event.Timestamp = time.Now()
	b.events.Write(event)
}

func timeoutDetail(tool string) *protocol.ErrorDetail {
	return &protocol.ErrorDetail{
		Code:    protocol.CodeTimeout,
		Message: "request timed out",
		Details: map[string]any{"tool": tool},
	}
}

func errCode(detail *protocol.ErrorDetail) string {
	if detail == nil {
		return ""
	}
	return detail.Code
}

func sinceMs(start time.Time) float32 {
	return float32(float64(time.Since(start)) / float64(time.Millisecond))
}
