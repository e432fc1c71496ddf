package focus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/davidleathers/dependable-call-exchange-backend/internal/domain/call"
	domainerrors "github.com/davidleathers/dependable-call-exchange-backend/internal/domain/errors"
	"github.com/davidleathers/dependable-call-exchange-backend/internal/infrastructure/config"
	"github.com/davidleathers/dependable-call-exchange-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/dependable-call-exchange-backend/internal/metrics"
)

// workerMarkerKey marks a context as originating from the manager's own
// worker goroutine. It is the idiomatic-Go stand-in for a
// Thread.currentThread() reentrancy check: callbacks invoked inline by the
// worker (request callbacks, provider notifications) are given a context
// carrying this marker, so a synchronous read made from inside one of them
// can detect it would otherwise deadlock waiting on its own queue.
type workerMarkerKey struct{}

func withWorkerMarker(ctx context.Context) context.Context {
	return context.WithValue(ctx, workerMarkerKey{}, true)
}

func isFromWorker(ctx context.Context) bool {
	v, _ := ctx.Value(workerMarkerKey{}).(bool)
	return v
}

// pendingRequest is the single outstanding RequestFocus awaiting either a
// voluntary release from the prior provider or the forced-release timeout.
type pendingRequest struct {
	call     call.Call
	callback RequestCallback
	armedAt  time.Time
}

// providerSnapshot and focusSnapshot are the values published to the
// manager's lock-free read paths. They are immutable once constructed, so
// publishing a new *T via atomic.Pointer[T].Store is all the
// synchronization CurrentFocusProvider and the lastObserved fallback need.
type providerSnapshot struct {
	provider call.Provider
}

type focusSnapshot struct {
	call call.Call
}

// Manager is the connection-service focus manager. It owns a single
// worker goroutine that serializes every state transition; all exported
// methods communicate with that goroutine over an event queue rather than
// mutating shared state directly.
type Manager struct {
	cfg    config.FocusConfig
	logger *telemetry.LoggerWithTrace
	tracer telemetry.TracerInterface
	metric *metrics.Registry

	anomalyReporter AnomalyReporter
	callsManager    CallsManagerRequester

	queue chan event

	// currentProvider is read both from the worker (authoritative) and
	// off-thread via CurrentFocusProvider (the spec's deliberately
	// unsynchronized read: possibly stale if read concurrently with a
	// hand-off, but never a torn or invalid value).
	currentProvider atomic.Pointer[providerSnapshot]

	// lastObserved backs the timeout fallback of CurrentFocusCall: the
	// most recently computed focus call, published every time the worker
	// recomputes it.
	lastObserved atomic.Pointer[focusSnapshot]

	// The remaining fields are owned exclusively by the worker goroutine.
	// They are never read or written from any other goroutine.
	registry          *callRegistry
	currentFocusCall  call.Call
	pendingReq        *pendingRequest
	listenerAdapter   call.FocusListener
	providerListeners map[string]bool // providers with the listener adapter installed

	releaseTimer  *time.Timer
	armedToken    uint64
	nextToken     uint64

	history *history

	stopped chan struct{}
	once    sync.Once
}

// NewManager constructs a focus manager and starts its worker goroutine.
// Stop must be called to release the worker when the manager is no longer
// needed.
func NewManager(
	cfg config.FocusConfig,
	logger *slog.Logger,
	tracer telemetry.TracerInterface,
	metricRegistry *metrics.Registry,
	anomalyReporter AnomalyReporter,
	callsManager CallsManagerRequester,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:               cfg,
		logger:            telemetry.NewLoggerWithTrace(logger),
		tracer:            tracer,
		metric:            metricRegistry,
		anomalyReporter:   anomalyReporter,
		callsManager:      callsManager,
		queue:             make(chan event, cfg.EventQueueSize),
		registry:          newCallRegistry(),
		providerListeners: make(map[string]bool),
		history:           newHistory(cfg.HistorySize),
		stopped:           make(chan struct{}),
	}
	m.listenerAdapter = &focusListenerAdapter{m: m}

	go m.run()
	return m
}

// Stop terminates the worker goroutine. Safe to call multiple times.
func (m *Manager) Stop() {
	m.once.Do(func() {
		close(m.stopped)
	})
}

func (m *Manager) enqueue(e event) {
	select {
	case m.queue <- e:
	case <-m.stopped:
	}
}

// RequestFocus asks the manager to grant the requesting call connection-
// service focus. callback fires once the request is resolved - possibly
// synchronously if no hand-off is required. A request that the manager has
// not processed before Stop is dropped, and its callback never fires.
func (m *Manager) RequestFocus(ctx context.Context, c call.Call, callback RequestCallback) {
	m.enqueue(requestFocusEvent{call: c, callback: callback})
}

// ReleaseConnectionFocus is called by a provider to voluntarily give up
// focus, acknowledging a prior FocusLost notification.
func (m *Manager) ReleaseConnectionFocus(ctx context.Context, p call.Provider) {
	m.enqueue(releaseConnectionFocusEvent{provider: p})
}

// ConnectionServiceDeath notifies the manager that p has died.
func (m *Manager) ConnectionServiceDeath(ctx context.Context, p call.Provider) {
	m.enqueue(connectionServiceDeathEvent{provider: p})
}

// AddCall registers a new call with the manager.
func (m *Manager) AddCall(ctx context.Context, c call.Call) {
	m.enqueue(addCallEvent{call: c})
}

// RemoveCall unregisters a call the manager was tracking.
func (m *Manager) RemoveCall(ctx context.Context, c call.Call) {
	m.enqueue(removeCallEvent{call: c})
}

// CallStateChanged notifies the manager a tracked call's state changed,
// which may require recomputing the current focus call.
func (m *Manager) CallStateChanged(ctx context.Context, c call.Call, oldState, newState call.State) {
	m.enqueue(callStateChangedEvent{call: c, oldState: oldState, newState: newState})
}

// CurrentFocusProvider returns the provider the manager believes currently
// holds focus. This read is deliberately unsynchronized with the event
// stream: it is memory-safe (backed by an atomic pointer) but may return a
// value that is already stale if a hand-off is in flight. Callers needing
// a point-in-time-consistent answer should use CurrentFocusCall instead.
func (m *Manager) CurrentFocusProvider() call.Provider {
	snap := m.currentProvider.Load()
	if snap == nil {
		return nil
	}
	return snap.provider
}

// CurrentFocusCall returns the call that currently holds focus, blocking
// until the worker goroutine can answer consistently or until the
// configured sync-read timeout elapses, whichever comes first. If called
// from inside a callback the worker itself invoked (detected via ctx), it
// answers immediately from the last-observed snapshot instead of
// enqueuing a query - enqueuing would deadlock waiting on a queue only the
// worker drains, and the worker is presently blocked running this call.
func (m *Manager) CurrentFocusCall(ctx context.Context) call.Call {
	if isFromWorker(ctx) {
		snap := m.lastObserved.Load()
		if snap == nil {
			return nil
		}
		return snap.call
	}

	resultCh := make(chan call.Call, 1)
	m.enqueue(queryEvent{resultCh: resultCh})

	timeout := m.cfg.SyncReadTimeout
	if timeout <= 0 {
		timeout = 1000 * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-resultCh:
		return c
	case <-timer.C:
		if m.metric != nil {
			m.metric.SyncReadTimeouts.Add(ctx, 1)
		}
		timeoutErr := domainerrors.NewTimeoutError("CurrentFocusCall")
		m.logger.Warn(ctx, "synchronous focus read timed out, falling back to last-observed value",
			"error", timeoutErr, "bound", timeout.String())
		if m.tracer != nil {
			span := m.tracer.GetSpan(ctx)
			m.tracer.RecordError(span, timeoutErr, "sync_read_timeout")
		}
		if m.cfg.AnomalyReportOnSync {
			m.recordAnomaly(ctx, "sync_read_timeout",
				"CurrentFocusCall exceeded its bound; returning last-observed value",
				map[string]any{"timeout": timeout.String()})
			var state strings.Builder
			m.Dump(&state)
			m.logger.Warn(ctx, "focus manager state at sync-read timeout", "dump", state.String())
		}
		snap := m.lastObserved.Load()
		if snap == nil {
			return nil
		}
		return snap.call
	case <-m.stopped:
		return nil
	}
}

// Dump renders the manager's current provider and recent focus-call history.
func (m *Manager) Dump(w io.Writer) {
	provider := m.CurrentFocusProvider()
	fmt.Fprintf(w, "focus manager state\n")
	if provider != nil {
		fmt.Fprintf(w, "  current provider: %s\n", provider.ComponentName())
	} else {
		fmt.Fprintf(w, "  current provider: <none>\n")
	}
	fmt.Fprintf(w, "Call Focus History:\n")
	m.history.writeTo(w)
}

// run is the manager's single worker goroutine. It is the only goroutine
// that ever touches currentFocusCall, pendingReq, registry, or the release
// timer, so none of that state needs locking.
func (m *Manager) run() {
	for {
		select {
		case e := <-m.queue:
			m.dispatch(e)
		case <-m.stopped:
			if m.releaseTimer != nil {
				m.releaseTimer.Stop()
			}
			return
		}
	}
}

func (m *Manager) dispatch(e event) {
	ctx := withWorkerMarker(context.Background())

	if m.metric != nil {
		m.metric.SetQueueDepth(len(m.queue))
	}

	start := call.Now()
	var spanCtx context.Context
	var endSpan func()
	if m.tracer != nil {
		sc, sp := telemetry.StartFocusEventSpan(ctx, m.tracer, e.kind())
		spanCtx = sc
		endSpan = func() {
			m.tracer.SetStatus(sp, codes.Ok, "")
			sp.End()
		}
		ctx = spanCtx
	} else {
		endSpan = func() {}
	}
	defer endSpan()

	switch ev := e.(type) {
	case requestFocusEvent:
		m.handleRequestFocus(ctx, ev)
	case releaseConnectionFocusEvent:
		m.handleReleaseConnectionFocus(ctx, ev)
	case releaseFocusTimeoutEvent:
		m.handleReleaseFocusTimeout(ctx, ev)
	case connectionServiceDeathEvent:
		m.handleConnectionServiceDeath(ctx, ev)
	case addCallEvent:
		m.handleAddCall(ctx, ev)
	case removeCallEvent:
		m.handleRemoveCall(ctx, ev)
	case callStateChangedEvent:
		m.handleCallStateChanged(ctx, ev)
	case queryEvent:
		ev.resultCh <- m.currentFocusCall
	}

	if m.metric != nil {
		m.metric.EventsProcessed.Add(ctx, 1)
		m.metric.EventDispatchLatency.Record(ctx, float64(call.Now().Sub(start).Microseconds()))
	}

	if m.tracer != nil {
		span := m.tracer.GetSpan(ctx)
		m.tracer.SetAttributes(span, map[string]interface{}{
			"focus.current_provider": providerLabel(m.CurrentFocusProvider()),
		})
	}
}

// ensureListener installs the manager's FocusListener on p the first time
// the manager sees it.
func (m *Manager) ensureListener(p call.Provider) {
	if p == nil {
		return
	}
	name := p.ComponentName()
	if m.providerListeners[name] {
		return
	}
	p.SetListener(m.listenerAdapter)
	m.providerListeners[name] = true
}

// publishProvider updates the lock-free provider snapshot read by
// CurrentFocusProvider.
func (m *Manager) publishProvider(p call.Provider) {
	m.currentProvider.Store(&providerSnapshot{provider: p})
}

// focusChangeEventKind is the history entry kind recorded whenever the
// computed focus call's identity actually changes - not on every
// dispatched event.
const focusChangeEventKind = "focus_call_changed"

// publishFocusCall updates both the worker-owned currentFocusCall field and
// the lock-free snapshot CurrentFocusCall falls back to on timeout. A
// history entry and a span event are recorded only when the focus call's
// identity actually changes: recomputeFocusCall is called far more often
// than the answer it produces actually differs.
func (m *Manager) publishFocusCall(ctx context.Context, c call.Call) {
	prev := m.currentFocusCall
	m.currentFocusCall = c
	m.lastObserved.Store(&focusSnapshot{call: c})

	if sameFocusCall(prev, c) {
		return
	}

	label := focusCallLabel(c)
	note := label
	if m.tracer != nil {
		span := m.tracer.GetSpan(ctx)
		traceID := m.tracer.GetTraceID(span)
		if traceID != "" {
			note = fmt.Sprintf("%s trace=%s span=%s", label, traceID, m.tracer.GetSpanID(span))
		}
		m.tracer.AddEvent(span, "focus_call_changed", map[string]interface{}{"focus.call_id": label})
	}
	m.history.record(focusChangeEventKind, note)
}

// sameFocusCall reports whether a and b identify the same focus call,
// treating two nils as equal (both mean "no focus call").
func sameFocusCall(a, b call.Call) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID() == b.ID()
}

// focusCallLabel renders c's id for history and tracing, or the literal
// "<none>" when the focus call is cleared.
func focusCallLabel(c call.Call) string {
	if c == nil {
		return "<none>"
	}
	return c.ID()
}

// providerLabel renders p's component name, or the literal "<none>" when
// no provider currently holds focus.
func providerLabel(p call.Provider) string {
	if p == nil {
		return "<none>"
	}
	return p.ComponentName()
}

func (m *Manager) recordAnomaly(ctx context.Context, id, message string, details map[string]any) {
	if m.anomalyReporter == nil {
		return
	}
	m.anomalyReporter.ReportAnomaly(ctx, id, message, details)
	if m.metric != nil {
		m.metric.AnomalyReports.Add(ctx, 1)
	}
}

type focusListenerAdapter struct {
	m *Manager
}

func (a *focusListenerAdapter) OnConnectionServiceReleased(ctx context.Context, p call.Provider) {
	a.m.enqueue(releaseConnectionFocusEvent{provider: p})
}

func (a *focusListenerAdapter) OnConnectionServiceDeath(ctx context.Context, p call.Provider) {
	a.m.enqueue(connectionServiceDeathEvent{provider: p})
}
