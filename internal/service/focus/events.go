package focus

import "github.com/davidleathers/dependable-call-exchange-backend/internal/domain/call"

// event is the sealed set of work items the worker goroutine consumes from
// its queue, one at a time, in FIFO order. Every public method on Manager
// that mutates state enqueues exactly one of these.
type event interface {
	kind() string
}

// requestFocusEvent carries a RequestFocus call. callback is invoked once
// the request has been resolved, which may be synchronous (no hand-off
// needed) or asynchronous (after the prior provider releases or times out).
type requestFocusEvent struct {
	call     call.Call
	callback RequestCallback
}

func (requestFocusEvent) kind() string { return "request_focus" }

// releaseConnectionFocusEvent is sent by a provider to voluntarily give up
// focus, acknowledging an earlier FocusLost notification.
type releaseConnectionFocusEvent struct {
	provider call.Provider
}

func (releaseConnectionFocusEvent) kind() string { return "release_connection_focus" }

// releaseFocusTimeoutEvent fires when the 5000ms forced-release timer
// elapses without a matching releaseConnectionFocusEvent. It deliberately
// carries only a token, not a snapshot of the pending request: the handler
// always acts on whatever request is pending when the timer fires, which is
// how an overwritten-but-not-reset timer ends up resolving the newest
// request rather than the one that originally armed it.
type releaseFocusTimeoutEvent struct {
	token uint64
}

func (releaseFocusTimeoutEvent) kind() string { return "release_focus_timeout" }

// connectionServiceDeathEvent is sent when a provider reports that it has
// died. If it held focus mid hand-off, no callback fires until the pending
// request's own timeout elapses; see handleConnectionServiceDeath in
// handlers.go.
type connectionServiceDeathEvent struct {
	provider call.Provider
}

func (connectionServiceDeathEvent) kind() string { return "connection_service_death" }

// addCallEvent registers a new call with the manager.
type addCallEvent struct {
	call call.Call
}

func (addCallEvent) kind() string { return "add_call" }

// removeCallEvent unregisters a call the manager was tracking.
type removeCallEvent struct {
	call call.Call
}

func (removeCallEvent) kind() string { return "remove_call" }

// callStateChangedEvent notifies the manager that a tracked call's
// lifecycle state changed, which may require recomputing the current
// focus call.
type callStateChangedEvent struct {
	call     call.Call
	oldState call.State
	newState call.State
}

func (callStateChangedEvent) kind() string { return "call_state_changed" }

// queryEvent is used internally by CurrentFocusCall to obtain a
// consistent read of currentFocusCall from the worker goroutine. resultCh
// is buffered with capacity 1 so the worker's send never blocks even if
// the reader has already given up and timed out.
type queryEvent struct {
	resultCh chan call.Call
}

func (queryEvent) kind() string { return "query" }
