// Package focus implements the connection-service focus manager: a
// single-threaded arbiter of exclusive focus among calls owned by
// competing connection-service providers.
package focus

import (
	"context"
	"io"

	"github.com/davidleathers/dependable-call-exchange-backend/internal/domain/call"
)

// RequestCallback is invoked once a RequestFocus call has been resolved -
// either when a hand-off completes (voluntary release or forced timeout),
// or immediately when no hand-off is required. c is the focus call of the
// provider that now holds focus, which need not be the requesting call and
// is nil when none of that provider's calls qualifies. It may be invoked
// inline on the manager's worker goroutine; callbacks must not block.
type RequestCallback func(ctx context.Context, c call.Call)

// CallsManagerRequester is the boundary the focus manager calls back into
// when a provider that was told FocusLost has not acknowledged within the
// release timeout and must be torn down.
type CallsManagerRequester interface {
	// ReleaseConnectionService forcibly releases p. It is called once the
	// release timeout has elapsed without p acknowledging through its
	// FocusListener, just before focus moves to the pending request's
	// provider.
	ReleaseConnectionService(ctx context.Context, p call.Provider)
}

// CallsManagerListener is the boundary the calls manager invokes to tell
// the focus manager about calls it owns. The Manager implements this
// interface directly (listener.go) and is handed to the calls manager as
// the listener; calls that are external at the moment of notification are
// filtered there and never enqueued, so they never enter the registry.
// Implementations must not block the caller.
type CallsManagerListener interface {
	OnCallAdded(ctx context.Context, c call.Call)
	OnCallRemoved(ctx context.Context, c call.Call)
	OnCallStateChanged(ctx context.Context, c call.Call, oldState, newState call.State)
	OnExternalCallChanged(ctx context.Context, c call.Call, isExternal bool)
}

// AnomalyReporter receives reports of inconsistent or unexpected focus
// manager states detected at runtime. The manager reports one when a
// synchronous CurrentFocusCall read exceeds its bound and the anomaly flag
// is set; the report is made on the goroutine performing that read.
// Implementations must not block the caller.
type AnomalyReporter interface {
	ReportAnomaly(ctx context.Context, id, message string, details map[string]any)
}

// Dumper can render the manager's current state and recent focus-call
// history, primarily for diagnostics.
type Dumper interface {
	Dump(w io.Writer)
}
