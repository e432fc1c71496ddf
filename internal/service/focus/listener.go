package focus

import (
	"context"

	"github.com/davidleathers/dependable-call-exchange-backend/internal/domain/call"
	domainerrors "github.com/davidleathers/dependable-call-exchange-backend/internal/domain/errors"
)

// Manager implements CallsManagerListener: the boundary the calls-manager
// collaborator invokes directly, notifying the focus manager about calls
// it owns. A call that is external at the moment of notification is
// filtered here and never reaches the event queue, so it never enters the
// registry.
var _ CallsManagerListener = (*Manager)(nil)

// OnCallAdded implements CallsManagerListener.
func (m *Manager) OnCallAdded(ctx context.Context, c call.Call) {
	if c == nil {
		m.warnInvalidNotification(ctx, "on_call_added received a nil call")
		return
	}
	if c.IsExternalCall() {
		return
	}
	m.AddCall(ctx, c)
}

// OnCallRemoved implements CallsManagerListener.
func (m *Manager) OnCallRemoved(ctx context.Context, c call.Call) {
	if c == nil {
		m.warnInvalidNotification(ctx, "on_call_removed received a nil call")
		return
	}
	if c.IsExternalCall() {
		return
	}
	m.RemoveCall(ctx, c)
}

// OnCallStateChanged implements CallsManagerListener.
func (m *Manager) OnCallStateChanged(ctx context.Context, c call.Call, oldState, newState call.State) {
	if c == nil {
		m.warnInvalidNotification(ctx, "on_call_state_changed received a nil call")
		return
	}
	if c.IsExternalCall() {
		return
	}
	m.CallStateChanged(ctx, c, oldState, newState)
}

// OnExternalCallChanged implements CallsManagerListener. A call
// transitioning to external is treated as a removal - it must stop being
// tracked immediately, exactly as if it had never qualified for
// on_call_added. A call transitioning away from external is treated as an
// addition, exactly as if on_call_added had just fired for it.
func (m *Manager) OnExternalCallChanged(ctx context.Context, c call.Call, isExternal bool) {
	if c == nil {
		m.warnInvalidNotification(ctx, "on_external_call_changed received a nil call")
		return
	}
	if isExternal {
		m.RemoveCall(ctx, c)
		return
	}
	m.AddCall(ctx, c)
}

// warnInvalidNotification logs a validation error for a malformed
// notification from the calls-manager boundary. It never enqueues
// anything - there is no call to act on.
func (m *Manager) warnInvalidNotification(ctx context.Context, message string) {
	err := domainerrors.NewValidationError("NIL_CALL", message).
		WithDetails(map[string]interface{}{"boundary": "calls_manager_listener"})
	m.logger.Warn(ctx, err.Error())
}
