// Package call defines the handles the focus manager arbitrates over:
// connection-service providers and the calls they own.
package call

import "context"

// State enumerates the lifecycle states a call may occupy. Only a subset
// (PriorityStates) are eligible to hold focus.
type State int

const (
	StateNew State = iota
	StateDialing
	StateRinging
	StateConnecting
	StateActive
	StateAudioProcessing
	StateHolding
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateAudioProcessing:
		return "audio_processing"
	case StateHolding:
		return "holding"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PriorityStates is the set of call states eligible to hold focus. A call
// outside this set can never become the current focus call, even if it is
// the only call belonging to the focused provider.
var PriorityStates = map[State]bool{
	StateActive:          true,
	StateConnecting:      true,
	StateDialing:         true,
	StateAudioProcessing: true,
	StateRinging:         true,
}

// IsPriorityState reports whether s is eligible to hold focus.
func IsPriorityState(s State) bool {
	return PriorityStates[s]
}

// Provider is an opaque handle identifying a connection-service. Providers
// are owned and mutated externally; the focus manager only reads them and
// drives them through FocusGained/FocusLost. Equality between providers is
// value-based on ComponentName, not pointer identity, since a provider may
// be represented by more than one handle across the collaborators that
// reference it.
type Provider interface {
	// FocusGained tells the provider it now holds connection-service focus.
	FocusGained(ctx context.Context)
	// FocusLost tells the provider to release focus. The provider is
	// expected to eventually acknowledge via its FocusListener.
	FocusLost(ctx context.Context)
	// SetListener installs the listener the provider uses to report
	// voluntary release and its own death back to the focus manager.
	SetListener(l FocusListener)
	// ComponentName identifies the provider; it is the basis for equality.
	ComponentName() string
}

// SameProvider reports whether a and b identify the same connection-service.
// A nil Provider is only equal to another nil Provider.
func SameProvider(a, b Provider) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ComponentName() == b.ComponentName()
}

// FocusListener is the interface the focus manager installs on every
// provider it has seen. A provider invokes it to acknowledge a requested
// release, or to report that it is dying.
type FocusListener interface {
	OnConnectionServiceReleased(ctx context.Context, p Provider)
	OnConnectionServiceDeath(ctx context.Context, p Provider)
}

// Call is an opaque handle for a single call owned by a Provider. Equality
// between calls is identity-based: two Call values are the same call iff
// they compare equal with ==, which holds for the shared-reference handles
// collaborators pass around (e.g. *SimpleCall).
type Call interface {
	Provider() Provider
	State() State
	IsFocusable() bool
	ID() string
	IsExternalCall() bool
}
