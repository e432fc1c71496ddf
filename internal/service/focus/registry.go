package focus

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/davidleathers/dependable-call-exchange-backend/internal/domain/call"
)

// callRegistry tracks the calls the manager currently knows about. It is
// owned exclusively by the worker goroutine - no locking - and pairs an
// order-preserving slice (for the oldest-call-wins tie-break rule) with a
// set for O(1) membership checks.
type callRegistry struct {
	order []call.Call
	seen  mapset.Set[call.Call]
}

func newCallRegistry() *callRegistry {
	return &callRegistry{
		seen: mapset.NewThreadUnsafeSet[call.Call](),
	}
}

func (r *callRegistry) add(c call.Call) {
	if r.seen.Contains(c) {
		return
	}
	r.seen.Add(c)
	r.order = append(r.order, c)
}

func (r *callRegistry) remove(c call.Call) {
	if !r.seen.Contains(c) {
		return
	}
	r.seen.Remove(c)
	for i, existing := range r.order {
		if existing == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *callRegistry) contains(c call.Call) bool {
	return r.seen.Contains(c)
}

func (r *callRegistry) len() int {
	return len(r.order)
}

// focusableCallsFor returns the tracked calls owned by p that are both
// focusable and in a priority state, in insertion order.
func (r *callRegistry) focusableCallsFor(p call.Provider) []call.Call {
	var out []call.Call
	for _, c := range r.order {
		if !call.SameProvider(c.Provider(), p) {
			continue
		}
		if !c.IsFocusable() || !call.IsPriorityState(c.State()) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// allFocusableCalls returns every tracked call eligible to hold focus, in
// insertion order, regardless of owning provider.
func (r *callRegistry) allFocusableCalls() []call.Call {
	var out []call.Call
	for _, c := range r.order {
		if c.IsFocusable() && call.IsPriorityState(c.State()) {
			out = append(out, c)
		}
	}
	return out
}
