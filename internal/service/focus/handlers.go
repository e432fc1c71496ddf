package focus

import (
	"context"
	"time"

	"github.com/davidleathers/dependable-call-exchange-backend/internal/domain/call"
)

// handleRequestFocus implements RequestFocus. Three cases:
//
//  1. No provider currently holds focus: grant immediately.
//  2. The requesting call's provider already holds focus: no hand-off
//     needed, just recompute the focus call and resolve synchronously.
//  3. A different provider holds focus: a hand-off is required. The prior
//     provider is asked to release, and the request becomes pending until
//     it acknowledges or the release timeout fires.
func (m *Manager) handleRequestFocus(ctx context.Context, ev requestFocusEvent) {
	m.ensureListener(ev.call.Provider())
	m.registry.add(ev.call)

	current := m.CurrentFocusProvider()

	if current == nil {
		m.grantFocus(ctx, ev.call, ev.callback)
		return
	}

	if call.SameProvider(current, ev.call.Provider()) {
		m.recomputeFocusCall(ctx, current)
		if ev.callback != nil {
			ev.callback(ctx, m.currentFocusCall)
		}
		return
	}

	// Hand-off required. Overwriting an existing pending request does NOT
	// rearm the release timer - the prior timer, whenever it fires, will
	// read whatever request is pending at that time, which is this one.
	alreadyPending := m.pendingReq != nil
	armedAt := call.Now()
	if alreadyPending {
		armedAt = m.pendingReq.armedAt
	}
	m.pendingReq = &pendingRequest{call: ev.call, callback: ev.callback, armedAt: armedAt}

	if !alreadyPending {
		current.FocusLost(withWorkerMarker(ctx))
		m.armReleaseTimer()
		if m.metric != nil {
			m.metric.HandoffsStarted.Add(ctx, 1)
		}
	}
}

// grantFocus makes call's provider the current focus holder with no
// hand-off required.
func (m *Manager) grantFocus(ctx context.Context, c call.Call, callback RequestCallback) {
	p := c.Provider()
	m.publishProvider(p)
	p.FocusGained(withWorkerMarker(ctx))
	m.recomputeFocusCall(ctx, p)
	if callback != nil {
		callback(ctx, m.currentFocusCall)
	}
}

// armReleaseTimer (re)starts the release-timeout timer under a fresh
// token, stopping any timer already running.
func (m *Manager) armReleaseTimer() {
	if m.releaseTimer != nil {
		m.releaseTimer.Stop()
	}
	m.nextToken++
	token := m.nextToken
	m.armedToken = token

	timeout := m.cfg.ReleaseTimeout
	if timeout <= 0 {
		timeout = 5000 * time.Millisecond
	}
	m.releaseTimer = time.AfterFunc(timeout, func() {
		m.enqueue(releaseFocusTimeoutEvent{token: token})
	})
}

// completeHandoff resolves the pending request in favor of its call's
// provider: the new provider gains focus, the old provider's listener
// registration is left intact (it may still be torn down independently),
// and the request's callback fires.
func (m *Manager) completeHandoff(ctx context.Context, timedOut bool) {
	pending := m.pendingReq
	if pending == nil {
		return
	}
	m.pendingReq = nil
	if m.releaseTimer != nil {
		m.releaseTimer.Stop()
	}

	if timedOut {
		// The outgoing provider never acknowledged focus_lost; force its
		// teardown through the calls manager before handing focus onward.
		if outgoing := m.CurrentFocusProvider(); outgoing != nil {
			m.callsManager.ReleaseConnectionService(ctx, outgoing)
		}
	}

	newProvider := pending.call.Provider()
	m.ensureListener(newProvider)
	m.publishProvider(newProvider)
	m.recomputeFocusCall(ctx, newProvider)
	newProvider.FocusGained(withWorkerMarker(ctx))

	if m.metric != nil {
		if timedOut {
			m.metric.HandoffsTimedOut.Add(ctx, 1)
		} else {
			m.metric.HandoffsReleased.Add(ctx, 1)
		}
		m.metric.RecordHandoffDuration(ctx, call.Now().Sub(pending.armedAt))
	}

	if pending.callback != nil {
		pending.callback(ctx, m.currentFocusCall)
	}
}

// handleReleaseConnectionFocus implements ReleaseConnectionFocus: a
// provider acknowledging that it has released focus. A stray or late
// acknowledgement from any provider other than the current holder is
// ignored. If the current holder releases with a hand-off in flight, the
// hand-off completes; with none in flight, no provider holds focus
// afterwards and the focus call is cleared.
func (m *Manager) handleReleaseConnectionFocus(ctx context.Context, ev releaseConnectionFocusEvent) {
	current := m.CurrentFocusProvider()
	if !call.SameProvider(current, ev.provider) {
		return
	}
	if m.pendingReq == nil {
		m.publishProvider(nil)
		m.publishFocusCall(ctx, nil)
		return
	}
	m.completeHandoff(ctx, false)
}

// handleReleaseFocusTimeout implements ReleaseFocusTimeout. It deliberately
// reads m.pendingReq rather than any value carried on the event: if the
// pending request was overwritten after this timer was armed, the timer
// still fires on schedule and forces completion of whichever request is
// pending now. A token mismatch means a newer timer has since superseded
// this one (the hand-off already completed through some other path), so
// this firing is stale and is ignored.
func (m *Manager) handleReleaseFocusTimeout(ctx context.Context, ev releaseFocusTimeoutEvent) {
	if ev.token != m.armedToken {
		return
	}
	if m.pendingReq == nil {
		return
	}
	m.completeHandoff(ctx, true)
}

// handleConnectionServiceDeath implements ConnectionServiceDeath. The dying
// provider's tracked calls that are focusable and in a priority state are
// dropped immediately regardless of its role; its other tracked calls stay
// registered. If it was the current holder, focus is cleared outright. If a
// hand-off was in flight, no callback fires here: the pending request is
// left untouched and is only resolved when the release timeout elapses.
func (m *Manager) handleConnectionServiceDeath(ctx context.Context, ev connectionServiceDeathEvent) {
	for _, c := range m.registry.allFocusableCalls() {
		if call.SameProvider(c.Provider(), ev.provider) {
			m.registry.remove(c)
		}
	}
	delete(m.providerListeners, ev.provider.ComponentName())

	current := m.CurrentFocusProvider()
	if !call.SameProvider(current, ev.provider) {
		return
	}

	// A hand-off already in flight stays pending; the release timer
	// resolves it.
	m.publishProvider(nil)
	m.publishFocusCall(ctx, nil)
}

func (m *Manager) handleAddCall(ctx context.Context, ev addCallEvent) {
	m.registry.add(ev.call)
	m.maybeRecompute(ctx, ev.call.Provider())
}

func (m *Manager) handleRemoveCall(ctx context.Context, ev removeCallEvent) {
	m.registry.remove(ev.call)
	m.maybeRecompute(ctx, ev.call.Provider())
}

func (m *Manager) handleCallStateChanged(ctx context.Context, ev callStateChangedEvent) {
	m.maybeRecompute(ctx, ev.call.Provider())
}

// maybeRecompute refreshes currentFocusCall when the affected provider is
// the current focus holder. During a hand-off the current holder is still
// the outgoing provider, so changes to its calls are reflected until the
// hand-off resolves.
func (m *Manager) maybeRecompute(ctx context.Context, p call.Provider) {
	current := m.CurrentFocusProvider()
	if current == nil {
		return
	}
	if call.SameProvider(current, p) {
		m.recomputeFocusCall(ctx, current)
	}
}

// recomputeFocusCall selects the focus call for provider: the
// earliest-added tracked call that is both focusable and in a priority
// state. If none qualifies, the focus call becomes nil even though the
// provider continues to hold focus - a provider can hold focus with no
// currently-eligible call, for instance between a dialing call answering
// and its own state settling.
func (m *Manager) recomputeFocusCall(ctx context.Context, p call.Provider) {
	candidates := m.registry.focusableCallsFor(p)
	if len(candidates) == 0 {
		m.publishFocusCall(ctx, nil)
		return
	}
	m.publishFocusCall(ctx, candidates[0])
}
