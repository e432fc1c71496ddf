package focus

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/dependable-call-exchange-backend/internal/domain/call"
	"github.com/davidleathers/dependable-call-exchange-backend/internal/infrastructure/config"
	"github.com/davidleathers/dependable-call-exchange-backend/internal/testutil"
)

// MockCallsManager mocks CallsManagerRequester.
type MockCallsManager struct {
	mock.Mock
}

func (m *MockCallsManager) ReleaseConnectionService(ctx context.Context, p call.Provider) {
	m.Called(ctx, p)
}

// MockAnomalyReporter mocks AnomalyReporter.
type MockAnomalyReporter struct {
	mock.Mock
	mu     sync.Mutex
	events []string
}

func (m *MockAnomalyReporter) ReportAnomaly(ctx context.Context, id, message string, details map[string]any) {
	m.mu.Lock()
	m.events = append(m.events, id)
	m.mu.Unlock()
	m.Called(ctx, id, message, details)
}

func testConfig() config.FocusConfig {
	return config.FocusConfig{
		ReleaseTimeout:  50 * time.Millisecond,
		SyncReadTimeout: 200 * time.Millisecond,
		HistorySize:     20,
		EventQueueSize:  16,
	}
}

func newTestManager(t *testing.T, cm CallsManagerRequester, ar AnomalyReporter) *Manager {
	t.Helper()
	return newTestManagerWithConfig(t, cm, ar, testConfig())
}

func newTestManagerWithConfig(t *testing.T, cm CallsManagerRequester, ar AnomalyReporter, cfg config.FocusConfig) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
	m := NewManager(cfg, logger, nil, nil, ar, cm)
	t.Cleanup(m.Stop)
	return m
}

// blockingProvider blocks FocusGained until released, used to wedge the
// worker goroutine mid-dispatch so a concurrent CurrentFocusCall read
// exercises the synchronous-read timeout fallback.
type blockingProvider struct {
	*call.SimpleProvider
	release chan struct{}
}

func newBlockingProvider(name string) *blockingProvider {
	return &blockingProvider{
		SimpleProvider: call.NewSimpleProvider(name),
		release:        make(chan struct{}),
	}
}

func (p *blockingProvider) FocusGained(ctx context.Context) {
	<-p.release
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func waitForCallback(t *testing.T, ch <-chan call.Call) call.Call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
		return nil
	}
}

func TestRequestFocus_GrantsImmediatelyWhenIdle(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)

	p := call.NewSimpleProvider("com.example/A")
	c := call.NewSimpleCall("call-1", p, call.StateDialing, true)

	resultCh := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), c, func(ctx context.Context, granted call.Call) {
		resultCh <- granted
	})

	got := waitForCallback(t, resultCh)
	require.NotNil(t, got)
	assert.Equal(t, "call-1", got.ID())
	assert.True(t, call.SameProvider(p, m.CurrentFocusProvider()))
	cm.AssertNotCalled(t, "ReleaseConnectionService", mock.Anything, mock.Anything)
}

func TestRequestFocus_SameProviderResolvesWithoutHandoff(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)

	p := call.NewSimpleProvider("com.example/A")
	first := call.NewSimpleCall("call-1", p, call.StateDialing, true)
	second := call.NewSimpleCall("call-2", p, call.StateActive, true)

	ch1 := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), first, func(ctx context.Context, c call.Call) { ch1 <- c })
	waitForCallback(t, ch1)

	ch2 := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), second, func(ctx context.Context, c call.Call) { ch2 <- c })
	got := waitForCallback(t, ch2)

	require.NotNil(t, got)
	assert.Equal(t, "call-1", got.ID(), "earliest-added focusable call wins the tie-break")
	cm.AssertNotCalled(t, "ReleaseConnectionService", mock.Anything, mock.Anything)
}

func TestRequestFocus_CrossProviderHandoffViaVoluntaryRelease(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)

	providerA := call.NewSimpleProvider("com.example/A")
	providerB := call.NewSimpleProvider("com.example/B")
	callA := call.NewSimpleCall("call-a", providerA, call.StateActive, true)
	callB := call.NewSimpleCall("call-b", providerB, call.StateDialing, true)

	chA := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), callA, func(ctx context.Context, c call.Call) { chA <- c })
	waitForCallback(t, chA)

	chB := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), callB, func(ctx context.Context, c call.Call) { chB <- c })

	// Provider A voluntarily releases before the timeout fires.
	m.ReleaseConnectionFocus(context.Background(), providerA)

	got := waitForCallback(t, chB)
	require.NotNil(t, got)
	assert.Equal(t, "call-b", got.ID())
	assert.True(t, call.SameProvider(providerB, m.CurrentFocusProvider()))
	cm.AssertNotCalled(t, "ReleaseConnectionService", mock.Anything, mock.Anything)
}

func TestRequestFocus_ForcedReleaseAfterTimeout(t *testing.T) {
	cm := new(MockCallsManager)
	cm.On("ReleaseConnectionService", mock.Anything, mock.Anything).Return()
	m := newTestManager(t, cm, nil)

	providerA := call.NewSimpleProvider("com.example/A")
	providerB := call.NewSimpleProvider("com.example/B")
	callA := call.NewSimpleCall("call-a", providerA, call.StateActive, true)
	callB := call.NewSimpleCall("call-b", providerB, call.StateDialing, true)

	chA := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), callA, func(ctx context.Context, c call.Call) { chA <- c })
	waitForCallback(t, chA)

	chB := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), callB, func(ctx context.Context, c call.Call) { chB <- c })

	// Provider A never acknowledges; the release timeout forces the hand-off.
	got := waitForCallback(t, chB)
	require.NotNil(t, got)
	assert.Equal(t, "call-b", got.ID())
	cm.AssertNumberOfCalls(t, "ReleaseConnectionService", 1)
}

func TestRequestFocus_OverwrittenPendingRequest_TimerNotReset(t *testing.T) {
	// Documented behavior: overwriting a pending request does not rearm
	// the release timer. The original timer still fires on schedule and
	// resolves whichever request is pending at that time - here, the
	// newest request (call-c), even though its own "timeout window" was shorter
	// than the configured release timeout.
	cm := new(MockCallsManager)
	cm.On("ReleaseConnectionService", mock.Anything, mock.Anything).Return()
	m := newTestManager(t, cm, nil)

	providerA := call.NewSimpleProvider("com.example/A")
	providerB := call.NewSimpleProvider("com.example/B")
	providerC := call.NewSimpleProvider("com.example/C")
	callA := call.NewSimpleCall("call-a", providerA, call.StateActive, true)
	callB := call.NewSimpleCall("call-b", providerB, call.StateDialing, true)
	callC := call.NewSimpleCall("call-c", providerC, call.StateDialing, true)

	chA := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), callA, func(ctx context.Context, c call.Call) { chA <- c })
	waitForCallback(t, chA)

	chB := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), callB, func(ctx context.Context, c call.Call) { chB <- c })

	// Shortly after, before the original timer fires, a third request
	// overwrites the pending one without rearming the timer.
	time.Sleep(10 * time.Millisecond)
	chC := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), callC, func(ctx context.Context, c call.Call) { chC <- c })

	got := waitForCallback(t, chC)
	require.NotNil(t, got)
	assert.Equal(t, "call-c", got.ID())

	select {
	case <-chB:
		t.Fatal("the overwritten request's callback should never fire")
	case <-time.After(100 * time.Millisecond):
	}

	cm.AssertNumberOfCalls(t, "ReleaseConnectionService", 1)
}

func TestConnectionServiceDeath_MidHandoff_NoCallbackUntilTimeout(t *testing.T) {
	// Documented behavior: if the current provider dies while a hand-off
	// is pending, no callback fires immediately. The pending request is
	// only resolved once the release timeout elapses.
	cm := new(MockCallsManager)
	cm.On("ReleaseConnectionService", mock.Anything, mock.Anything).Return()
	m := newTestManager(t, cm, nil)

	providerA := call.NewSimpleProvider("com.example/A")
	providerB := call.NewSimpleProvider("com.example/B")
	callA := call.NewSimpleCall("call-a", providerA, call.StateActive, true)
	callB := call.NewSimpleCall("call-b", providerB, call.StateDialing, true)

	chA := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), callA, func(ctx context.Context, c call.Call) { chA <- c })
	waitForCallback(t, chA)

	chB := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), callB, func(ctx context.Context, c call.Call) { chB <- c })

	m.ConnectionServiceDeath(context.Background(), providerA)

	select {
	case <-chB:
		t.Fatal("callback must not fire immediately on death mid hand-off")
	case <-time.After(20 * time.Millisecond):
	}

	got := waitForCallback(t, chB)
	require.NotNil(t, got)
	assert.Equal(t, "call-b", got.ID())
}

func TestConnectionServiceDeath_IdleProvider_ClearsFocus(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)

	ctx := testutil.TestContext(t)
	p := call.NewSimpleProvider("com.example/A")
	c := call.NewSimpleCall("call-1", p, call.StateActive, true)

	ch := make(chan call.Call, 1)
	m.RequestFocus(ctx, c, func(ctx context.Context, granted call.Call) { ch <- granted })
	waitForCallback(t, ch)

	m.ConnectionServiceDeath(ctx, p)

	testutil.AssertEventually(t, func() bool {
		return m.CurrentFocusProvider() == nil
	}, time.Second, 5*time.Millisecond, "expected focus provider to clear after death")
}

func TestCurrentFocusCall_SynchronousRead(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)

	p := call.NewSimpleProvider("com.example/A")
	c := call.NewSimpleCall("call-1", p, call.StateActive, true)

	ch := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), c, func(ctx context.Context, granted call.Call) { ch <- granted })
	waitForCallback(t, ch)

	got := m.CurrentFocusCall(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "call-1", got.ID())
}

func TestCurrentFocusCall_ReentrantFromWorkerDoesNotDeadlock(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)

	p := call.NewSimpleProvider("com.example/A")
	c := call.NewSimpleCall("call-1", p, call.StateActive, true)

	done := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), c, func(ctx context.Context, granted call.Call) {
		// Invoked inline on the worker goroutine; a naive implementation
		// would deadlock waiting on its own queue here.
		done <- m.CurrentFocusCall(ctx)
	})

	got := waitForCallback(t, done)
	require.NotNil(t, got)
	assert.Equal(t, "call-1", got.ID())
}

func TestAddRemoveCall_RecomputesFocusCall(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)

	p := call.NewSimpleProvider("com.example/A")
	c1 := call.NewSimpleCall("call-1", p, call.StateDialing, true)

	ch := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), c1, func(ctx context.Context, granted call.Call) { ch <- granted })
	waitForCallback(t, ch)

	m.RemoveCall(context.Background(), c1)

	assert.Eventually(t, func() bool {
		return m.CurrentFocusCall(context.Background()) == nil
	}, time.Second, 5*time.Millisecond)
}

// --- CallsManagerListener boundary adapter ---

func TestManager_ImplementsCallsManagerListener(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)
	var listener CallsManagerListener = m
	_ = listener
}

func TestOnCallAdded_FiltersExternalCalls(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)
	var listener CallsManagerListener = m

	p := call.NewSimpleProvider("com.example/A")
	external := call.NewSimpleCall("call-ext", p, call.StateActive, true)
	external.SetExternal(true)

	listener.OnCallAdded(context.Background(), external)

	assert.Never(t, func() bool {
		return call.SameProvider(p, m.CurrentFocusProvider())
	}, 100*time.Millisecond, 10*time.Millisecond, "an external call must never reach the event queue, so its provider never gains focus")
}

func TestOnCallAdded_NonExternalCall_IsTrackedAsEarliestAdded(t *testing.T) {
	// OnCallAdded translates into AddCall (registration only - it does not
	// itself request focus). Once focus is separately requested for a
	// later call on the same provider, the earliest-added tie-break rule
	// proves call-1 was genuinely registered by the listener notification.
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)
	var listener CallsManagerListener = m

	p := call.NewSimpleProvider("com.example/A")
	c1 := call.NewSimpleCall("call-1", p, call.StateActive, true)
	listener.OnCallAdded(context.Background(), c1)

	c2 := call.NewSimpleCall("call-2", p, call.StateActive, true)
	ch := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), c2, func(ctx context.Context, granted call.Call) { ch <- granted })

	got := waitForCallback(t, ch)
	require.NotNil(t, got)
	assert.Equal(t, "call-1", got.ID(), "call-1 was registered first via OnCallAdded and wins the tie-break")
}

func TestOnCallRemoved_FiltersExternalCalls(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)
	var listener CallsManagerListener = m

	p := call.NewSimpleProvider("com.example/A")
	c := call.NewSimpleCall("call-1", p, call.StateActive, true)
	ch := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), c, func(ctx context.Context, granted call.Call) { ch <- granted })
	waitForCallback(t, ch)

	// A call flagged external at the moment of the removal notification is
	// filtered before it reaches RemoveCall, so the still-tracked call must
	// remain the focus call.
	c.SetExternal(true)
	listener.OnCallRemoved(context.Background(), c)

	time.Sleep(20 * time.Millisecond)
	got := m.CurrentFocusCall(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "call-1", got.ID())
}

func TestOnExternalCallChanged_BecomingExternal_RemovesCall(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)
	var listener CallsManagerListener = m

	p := call.NewSimpleProvider("com.example/A")
	c := call.NewSimpleCall("call-1", p, call.StateActive, true)
	ch := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), c, func(ctx context.Context, granted call.Call) { ch <- granted })
	waitForCallback(t, ch)

	listener.OnExternalCallChanged(context.Background(), c, true)

	assert.Eventually(t, func() bool {
		return m.CurrentFocusCall(context.Background()) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestOnExternalCallChanged_BecomingInternal_AddsCall(t *testing.T) {
	// OnExternalCallChanged(false) translates into AddCall, which is
	// registration only. Proven the same way as OnCallAdded: a later
	// RequestFocus for a second call on the same provider loses the
	// earliest-added tie-break to the one the listener registered.
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)
	var listener CallsManagerListener = m

	p := call.NewSimpleProvider("com.example/A")
	c1 := call.NewSimpleCall("call-1", p, call.StateActive, true)
	c1.SetExternal(true)
	listener.OnExternalCallChanged(context.Background(), c1, false)

	c2 := call.NewSimpleCall("call-2", p, call.StateActive, true)
	ch := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), c2, func(ctx context.Context, granted call.Call) { ch <- granted })

	got := waitForCallback(t, ch)
	require.NotNil(t, got)
	assert.Equal(t, "call-1", got.ID())
}

func TestOnCallStateChanged_NilCall_DoesNotPanic(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)
	var listener CallsManagerListener = m

	testutil.AssertNoPanic(t, func() {
		listener.OnCallStateChanged(context.Background(), nil, call.StateActive, call.StateDisconnecting)
	}, "nil call notifications must be rejected, not panic")
}

// --- S4: state-change-driven refocus losing/regaining the priority-state call ---

func TestCallStateChanged_LosingPriorityState_ClearsFocusCallWhenNoOtherQualifies(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)
	var listener CallsManagerListener = m

	p := call.NewSimpleProvider("com.example/A")
	primary := call.NewSimpleCall("call-1", p, call.StateActive, true)
	ch := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), primary, func(ctx context.Context, c call.Call) { ch <- c })
	waitForCallback(t, ch)

	primary.SetState(call.StateDisconnecting)
	listener.OnCallStateChanged(context.Background(), primary, call.StateActive, call.StateDisconnecting)

	assert.Eventually(t, func() bool {
		return m.CurrentFocusCall(context.Background()) == nil
	}, time.Second, 5*time.Millisecond, "no other call qualifies so the focus call must clear")
}

func TestCallStateChanged_RegainingPriorityState_RestoresFocusCall(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)
	var listener CallsManagerListener = m

	p := call.NewSimpleProvider("com.example/A")
	c := call.NewSimpleCall("call-1", p, call.StateHolding, true)
	ch := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), c, func(ctx context.Context, granted call.Call) { ch <- granted })
	waitForCallback(t, ch)

	// call-1 starts in a non-priority state, so focus is granted with no
	// qualifying call yet.
	require.Nil(t, m.CurrentFocusCall(context.Background()))

	c.SetState(call.StateActive)
	listener.OnCallStateChanged(context.Background(), c, call.StateHolding, call.StateActive)

	assert.Eventually(t, func() bool {
		got := m.CurrentFocusCall(context.Background())
		return got != nil && got.ID() == "call-1"
	}, time.Second, 5*time.Millisecond)
}

// --- S6: stale release from a non-current provider is a no-op ---

func TestReleaseConnectionFocus_FromStaleProvider_IsNoOp(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)

	providerA := call.NewSimpleProvider("com.example/A")
	callA := call.NewSimpleCall("call-a", providerA, call.StateActive, true)

	chA := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), callA, func(ctx context.Context, c call.Call) { chA <- c })
	waitForCallback(t, chA)

	stale := call.NewSimpleProvider("com.example/stale")
	m.ReleaseConnectionFocus(context.Background(), stale)

	assert.Never(t, func() bool {
		return !call.SameProvider(providerA, m.CurrentFocusProvider())
	}, 100*time.Millisecond, 10*time.Millisecond, "a release from a provider that never held focus must not change it")
	cm.AssertNotCalled(t, "ReleaseConnectionService", mock.Anything, mock.Anything)
}

// --- sync-read timeout fallback and the AnomalyReportOnSync gate ---

func TestCurrentFocusCall_WorkerWedged_FallsBackOnTimeout(t *testing.T) {
	cm := new(MockCallsManager)
	ar := new(MockAnomalyReporter)
	cfg := testConfig()
	cfg.AnomalyReportOnSync = false
	m := newTestManagerWithConfig(t, cm, ar, cfg)

	bp := newBlockingProvider("com.example/blocking")
	defer close(bp.release)
	blocked := call.NewSimpleCall("call-1", bp, call.StateActive, true)

	// grantFocus calls FocusGained inline on the worker goroutine, which
	// blocks until bp.release is closed - wedging the worker mid-dispatch.
	m.RequestFocus(context.Background(), blocked, nil)
	time.Sleep(20 * time.Millisecond)

	got := m.CurrentFocusCall(context.Background())
	assert.Nil(t, got, "with the worker wedged before any focus call is computed, the fallback snapshot is empty")
	ar.AssertNotCalled(t, "ReportAnomaly", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCurrentFocusCall_WorkerWedged_ReportsAnomalyWhenGateEnabled(t *testing.T) {
	cm := new(MockCallsManager)
	ar := new(MockAnomalyReporter)
	ar.On("ReportAnomaly", mock.Anything, "sync_read_timeout", mock.Anything, mock.Anything).Return()
	cfg := testConfig()
	cfg.AnomalyReportOnSync = true
	m := newTestManagerWithConfig(t, cm, ar, cfg)

	bp := newBlockingProvider("com.example/blocking")
	defer close(bp.release)
	blocked := call.NewSimpleCall("call-1", bp, call.StateActive, true)

	m.RequestFocus(context.Background(), blocked, nil)

	_ = m.CurrentFocusCall(context.Background())

	ar.AssertCalled(t, "ReportAnomaly", mock.Anything, "sync_read_timeout", mock.Anything, mock.Anything)
}

// --- Dump / history ---

func TestDump_RecordsHistoryOnlyOnFocusCallChangeAndEmitsRequiredHeader(t *testing.T) {
	cm := new(MockCallsManager)
	m := newTestManager(t, cm, nil)

	p := call.NewSimpleProvider("com.example/A")
	c1 := call.NewSimpleCall("call-1", p, call.StateDialing, true)
	c2 := call.NewSimpleCall("call-2", p, call.StateDialing, true)

	before := call.Now()

	ch1 := make(chan call.Call, 1)
	m.RequestFocus(context.Background(), c1, func(ctx context.Context, c call.Call) { ch1 <- c })
	waitForCallback(t, ch1)

	// Adding a second, lower-priority call behind the first must recompute
	// the focus call (same answer) without adding a new history entry.
	m.AddCall(context.Background(), c2)
	time.Sleep(20 * time.Millisecond)

	m.RemoveCall(context.Background(), c1)
	testutil.AssertEventually(t, func() bool {
		got := m.CurrentFocusCall(context.Background())
		return got != nil && got.ID() == "call-2"
	}, time.Second, 5*time.Millisecond)

	after := call.Now()
	window := testutil.NewTimeRange(before, after)

	entries := m.history.snapshot()
	var changes int
	for _, e := range entries {
		if e.kind != focusChangeEventKind {
			continue
		}
		changes++
		assert.True(t, window.Contains(e.at), "history entry timestamp must fall within the test window")
		testutil.AssertTimeWithin(t, e.at, e.at, time.Second)
	}
	assert.Equal(t, 2, changes, "exactly two actual focus-call changes occurred: <none>->call-1, call-1->call-2")

	var buf bytes.Buffer
	testutil.AssertNoPanic(t, func() { m.Dump(&buf) }, "Dump must not panic")
	assert.Contains(t, buf.String(), "Call Focus History:\n")
}
