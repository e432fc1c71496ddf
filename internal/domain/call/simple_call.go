package call

import (
	"context"
	"sync"
)

// SimpleCall is a reference implementation of Call for adapters, demo
// wiring, and tests. Production deployments own their own call type and
// only need to satisfy the Call interface; this one exists so the calls
// manager boundary has something concrete to mutate when state changes.
type SimpleCall struct {
	mu        sync.RWMutex
	id        string
	provider  Provider
	state     State
	focusable bool
	external  bool
}

// NewSimpleCall creates a call owned by provider, starting in state and
// focusable as given.
func NewSimpleCall(id string, provider Provider, state State, focusable bool) *SimpleCall {
	return &SimpleCall{
		id:        id,
		provider:  provider,
		state:     state,
		focusable: focusable,
	}
}

func (c *SimpleCall) Provider() Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provider
}

func (c *SimpleCall) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *SimpleCall) IsFocusable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.focusable
}

func (c *SimpleCall) ID() string {
	return c.id
}

func (c *SimpleCall) IsExternalCall() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.external
}

// SetState updates the call's lifecycle state. Called by the calls manager
// collaborator, never by the focus manager itself.
func (c *SimpleCall) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// SetFocusable updates whether the call is eligible to hold focus.
func (c *SimpleCall) SetFocusable(f bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focusable = f
}

// SetExternal marks the call as belonging to another process's call stack.
// The calls manager boundary filters such calls before they ever reach the
// focus manager's event queue.
func (c *SimpleCall) SetExternal(external bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.external = external
}

// SimpleProvider is a reference Provider implementation for tests and demo
// wiring: it stores the listener the focus manager installs, and its
// FocusGained and FocusLost do nothing.
type SimpleProvider struct {
	mu       sync.Mutex
	name     string
	listener FocusListener
}

// NewSimpleProvider creates a provider identified by name.
func NewSimpleProvider(name string) *SimpleProvider {
	return &SimpleProvider{name: name}
}

func (p *SimpleProvider) ComponentName() string {
	return p.name
}

func (p *SimpleProvider) SetListener(l FocusListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

func (p *SimpleProvider) Listener() FocusListener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener
}

// FocusGained and FocusLost are no-ops on the reference implementation;
// real providers drive camera/audio hardware here.
func (p *SimpleProvider) FocusGained(ctx context.Context) {}
func (p *SimpleProvider) FocusLost(ctx context.Context)   {}
