// Package platform abstracts the host-environment signals the coordination
// core reacts to: whether this process is visible to the user, and whether
// the network is reachable. Real hosts adapt their native signals to these
// interfaces; tests use the fakes.
package platform

import "sync"

// VisibilitySignal exposes the process's visibility and change
// notifications.
type VisibilitySignal interface {
	Visible() bool
	OnChange(cb func(visible bool)) func()
}

// NetworkSignal exposes online/offline state plus a coarse quality hint.
type NetworkSignal interface {
	Online() bool
	// Quality is a hint in [0,1]; 1 is a healthy connection. Hosts without
	// a quality source return 1 while online.
	Quality() float64
	OnChange(cb func(online bool)) func()
}

// FakeVisibility is a settable VisibilitySignal for tests.
type FakeVisibility struct {
	mu      sync.Mutex
	visible bool
	subs    map[uint64]func(bool)
	nextID  uint64
}

// NewFakeVisibility starts in the given state.
func NewFakeVisibility(visible bool) *FakeVisibility {
	return &FakeVisibility{visible: visible, subs: make(map[uint64]func(bool))}
}

// Visible implements VisibilitySignal.
func (f *FakeVisibility) Visible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

// OnChange implements VisibilitySignal.
func (f *FakeVisibility) OnChange(cb func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

// Set flips visibility and notifies subscribers.
func (f *FakeVisibility) Set(visible bool) {
	f.mu.Lock()
	if f.visible == visible {
		f.mu.Unlock()
		return
	}
	f.visible = visible
	cbs := make([]func(bool), 0, len(f.subs))
	for _, cb := range f.subs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(visible)
	}
}

// FakeNetwork is a settable NetworkSignal for tests.
type FakeNetwork struct {
	mu      sync.Mutex
	online  bool
	quality float64
	subs    map[uint64]func(bool)
	nextID  uint64
}

// NewFakeNetwork starts online with full quality unless told otherwise.
func NewFakeNetwork(online bool) *FakeNetwork {
	q := 0.0
	if online {
		q = 1.0
	}
	return &FakeNetwork{online: online, quality: q, subs: make(map[uint64]func(bool))}
}

// Online implements NetworkSignal.
func (f *FakeNetwork) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

// Quality implements NetworkSignal.
func (f *FakeNetwork) Quality() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quality
}

// OnChange implements NetworkSignal.
func (f *FakeNetwork) OnChange(cb func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

// SetOnline flips the online state and notifies subscribers.
func (f *FakeNetwork) SetOnline(online bool) {
	f.mu.Lock()
	if f.online == online {
		f.mu.Unlock()
		return
	}
	f.online = online
	if online {
		f.quality = 1.0
	} else {
		f.quality = 0
	}
	cbs := make([]func(bool), 0, len(f.subs))
	for _, cb := range f.subs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(online)
	}
}

// SetQuality adjusts the quality hint without flipping online state.
func (f *FakeNetwork) SetQuality(q float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quality = q
}
