// Package transport defines the uniform adapter surface (C1) that every
// concrete transport — direct WebRTC, external onion, built-in onion —
// implements, plus the shared observer-registry plumbing they share.
package transport

import (
	"context"
	"sync"

	"github.com/nyukop/nkc-core/pkt"
)

// State is a transport's connection lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateDegraded   State = "degraded"
	StateFailed     State = "failed"
)

// Name identifies a concrete transport kind, used by the Router and
// Conversation Manager to address a specific adapter.
type Name string

const (
	NameDirectP2P    Name = "directP2P"
	NameExternalOnion Name = "onionRouter"
	NameBuiltinOnion Name = "selfOnion"
)

// Adapter is the fixed capability set every transport exposes. start is
// idempotent; stop is always permitted and must never panic.
type Adapter interface {
	Name() Name
	Start(ctx context.Context) error
	Stop()
	Send(ctx context.Context, p pkt.TransportPacket) error
	State() State

	// OnMessage registers a handler invoked for every inbound packet.
	// Returns an unsubscribe function.
	OnMessage(func(pkt.TransportPacket)) func()
	// OnAck registers a handler invoked when a sent message's id is
	// acknowledged, along with the observed round-trip time.
	OnAck(func(id string, rttMs int64)) func()
	// OnState registers a handler invoked on every state transition.
	OnState(func(State)) func()
}

// observers is embeddable plumbing shared by every concrete adapter: a
// small registry of message/ack/state listeners, guarded by a mutex.
// Listeners are looked up by id for removal only — the registry never
// holds a listener responsible for its own lifetime beyond that lookup,
// avoiding the adapter<->listener ownership cycle called out in the
// design notes.
type observers struct {
	mu        sync.Mutex
	nextID    int
	onMessage map[int]func(pkt.TransportPacket)
	onAck     map[int]func(id string, rttMs int64)
	onState   map[int]func(State)
	state     State
}

func newObservers() *observers {
	return &observers{
		onMessage: make(map[int]func(pkt.TransportPacket)),
		onAck:     make(map[int]func(id string, rttMs int64)),
		onState:   make(map[int]func(State)),
		state:     StateIdle,
	}
}

func (o *observers) OnMessage(f func(pkt.TransportPacket)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.onMessage[id] = f
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.onMessage, id)
	}
}

func (o *observers) OnAck(f func(id string, rttMs int64)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.onAck[id] = f
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.onAck, id)
	}
}

func (o *observers) OnState(f func(State)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.onState[id] = f
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.onState, id)
	}
}

func (o *observers) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *observers) setState(s State) {
	o.mu.Lock()
	if o.state == s {
		o.mu.Unlock()
		return
	}
	o.state = s
	listeners := make([]func(State), 0, len(o.onState))
	for _, f := range o.onState {
		listeners = append(listeners, f)
	}
	o.mu.Unlock()
	for _, f := range listeners {
		f(s)
	}
}

func (o *observers) emitMessage(p pkt.TransportPacket) {
	o.mu.Lock()
	listeners := make([]func(pkt.TransportPacket), 0, len(o.onMessage))
	for _, f := range o.onMessage {
		listeners = append(listeners, f)
	}
	o.mu.Unlock()
	for _, f := range listeners {
		f(p)
	}
}

func (o *observers) emitAck(id string, rttMs int64) {
	o.mu.Lock()
	listeners := make([]func(string, int64), 0, len(o.onAck))
	for _, f := range o.onAck {
		listeners = append(listeners, f)
	}
	o.mu.Unlock()
	for _, f := range listeners {
		f(id, rttMs)
	}
}
