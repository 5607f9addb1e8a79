// Package circuitmgr owns the lifecycle of one source-routed built-in
// onion circuit (C4): relay selection, HELLO/ACK circuit build, keepalive
// ping/pong, and backoff-governed rebuild on degrade.
package circuitmgr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nyukop/nkc-core/pkt"
	"github.com/nyukop/nkc-core/relay"
)

// Status is the circuit lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBuilding   Status = "building"
	StatusReady      Status = "ready"
	StatusDegraded   Status = "degraded"
	StatusRebuilding Status = "rebuilding"
	StatusExpired    Status = "expired"
)

// HopStatus is one hop's build/keepalive state within a circuit.
type HopStatus string

const (
	HopPending HopStatus = "pending"
	HopOK      HopStatus = "ok"
	HopDead    HopStatus = "dead"
)

// Hop is one hop's state within the circuit.
type Hop struct {
	HopIndex int
	PeerID   string
	Status   HopStatus
	LastSeen time.Time
	RTTMs    int64
}

// State is an immutable snapshot of the circuit manager's state, handed
// to onStatus subscribers.
type State struct {
	DesiredHops     int
	EstablishedHops int
	Status          Status
	CircuitID       string
	Hops            []Hop
	UpdatedAt       time.Time
	LastError       string
}

const (
	minHops = 1
	maxHops = 6

	helloAckTimeout    = 4 * time.Second
	keepaliveInterval  = 15 * time.Second
	keepaliveMissLimit = 2
)

// RebuildBackoff is the escalating delay table between rebuild attempts;
// it advances one slot per consecutive failure and resets to index 0 on
// a successful ready transition.
var RebuildBackoff = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	6 * time.Hour,
}

// Verifier optionally checks HOP_ACK / HOP_PONG signatures. Signature
// verification is left optional per the design notes; a nil Verifier
// accepts every control message.
type Verifier interface {
	Verify(ctrl pkt.RelayControl) bool
}

// CandidateSource enumerates known relay peer ids, excluding self.
type CandidateSource func() []string

type pendingAwait struct {
	hopIndex int
	relayID  string
	resultCh chan pkt.RelayControl
}

// Manager drives one circuit's build/keepalive/rebuild state machine. It
// implements relay.ControlHandler so a node's relay.Forwarder can dispatch
// HOP_ACK/HOP_PONG replies addressed to this circuit owner back in.
type Manager struct {
	SelfPeerID string
	Sender     relay.Sender
	Candidates CandidateSource
	Verifier   Verifier
	Logger     *slog.Logger

	// HelloAckTimeout, KeepaliveInterval and KeepaliveMissLimit default to
	// the spec's constants but are overridable (mainly by tests) so the
	// state machine can be exercised without waiting on real-time clocks.
	HelloAckTimeout    time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveMissLimit int

	mu           sync.Mutex
	state        State
	desiredHops  int
	backoffIdx   int
	stopCh       chan struct{}
	stopped      bool
	pendingHello map[string]*pendingAwait // key: circuitId|hopIndex
	pendingPing  map[string]chan pkt.RelayControl
	subs         map[int]func(State)
	nextSubID    int
	rebuildTimer *time.Timer
}

// New constructs a Manager for selfPeerID.
func New(selfPeerID string, sender relay.Sender, candidates CandidateSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		SelfPeerID:         selfPeerID,
		Sender:             sender,
		Candidates:         candidates,
		Logger:             logger,
		HelloAckTimeout:    helloAckTimeout,
		KeepaliveInterval:  keepaliveInterval,
		KeepaliveMissLimit: keepaliveMissLimit,
		state:              State{Status: StatusIdle},
		pendingHello:       make(map[string]*pendingAwait),
		pendingPing:        make(map[string]chan pkt.RelayControl),
		subs:               make(map[int]func(State)),
	}
}

func clampHops(n int) int {
	if n < minHops {
		return minHops
	}
	if n > maxHops {
		return maxHops
	}
	return n
}

// OnStatus subscribes to circuit state transitions, returning an
// unsubscribe function.
func (m *Manager) OnStatus(f func(State)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = f
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (s State) clone() State {
	cp := s
	cp.Hops = append([]Hop(nil), s.Hops...)
	return cp
}

func (m *Manager) publishLocked() {
	snap := m.state.clone()
	listeners := make([]func(State), 0, len(m.subs))
	for _, f := range m.subs {
		listeners = append(listeners, f)
	}
	go func() {
		for _, f := range listeners {
			f(snap)
		}
	}()
}

// Start begins building a circuit with desiredHops hops (clamped to
// [1,6]). It is safe to call once per Manager instance; call Stop before
// starting again.
func (m *Manager) Start(ctx context.Context, desiredHops int) {
	desiredHops = clampHops(desiredHops)
	m.mu.Lock()
	m.desiredHops = desiredHops
	m.stopCh = make(chan struct{})
	m.stopped = false
	m.mu.Unlock()

	go m.buildLoop(ctx, false)
}

// Stop terminates the circuit manager, settling status to idle or
// expired. It is always safe to call and never blocks on network I/O.
func (m *Manager) Stop(status Status) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	stopCh := m.stopCh
	if m.rebuildTimer != nil {
		m.rebuildTimer.Stop()
	}
	m.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}

	m.mu.Lock()
	if status != StatusIdle && status != StatusExpired {
		status = StatusIdle
	}
	m.state.Status = status
	m.state.UpdatedAt = time.Now()
	m.publishLocked()
	m.mu.Unlock()
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Manager) buildLoop(ctx context.Context, isRebuild bool) {
	if m.isStopped() {
		return
	}

	candidates := dedupeExcludingSelf(m.Candidates(), m.SelfPeerID)
	m.mu.Lock()
	desired := m.desiredHops
	m.mu.Unlock()

	if len(candidates) < desired {
		m.mu.Lock()
		m.state = State{
			Status:      StatusIdle,
			DesiredHops: desired,
			LastError:   "NO_RELAY_PEERS",
			UpdatedAt:   time.Now(),
		}
		m.publishLocked()
		m.mu.Unlock()
		m.scheduleRebuild(ctx)
		return
	}

	circuitID, err := randomCircuitID()
	if err != nil {
		m.Logger.Error("circuitmgr: failed to allocate circuit id", "error", err)
		m.scheduleRebuild(ctx)
		return
	}

	status := StatusBuilding
	if isRebuild {
		status = StatusRebuilding
	}
	hops := make([]Hop, desired)
	for i := range hops {
		hops[i] = Hop{HopIndex: i, PeerID: candidates[i], Status: HopPending}
	}

	m.mu.Lock()
	m.state = State{
		Status:          status,
		DesiredHops:     desired,
		EstablishedHops: 0,
		CircuitID:       circuitID,
		Hops:            hops,
		UpdatedAt:       time.Now(),
	}
	m.publishLocked()
	m.mu.Unlock()

	for i := 0; i < desired; i++ {
		if m.isStopped() {
			return
		}
		ok := m.buildHop(ctx, circuitID, i, candidates[:i+1])
		if !ok {
			m.markDegraded(fmt.Sprintf("hop %d failed to establish", i))
			m.scheduleRebuild(ctx)
			return
		}
	}

	m.mu.Lock()
	m.state.Status = StatusReady
	m.state.EstablishedHops = desired
	m.state.UpdatedAt = time.Now()
	m.backoffIdx = 0
	m.publishLocked()
	m.mu.Unlock()

	go m.keepaliveLoop(ctx)
}

// buildHop sends HOP_HELLO to the hop at hopIndex through the chain built
// so far (chainPrefix reaches exactly that hop), and awaits a matching
// HOP_ACK within helloAckTimeout.
func (m *Manager) buildHop(ctx context.Context, circuitID string, hopIndex int, chainPrefix []string) bool {
	key := awaitKey(circuitID, hopIndex)
	resultCh := make(chan pkt.RelayControl, 1)

	m.mu.Lock()
	m.pendingHello[key] = &pendingAwait{hopIndex: hopIndex, relayID: chainPrefix[hopIndex], resultCh: resultCh}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingHello, key)
		m.mu.Unlock()
	}()

	hello := pkt.RelayControl{
		Cmd:          pkt.CmdHopHello,
		CircuitID:    circuitID,
		HopIndex:     hopIndex,
		Ts:           time.Now().UnixMilli(),
		SenderPeerID: m.SelfPeerID,
	}
	env := pkt.NewRelayEnvelope(circuitID, m.SelfPeerID, append([]string(nil), chainPrefix...), pkt.RelayPayload{
		Kind:    pkt.RelayPayloadControl,
		Control: &hello,
	})
	if err := m.Sender.SendToPeer(chainPrefix[0], env); err != nil {
		m.Logger.Warn("circuitmgr: HOP_HELLO send failed", "hopIndex", hopIndex, "error", err)
		m.markHopDead(hopIndex)
		return false
	}

	timer := time.NewTimer(m.HelloAckTimeout)
	defer timer.Stop()

	select {
	case ack := <-resultCh:
		if ack.RelayPeerID != chainPrefix[hopIndex] || !ack.OK {
			m.markHopDead(hopIndex)
			return false
		}
		if m.Verifier != nil && !m.Verifier.Verify(ack) {
			m.markHopDead(hopIndex)
			return false
		}
		m.markHopOK(hopIndex, chainPrefix[hopIndex])
		return true
	case <-timer.C:
		m.markHopDead(hopIndex)
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) markHopOK(hopIndex int, peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.Hops {
		if m.state.Hops[i].HopIndex == hopIndex {
			m.state.Hops[i].Status = HopOK
			m.state.Hops[i].PeerID = peerID
			m.state.Hops[i].LastSeen = time.Now()
		}
	}
	m.state.EstablishedHops = countOK(m.state.Hops)
	m.state.UpdatedAt = time.Now()
	m.publishLocked()
}

func (m *Manager) markHopDead(hopIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.Hops {
		if m.state.Hops[i].HopIndex == hopIndex {
			m.state.Hops[i].Status = HopDead
		}
	}
	m.state.EstablishedHops = countOK(m.state.Hops)
	m.state.UpdatedAt = time.Now()
	m.publishLocked()
}

func (m *Manager) markDegraded(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Status = StatusDegraded
	m.state.LastError = reason
	m.state.UpdatedAt = time.Now()
	m.publishLocked()
}

func countOK(hops []Hop) int {
	n := 0
	for _, h := range hops {
		if h.Status == HopOK {
			n++
		}
	}
	return n
}

func (m *Manager) scheduleRebuild(ctx context.Context) {
	if m.isStopped() {
		return
	}
	m.mu.Lock()
	idx := m.backoffIdx
	if idx >= len(RebuildBackoff) {
		idx = len(RebuildBackoff) - 1
	}
	delay := RebuildBackoff[idx]
	if m.backoffIdx < len(RebuildBackoff)-1 {
		m.backoffIdx++
	}
	timer := time.AfterFunc(delay, func() {
		if m.isStopped() {
			return
		}
		m.buildLoop(ctx, true)
	})
	m.rebuildTimer = timer
	m.mu.Unlock()
}

func (m *Manager) keepaliveLoop(ctx context.Context) {
	misses := make(map[int]int)
	ticker := time.NewTicker(m.KeepaliveInterval)
	defer ticker.Stop()

	m.mu.Lock()
	stopCh := m.stopCh
	m.mu.Unlock()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := m.Snapshot()
		if snap.Status != StatusReady {
			return
		}
		degraded := false
		for _, hop := range snap.Hops {
			if hop.Status != HopOK {
				continue
			}
			ok := m.pingHop(snap.CircuitID, hop)
			if ok {
				misses[hop.HopIndex] = 0
				continue
			}
			misses[hop.HopIndex]++
			if misses[hop.HopIndex] > m.KeepaliveMissLimit {
				m.markHopDead(hop.HopIndex)
				degraded = true
			}
		}
		if degraded {
			m.markDegraded("keepalive miss limit exceeded")
			m.scheduleRebuild(ctx)
			return
		}
	}
}

func (m *Manager) pingHop(circuitID string, hop Hop) bool {
	chain := m.chainThrough(hop.HopIndex)
	if chain == nil {
		return false
	}
	pingKey := pingKey(circuitID, hop.HopIndex)
	resultCh := make(chan pkt.RelayControl, 1)
	m.mu.Lock()
	m.pendingPing[pingKey] = resultCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingPing, pingKey)
		m.mu.Unlock()
	}()

	ping := pkt.RelayControl{
		Cmd:          pkt.CmdHopPing,
		CircuitID:    circuitID,
		HopIndex:     hop.HopIndex,
		Ts:           time.Now().UnixMilli(),
		SenderPeerID: m.SelfPeerID,
	}
	env := pkt.NewRelayEnvelope(circuitID, m.SelfPeerID, chain, pkt.RelayPayload{Kind: pkt.RelayPayloadControl, Control: &ping})
	if err := m.Sender.SendToPeer(chain[0], env); err != nil {
		return false
	}

	timer := time.NewTimer(m.KeepaliveInterval)
	defer timer.Stop()
	select {
	case pong := <-resultCh:
		if m.Verifier != nil && !m.Verifier.Verify(pong) {
			return false
		}
		return true
	case <-timer.C:
		return false
	}
}

func (m *Manager) chainThrough(hopIndex int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hopIndex >= len(m.state.Hops) {
		return nil
	}
	chain := make([]string, 0, hopIndex+1)
	for i := 0; i <= hopIndex; i++ {
		chain = append(chain, m.state.Hops[i].PeerID)
	}
	return chain
}

// HandleAck implements relay.ControlHandler, resolving a pending HOP_HELLO
// await when a matching HOP_ACK arrives.
func (m *Manager) HandleAck(ctrl pkt.RelayControl) {
	m.mu.Lock()
	key := awaitKey(ctrl.CircuitID, ctrl.HopIndex)
	pa, ok := m.pendingHello[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pa.resultCh <- ctrl:
	default:
	}
}

// HandlePong implements relay.ControlHandler, resolving a pending
// HOP_PING await when a matching HOP_PONG arrives.
func (m *Manager) HandlePong(ctrl pkt.RelayControl) {
	m.mu.Lock()
	key := pingKey(ctrl.CircuitID, ctrl.HopIndex)
	ch, ok := m.pendingPing[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ctrl:
	default:
	}
}

func awaitKey(circuitID string, hopIndex int) string {
	return fmt.Sprintf("%s|hello|%d", circuitID, hopIndex)
}

func pingKey(circuitID string, hopIndex int) string {
	return fmt.Sprintf("%s|ping|%d", circuitID, hopIndex)
}

func dedupeExcludingSelf(peers []string, self string) []string {
	seen := make(map[string]struct{}, len(peers))
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if p == self {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func randomCircuitID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
