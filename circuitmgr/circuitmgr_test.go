package circuitmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nyukop/nkc-core/pkt"
)

// meshSender stands in for the relay mesh: SendToPeer follows the
// source-routed envelope along its chain, and the last peer of the chain
// answers HELLO/PING synchronously back to the originating Manager via
// HandleAck/HandlePong, as relay forwarding would.
type meshSender struct {
	peers map[string]*Manager

	mu sync.Mutex
	// deny, if set, swallows any envelope whose chain passes through the
	// named peer, simulating an unreachable hop.
	deny map[string]bool
}

// setDeny toggles whether peerID's hop is reachable, safe to call while a
// Manager goroutine is concurrently sending through this sender (e.g. to
// flip a relay back up once a rebuild is underway).
func (s *meshSender) setDeny(peerID string, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deny == nil {
		s.deny = make(map[string]bool)
	}
	s.deny[peerID] = blocked
}

func (s *meshSender) isDenied(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deny[peerID]
}

func (s *meshSender) SendToPeer(peerID string, env pkt.RelayEnvelope) error {
	for _, hop := range env.Chain {
		if s.isDenied(hop) {
			return nil // swallow it silently, like a dead relay
		}
	}
	final := env.Chain[len(env.Chain)-1]
	target, ok := s.peers[final]
	if !ok {
		// Not a manager under test (a plain relay stub): answer HELLO/PING directly.
		ctrl := env.Payload.Control
		if ctrl == nil {
			return nil
		}
		switch ctrl.Cmd {
		case pkt.CmdHopHello:
			reply := pkt.RelayControl{Cmd: pkt.CmdHopAck, CircuitID: ctrl.CircuitID, HopIndex: ctrl.HopIndex, RelayPeerID: final, OK: true}
			// Deliver back to the origin's manager.
			if origin, ok := s.peers[ctrl.SenderPeerID]; ok {
				origin.HandleAck(reply)
			}
		case pkt.CmdHopPing:
			reply := pkt.RelayControl{Cmd: pkt.CmdHopPong, CircuitID: ctrl.CircuitID, HopIndex: ctrl.HopIndex, RelayPeerID: final, OK: true}
			if origin, ok := s.peers[ctrl.SenderPeerID]; ok {
				origin.HandlePong(reply)
			}
		}
		return nil
	}
	_ = target
	return nil
}

func waitForStatus(t *testing.T, m *Manager, want Status, timeout time.Duration) State {
	t.Helper()
	deadline := time.After(timeout)
	for {
		s := m.Snapshot()
		if s.Status == want {
			return s
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status %s, last seen %s (err=%s)", want, s.Status, s.LastError)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBuildReachesReadyWithAllHopsOK(t *testing.T) {
	sender := &meshSender{peers: map[string]*Manager{}}
	m := New("client", sender, func() []string { return []string{"relay1", "relay2", "relay3"} }, nil)
	m.HelloAckTimeout = 200 * time.Millisecond
	sender.peers["client"] = m

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 3)

	s := waitForStatus(t, m, StatusReady, 2*time.Second)
	if s.EstablishedHops != 3 {
		t.Fatalf("expected 3 established hops, got %d", s.EstablishedHops)
	}
	for _, h := range s.Hops {
		if h.Status != HopOK {
			t.Fatalf("expected all hops ok, got %+v", h)
		}
	}
	m.Stop(StatusIdle)
}

func TestDesiredHopsClamped(t *testing.T) {
	if got := clampHops(0); got != 1 {
		t.Fatalf("clamp(0) = %d, want 1", got)
	}
	if got := clampHops(100); got != 6 {
		t.Fatalf("clamp(100) = %d, want 6", got)
	}
	if got := clampHops(3); got != 3 {
		t.Fatalf("clamp(3) = %d, want 3", got)
	}
}

func TestBuildDegradesWhenAHopNeverAcks(t *testing.T) {
	sender := &meshSender{peers: map[string]*Manager{}, deny: map[string]bool{"relay2": true}}
	m := New("client", sender, func() []string { return []string{"relay1", "relay2", "relay3"} }, nil)
	m.HelloAckTimeout = 50 * time.Millisecond
	sender.peers["client"] = m

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 3)

	s := waitForStatus(t, m, StatusDegraded, 2*time.Second)
	if s.Hops[0].Status != HopOK {
		t.Fatalf("expected hop0 to remain ok on partial progress, got %+v", s.Hops[0])
	}
	if s.Hops[1].Status != HopDead {
		t.Fatalf("expected hop1 to be marked dead, got %+v", s.Hops[1])
	}
	m.Stop(StatusIdle)
}

// TestDegradeThenRebuildReachesReadyAgain is the §8 scenario 4 cycle: a
// hop never ACKs, degrading the circuit and scheduling a rebuild; once
// the relay comes back and the configured backoff elapses, the next
// build attempt succeeds and status returns to ready with all desired
// hops established.
func TestDegradeThenRebuildReachesReadyAgain(t *testing.T) {
	originalBackoff := RebuildBackoff
	RebuildBackoff = []time.Duration{20 * time.Millisecond}
	defer func() { RebuildBackoff = originalBackoff }()

	sender := &meshSender{peers: map[string]*Manager{}, deny: map[string]bool{"relay2": true}}
	m := New("client", sender, func() []string { return []string{"relay1", "relay2", "relay3"} }, nil)
	m.HelloAckTimeout = 50 * time.Millisecond
	sender.peers["client"] = m

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 3)

	degraded := waitForStatus(t, m, StatusDegraded, 2*time.Second)
	if degraded.Hops[1].Status != HopDead {
		t.Fatalf("expected hop1 dead before rebuild, got %+v", degraded.Hops[1])
	}

	// relay2 comes back; the next rebuild attempt (after RebuildBackoff[0])
	// should now complete all three hops.
	sender.setDeny("relay2", false)

	s := waitForStatus(t, m, StatusReady, 2*time.Second)
	if s.EstablishedHops != 3 {
		t.Fatalf("expected 3 established hops after rebuild, got %d", s.EstablishedHops)
	}
	for _, h := range s.Hops {
		if h.Status != HopOK {
			t.Fatalf("expected all hops ok after rebuild, got %+v", h)
		}
	}
	m.Stop(StatusIdle)
}

func TestNoRelayPeersSchedulesRebuildAndStaysIdle(t *testing.T) {
	sender := &meshSender{peers: map[string]*Manager{}}
	m := New("client", sender, func() []string { return []string{"relay1"} }, nil)
	sender.peers["client"] = m

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 3)

	// The Manager starts out idle, so wait for the build attempt to record
	// its error rather than for the status alone.
	deadline := time.Now().Add(time.Second)
	s := m.Snapshot()
	for s.LastError == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		s = m.Snapshot()
	}
	if s.Status != StatusIdle {
		t.Fatalf("expected status %s, got %s", StatusIdle, s.Status)
	}
	if s.LastError != "NO_RELAY_PEERS" {
		t.Fatalf("expected NO_RELAY_PEERS, got %q", s.LastError)
	}
	m.Stop(StatusIdle)
}
