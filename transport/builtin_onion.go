package transport

import (
	"context"
	"log/slog"

	"github.com/nyukop/nkc-core/circuitmgr"
	"github.com/nyukop/nkc-core/coreerr"
	"github.com/nyukop/nkc-core/pkt"
	"github.com/nyukop/nkc-core/relay"
)

// CircuitManager is the subset of *circuitmgr.Manager this adapter needs.
type CircuitManager interface {
	Snapshot() circuitmgr.State
	OnStatus(func(circuitmgr.State)) func()
}

// BuiltinOnionAdapter delegates availability to the Circuit Manager (C4)
// and wraps outbound packets into RelayEnvelopes sent through the first
// hop via the relay Sender (C5).
type BuiltinOnionAdapter struct {
	*observers

	Circuit CircuitManager
	Sender  relay.Sender
	Self    string
	Logger  *slog.Logger

	unsub func()
}

// NewBuiltinOnionAdapter constructs a BuiltinOnionAdapter.
func NewBuiltinOnionAdapter(self string, circuit CircuitManager, sender relay.Sender, logger *slog.Logger) *BuiltinOnionAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuiltinOnionAdapter{
		observers: newObservers(),
		Circuit:   circuit,
		Sender:    sender,
		Self:      self,
		Logger:    logger,
	}
}

func (b *BuiltinOnionAdapter) Name() Name { return NameBuiltinOnion }

func (b *BuiltinOnionAdapter) Start(ctx context.Context) error {
	if b.unsub != nil {
		return nil
	}
	b.unsub = b.Circuit.OnStatus(func(s circuitmgr.State) {
		switch s.Status {
		case circuitmgr.StatusReady:
			b.setState(StateConnected)
		case circuitmgr.StatusDegraded, circuitmgr.StatusRebuilding:
			b.setState(StateDegraded)
		case circuitmgr.StatusBuilding:
			b.setState(StateConnecting)
		default:
			b.setState(StateIdle)
		}
	})
	snap := b.Circuit.Snapshot()
	if snap.Status == circuitmgr.StatusReady {
		b.setState(StateConnected)
	} else {
		b.setState(StateConnecting)
	}
	return nil
}

func (b *BuiltinOnionAdapter) Stop() {
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	b.setState(StateIdle)
}

// Send wraps p into a RelayEnvelope addressed via the current circuit's
// hop chain plus the destination device, and forwards it to the first
// hop. Rejected with INTERNAL_ONION_NOT_READY unless the circuit is ready.
func (b *BuiltinOnionAdapter) Send(ctx context.Context, p pkt.TransportPacket) error {
	snap := b.Circuit.Snapshot()
	if snap.Status != circuitmgr.StatusReady {
		return coreerr.New(coreerr.InternalOnionNotReady, "built-in onion circuit is not ready")
	}
	toDevice := p.To
	if toDevice == "" && p.Route != nil {
		toDevice = p.Route.ToDeviceID
	}
	if toDevice == "" {
		return coreerr.New(coreerr.FatalMisconfig, "built-in onion send missing destination")
	}

	chain := make([]string, 0, len(snap.Hops)+1)
	for _, h := range snap.Hops {
		chain = append(chain, h.PeerID)
	}
	chain = append(chain, toDevice)

	env := pkt.NewRelayEnvelope(snap.CircuitID, b.Self, chain, pkt.RelayPayload{
		Kind:   pkt.RelayPayloadData,
		Packet: &p,
	})
	if err := b.Sender.SendToPeer(chain[0], env); err != nil {
		return coreerr.Wrap(coreerr.RetryableSendFailure, "built-in onion forward failed", err)
	}
	return nil
}

// DeliverInbound is called by the node's relay.Forwarder when a
// RelayEnvelope final-delivers a data packet to this adapter.
func (b *BuiltinOnionAdapter) DeliverInbound(p pkt.TransportPacket) {
	b.emitMessage(p)
}
