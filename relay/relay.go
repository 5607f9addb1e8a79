// Package relay implements source-routed RelayEnvelope forwarding (C5):
// a node either forwards an envelope to the next hop in its chain, or —
// if it is the final hop — delivers the data payload upward or answers
// circuit-control traffic (HELLO/PING) directly.
package relay

import (
	"log/slog"
	"time"

	"github.com/nyukop/nkc-core/pkt"
)

// Sender delivers a RelayEnvelope to a named peer, one hop at a time.
// The built-in onion adapter implements this over its peer transport.
type Sender interface {
	SendToPeer(peerID string, env pkt.RelayEnvelope) error
}

// ControlHandler receives HOP_ACK / HOP_PONG control replies addressed to
// this node so the Circuit Manager can resolve its pending hop awaits.
type ControlHandler interface {
	HandleAck(ctrl pkt.RelayControl)
	HandlePong(ctrl pkt.RelayControl)
}

// Forwarder processes inbound RelayEnvelopes addressed to one local peer
// id, forwarding, answering control traffic, or delivering data.
type Forwarder struct {
	SelfPeerID string
	Sender     Sender
	Control    ControlHandler
	Deliver    func(pkt.TransportPacket)
	Logger     *slog.Logger
}

// NewForwarder constructs a Forwarder for selfPeerID.
func NewForwarder(selfPeerID string, sender Sender, control ControlHandler, deliver func(pkt.TransportPacket), logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{SelfPeerID: selfPeerID, Sender: sender, Control: control, Deliver: deliver, Logger: logger}
}

// Handle processes one inbound envelope. Structurally invalid envelopes,
// or envelopes whose current chain slot does not name this node, are
// dropped silently — per §4.5 that is the handled behavior, not an error
// the caller should propagate.
func (f *Forwarder) Handle(env pkt.RelayEnvelope) {
	if err := env.Validate(); err != nil {
		f.Logger.Debug("relay: dropping invalid envelope", "error", err)
		return
	}
	if env.HopCursor >= len(env.Chain) || env.Chain[env.HopCursor] != f.SelfPeerID {
		f.Logger.Debug("relay: dropping envelope not addressed to this hop", "circuitId", env.CircuitID)
		return
	}

	if !env.IsFinal() {
		f.forward(env)
		return
	}

	f.handleFinal(env)
}

func (f *Forwarder) forward(env pkt.RelayEnvelope) {
	next := env.Advanced()
	nextPeer := next.Chain[next.HopCursor]
	if err := f.Sender.SendToPeer(nextPeer, next); err != nil {
		f.Logger.Warn("relay: forward failed", "circuitId", env.CircuitID, "to", nextPeer, "error", err)
	}
}

func (f *Forwarder) handleFinal(env pkt.RelayEnvelope) {
	switch env.Payload.Kind {
	case pkt.RelayPayloadData:
		if env.Payload.Packet != nil && f.Deliver != nil {
			f.Deliver(*env.Payload.Packet)
		}
	case pkt.RelayPayloadControl:
		f.handleControl(env)
	default:
		f.Logger.Debug("relay: unknown payload kind", "kind", env.Payload.Kind)
	}
}

func (f *Forwarder) handleControl(env pkt.RelayEnvelope) {
	ctrl := env.Payload.Control
	if ctrl == nil {
		return
	}
	switch ctrl.Cmd {
	case pkt.CmdHopHello:
		f.replyAck(env.CircuitID, ctrl)
	case pkt.CmdHopPing:
		f.replyPong(env.CircuitID, ctrl)
	case pkt.CmdHopAck:
		if f.Control != nil {
			f.Control.HandleAck(*ctrl)
		}
	case pkt.CmdHopPong:
		if f.Control != nil {
			f.Control.HandlePong(*ctrl)
		}
	}
}

func (f *Forwarder) replyAck(circuitID string, hello *pkt.RelayControl) {
	ack := pkt.RelayControl{
		Cmd:          pkt.CmdHopAck,
		CircuitID:    circuitID,
		HopIndex:     hello.HopIndex,
		Ts:           time.Now().UnixMilli(),
		SenderPeerID: f.SelfPeerID,
		RelayPeerID:  f.SelfPeerID,
		OK:           true,
	}
	env := pkt.NewRelayEnvelope(circuitID, f.SelfPeerID, []string{hello.SenderPeerID}, pkt.RelayPayload{
		Kind:    pkt.RelayPayloadControl,
		Control: &ack,
	})
	if err := f.Sender.SendToPeer(hello.SenderPeerID, env); err != nil {
		f.Logger.Warn("relay: HOP_ACK reply failed", "error", err)
	}
}

func (f *Forwarder) replyPong(circuitID string, ping *pkt.RelayControl) {
	pong := pkt.RelayControl{
		Cmd:          pkt.CmdHopPong,
		CircuitID:    circuitID,
		HopIndex:     ping.HopIndex,
		Ts:           time.Now().UnixMilli(),
		SenderPeerID: f.SelfPeerID,
		RelayPeerID:  f.SelfPeerID,
		OK:           true,
	}
	env := pkt.NewRelayEnvelope(circuitID, f.SelfPeerID, []string{ping.SenderPeerID}, pkt.RelayPayload{
		Kind:    pkt.RelayPayloadControl,
		Control: &pong,
	})
	if err := f.Sender.SendToPeer(ping.SenderPeerID, env); err != nil {
		f.Logger.Warn("relay: HOP_PONG reply failed", "error", err)
	}
}
