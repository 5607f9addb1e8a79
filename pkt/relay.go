package pkt

import (
	"encoding/json"
	"fmt"
	"time"
)

// RelayPayloadKind tags a RelayEnvelope's payload as carrying application
// data or built-in onion control traffic.
type RelayPayloadKind string

const (
	RelayPayloadData    RelayPayloadKind = "data"
	RelayPayloadControl RelayPayloadKind = "control"
)

// ControlCmd enumerates the HOP_* control messages carried by control
// RelayEnvelopes, used to build and keep alive a built-in onion circuit.
type ControlCmd string

const (
	CmdHopHello ControlCmd = "HOP_HELLO"
	CmdHopAck   ControlCmd = "HOP_ACK"
	CmdHopPing  ControlCmd = "HOP_PING"
	CmdHopPong  ControlCmd = "HOP_PONG"
)

// RelayControl is the control-plane payload for circuit build/keepalive.
type RelayControl struct {
	Cmd          ControlCmd `json:"cmd"`
	CircuitID    string     `json:"circuitId"`
	HopIndex     int        `json:"hopIndex"`
	Ts           int64      `json:"ts"`
	SenderPeerID string     `json:"senderPeerId"`
	RelayPeerID  string     `json:"relayPeerId,omitempty"`
	OK           bool       `json:"ok,omitempty"`
	Signature    []byte     `json:"signature,omitempty"`
}

// RelayPayload is a tagged union: either a Packet for final delivery, or
// Control for circuit build/keepalive traffic.
type RelayPayload struct {
	Kind    RelayPayloadKind `json:"kind"`
	Packet  *TransportPacket `json:"packet,omitempty"`
	Control *RelayControl    `json:"control,omitempty"`
}

// MaxChainLength is the maximum number of hops a RelayEnvelope may name.
const MaxChainLength = 8

// RelayEnvelopeVersion is the only wire version this core understands.
const RelayEnvelopeVersion = 1

// RelayEnvelopeType is the fixed discriminator for a source-routed
// built-in onion envelope.
const RelayEnvelopeType = "internal_onion_relay"

// RelayEnvelope is the source-routed forwarding unit for the built-in
// onion transport: each node checks chain[hopCursor] against its own
// peer id, then either forwards with hopCursor+1 or delivers/handles.
type RelayEnvelope struct {
	Type         string       `json:"type"`
	V            int          `json:"v"`
	Ts           int64        `json:"ts"`
	CircuitID    string       `json:"circuitId"`
	SenderPeerID string       `json:"senderPeerId"`
	Chain        []string     `json:"chain"`
	HopCursor    int          `json:"hopCursor"`
	Payload      RelayPayload `json:"payload"`
}

// NewRelayEnvelope builds an envelope with the fixed type/version stamped
// and the current time recorded.
func NewRelayEnvelope(circuitID, senderPeerID string, chain []string, payload RelayPayload) RelayEnvelope {
	return RelayEnvelope{
		Type:         RelayEnvelopeType,
		V:            RelayEnvelopeVersion,
		Ts:           time.Now().UnixMilli(),
		CircuitID:    circuitID,
		SenderPeerID: senderPeerID,
		Chain:        chain,
		HopCursor:    0,
		Payload:      payload,
	}
}

// Validate checks the structural invariants from §3/§4.5: matching
// type/version, chain length in [1,8], hopCursor in bounds. It does not
// check chain[hopCursor] against a local peer id — that's the caller's
// concern since only the caller knows who it is.
func (e *RelayEnvelope) Validate() error {
	if e.Type != RelayEnvelopeType {
		return fmt.Errorf("relay envelope: unexpected type %q", e.Type)
	}
	if e.V != RelayEnvelopeVersion {
		return fmt.Errorf("relay envelope: unexpected version %d", e.V)
	}
	if len(e.Chain) < 1 || len(e.Chain) > MaxChainLength {
		return fmt.Errorf("relay envelope: chain length %d out of [1,%d]", len(e.Chain), MaxChainLength)
	}
	if e.HopCursor < 0 || e.HopCursor > len(e.Chain) {
		return fmt.Errorf("relay envelope: hopCursor %d out of bounds for chain length %d", e.HopCursor, len(e.Chain))
	}
	return nil
}

// IsFinal reports whether this node is the last hop in the chain.
func (e *RelayEnvelope) IsFinal() bool {
	return e.HopCursor >= len(e.Chain)-1
}

// Advanced returns a copy of e with hopCursor incremented by one and the
// timestamp refreshed, ready to send to the next hop in the chain.
func (e RelayEnvelope) Advanced() RelayEnvelope {
	e.HopCursor++
	e.Ts = time.Now().UnixMilli()
	return e
}

// Encode marshals the envelope to JSON bytes.
func (e *RelayEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeRelayEnvelope parses and structurally validates an envelope off
// the wire. Malformed input is rejected, never silently coerced.
func DecodeRelayEnvelope(data []byte) (*RelayEnvelope, error) {
	var e RelayEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode relay envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
