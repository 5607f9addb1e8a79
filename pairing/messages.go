package pairing

import (
	"encoding/json"
	"fmt"
)

// MessageType distinguishes the two message shapes multiplexed over both
// the local bus and the rendezvous topic.
type MessageType string

const (
	MsgPairReq MessageType = "PAIR_REQ"
	MsgPairRes MessageType = "PAIR_RES"
)

// ResultStatus is the outcome carried on a PAIR_RES message.
type ResultStatus string

const (
	ResultApproved ResultStatus = "approved"
	ResultRejected ResultStatus = "rejected"
	ResultError    ResultStatus = "error"
)

// DeviceAddedEvent is the signed record the host produces on approval;
// signing itself is an external collaborator's concern (§1) — this core
// only carries the opaque bytes.
type DeviceAddedEvent struct {
	DeviceID  string `json:"deviceId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature,omitempty"`
}

// Request is a guest device's PAIR_REQ.
type Request struct {
	RequestID    string `json:"requestId"`
	Code         string `json:"code"`
	DeviceID     string `json:"deviceId"`
	IdentityPub  []byte `json:"identityPub"`
	DHPub        []byte `json:"dhPub"`
	Ts           int64  `json:"ts"`
}

// Result is the host's PAIR_RES reply to one Request.
type Result struct {
	RequestID string            `json:"requestId"`
	Status    ResultStatus      `json:"status"`
	Message   string            `json:"message,omitempty"`
	Event     *DeviceAddedEvent `json:"event,omitempty"`
}

// envelope is the wire shape both the local bus and the rendezvous
// topic carry: a type tag plus one of Request/Result as a raw payload,
// matching the teacher's own tagged-JSON preference (directory's cache
// records, onion's descriptor fields) over a polymorphic struct.
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func encodeRequest(r Request) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("pairing: encode request: %w", err)
	}
	env, err := json.Marshal(envelope{Type: MsgPairReq, Payload: body})
	if err != nil {
		return "", fmt.Errorf("pairing: encode envelope: %w", err)
	}
	return string(env), nil
}

func encodeResult(r Result) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("pairing: encode result: %w", err)
	}
	env, err := json.Marshal(envelope{Type: MsgPairRes, Payload: body})
	if err != nil {
		return "", fmt.Errorf("pairing: encode envelope: %w", err)
	}
	return string(env), nil
}

// decodeEnvelope parses a raw payload string (from the bus or from a
// rendezvous Item.Payload) into either a Request or a Result.
func decodeEnvelope(raw string) (MessageType, Request, Result, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", Request{}, Result{}, fmt.Errorf("pairing: decode envelope: %w", err)
	}
	switch env.Type {
	case MsgPairReq:
		var r Request
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return "", Request{}, Result{}, fmt.Errorf("pairing: decode request: %w", err)
		}
		return MsgPairReq, r, Result{}, nil
	case MsgPairRes:
		var r Result
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return "", Request{}, Result{}, fmt.Errorf("pairing: decode result: %w", err)
		}
		return MsgPairRes, Request{}, r, nil
	default:
		return "", Request{}, Result{}, fmt.Errorf("pairing: unknown message type %q", env.Type)
	}
}
