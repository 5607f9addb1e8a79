package pkt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// SignalCodePrefix is the fixed prefix on every emitted/consumed direct
// signalling code.
const SignalCodePrefix = "NKC-RTC1."

// SignalType enumerates the WebRTC signalling message kinds carried in a
// signal code.
type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalICE    SignalType = "ice"
)

// SignalMessage is the JSON payload wrapped inside a signal code.
type SignalMessage struct {
	V         int        `json:"v"`
	T         SignalType `json:"t"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"`
	SDPMid    string     `json:"sdpMid,omitempty"`
}

// EncodeSignalCode renders a SignalMessage as "NKC-RTC1.<base64url(json)>".
func EncodeSignalCode(m SignalMessage) (string, error) {
	if m.V == 0 {
		m.V = 1
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode signal message: %w", err)
	}
	return SignalCodePrefix + base64.RawURLEncoding.EncodeToString(body), nil
}

// DecodeSignalCode is the exact inverse of EncodeSignalCode:
// decode(encode(m)) == m for any valid m.
func DecodeSignalCode(code string) (SignalMessage, error) {
	if !strings.HasPrefix(code, SignalCodePrefix) {
		return SignalMessage{}, fmt.Errorf("decode signal code: missing %q prefix", SignalCodePrefix)
	}
	raw := strings.TrimPrefix(code, SignalCodePrefix)
	body, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("decode signal code: %w", err)
	}
	var m SignalMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return SignalMessage{}, fmt.Errorf("decode signal code: %w", err)
	}
	return m, nil
}
