// Package pkt holds the wire-level data shapes shared by every transport:
// the TransportPacket envelope, the route selector, and the base64url
// wrapper that lets binary payloads ride JSON-only transports.
package pkt

import (
	"encoding/base64"
	"encoding/json"
)

// RouteMode selects how a packet should be carried by the onion transports.
type RouteMode string

const (
	RouteAuto         RouteMode = "auto"
	RoutePreferLokinet RouteMode = "preferLokinet"
	RoutePreferTor    RouteMode = "preferTor"
	RouteManual       RouteMode = "manual"
)

// Route carries transport-specific routing hints attached to a packet.
type Route struct {
	Mode        RouteMode `json:"mode,omitempty"`
	TorOnion    string    `json:"torOnion,omitempty"`
	Lokinet     string    `json:"lokinet,omitempty"`
	ToDeviceID  string    `json:"toDeviceId,omitempty"`
}

// Payload is a tagged union over a text or binary payload. Binary bodies
// are carried through the {b64} wrapper so byte-for-byte content survives
// JSON transports; text payloads are carried verbatim.
type Payload struct {
	Text  string
	Bytes []byte
	IsB64 bool
}

// payloadWire is the on-the-wire JSON shape for Payload.
type payloadWire struct {
	B64  string `json:"b64,omitempty"`
	Text string `json:"text,omitempty"`
}

// WrapBytes produces a base64url-wrapped Payload carrying raw bytes.
func WrapBytes(b []byte) Payload {
	return Payload{Bytes: append([]byte(nil), b...), IsB64: true}
}

// WrapText produces a text Payload.
func WrapText(s string) Payload {
	return Payload{Text: s}
}

// MarshalJSON implements the {b64} wrapper round trip.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsB64 {
		return json.Marshal(payloadWire{B64: base64.RawURLEncoding.EncodeToString(p.Bytes)})
	}
	return json.Marshal(payloadWire{Text: p.Text})
}

// UnmarshalJSON implements the {b64} wrapper round trip.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var w payloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.B64 != "" {
		b, err := base64.RawURLEncoding.DecodeString(w.B64)
		if err != nil {
			return err
		}
		*p = Payload{Bytes: b, IsB64: true}
		return nil
	}
	*p = Payload{Text: w.Text}
	return nil
}

// TransportPacket is the uniform envelope every adapter's Send accepts
// and every adapter's inbound handler receives.
type TransportPacket struct {
	ID      string                 `json:"id"`
	Payload Payload                `json:"payload"`
	To      string                 `json:"to,omitempty"`
	Route   *Route                 `json:"route,omitempty"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}
