package transport

import (
	"encoding/json"
	"fmt"

	"github.com/nyukop/nkc-core/pkt"
)

// encodeFrame serializes a TransportPacket to the JSON frame carried by
// the direct data channel (binary bodies already ride the {b64} wrapper
// via pkt.Payload's MarshalJSON).
func encodeFrame(p pkt.TransportPacket) ([]byte, error) {
	return json.Marshal(p)
}

// decodeFrame parses one inbound data channel frame.
func decodeFrame(raw []byte) (pkt.TransportPacket, error) {
	var p pkt.TransportPacket
	if err := json.Unmarshal(raw, &p); err != nil {
		return pkt.TransportPacket{}, fmt.Errorf("decode frame: %w", err)
	}
	return p, nil
}
