// Package model defines the wire and storage types shared by the gateway
// and the ingester: a Reading is a measurement in flight, a Record is a
// Reading persisted with a per-node sequence number.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sources recorded in Meta.Source, matching the frame the reading arrived on.
const (
	SourceESP32    = "esp32"    // /save frames from device firmware
	SourceSocketIO = "socketio" // legacy data / bulk:data frames
)

// Meta carries provenance for a reading. The payload itself stays open;
// meta is the only closed part of the schema.
type Meta struct {
	Source         string `json:"source" bson:"source"`
	RawDeviceID    string `json:"rawDeviceId,omitempty" bson:"rawDeviceId,omitempty"`
	AutoIdentified bool   `json:"autoIdentified,omitempty" bson:"autoIdentified,omitempty"`
}

// Reading is a single measurement accepted by the gateway. It has no
// sequence number yet; that is assigned by the ingester at persist time.
type Reading struct {
	NodeID  string         `json:"nodeId" bson:"nodeId"`
	TS      int64          `json:"ts" bson:"ts"` // server receipt time, unix ms
	Payload map[string]any `json:"payload" bson:"payload"`
	Meta    Meta           `json:"meta" bson:"meta"`
}

// Record is a persisted Reading. (NodeID, Seq) is unique and per-node
// sequences are dense: {1..N} with no gaps.
type Record struct {
	NodeID  string         `json:"nodeId" bson:"nodeId"`
	Seq     int64          `json:"seq" bson:"seq"`
	TS      int64          `json:"ts" bson:"ts"`
	Payload map[string]any `json:"payload" bson:"payload"`
	Meta    Meta           `json:"meta" bson:"meta"`
}

// DecodeSavePayload normalizes the argument of a /save frame. Older firmware
// sends the payload as a JSON-encoded string, newer firmware as an object.
func DecodeSavePayload(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, errors.New("empty /save payload")
	case map[string]any:
		return v, nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("failed to parse /save payload string: %w", err)
		}
		return m, nil
	case []byte:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, fmt.Errorf("failed to parse /save payload bytes: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported /save payload type %T", raw)
	}
}

// ExtractDeviceID removes the deviceId field from a /save payload and
// returns it. The id is identification, not a metric, so it is lifted into
// Meta.RawDeviceID rather than persisted alongside min/max/avg/current.
func ExtractDeviceID(payload map[string]any) string {
	v, ok := payload["deviceId"]
	if !ok {
		return ""
	}
	delete(payload, "deviceId")
	id, _ := v.(string)
	return id
}

// SynthesizeNodeID builds the fallback node id for sockets that sent a
// /save frame without a deviceId before identifying.
func SynthesizeNodeID(socketID string) string {
	if len(socketID) > 8 {
		socketID = socketID[:8]
	}
	return "ESP32_" + socketID
}
