// Package link implements the reconnecting bidirectional client between an
// edge node and the central orchestrator (spec §4.5), grounded on the
// teacher's cmd/fanout websocket hub/client (client.go's readPump/writePump
// ping-keepalive shape), generalized from a server-side broadcast hub into a
// client-side reconnect loop that frames IR in and results out.
package link

import (
	"encoding/json"

	"github.com/lyzr/eyeflow/internal/offline"
)

// FrameType enumerates the {type, payload} JSON frames exchanged over the
// link (spec §4.5).
type FrameType string

const (
	// Node -> central.
	FrameRegister   FrameType = "REGISTER"
	FrameResult     FrameType = "RESULT"
	FramePong       FrameType = "PONG"
	FrameAuditFlush FrameType = "AUDIT_FLUSH"

	// Central -> node.
	FrameIRDistribution FrameType = "IR_DISTRIBUTION"
	FramePing           FrameType = "PING"
	FrameConfigUpdate   FrameType = "CONFIG_UPDATE"
)

// Frame is the wire shape of every JSON text message (spec §4.5).
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterPayload is the REGISTER frame's payload (spec §4.5).
type RegisterPayload struct {
	NodeID       string   `json:"nodeId"`
	Tier         string   `json:"tier"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// IRDistributionPayload is the IR_DISTRIBUTION frame's JSON-path payload
// (spec §6): either an "artifact" or "payload" key carries the base64
// protobuf-encoded artifact.
type IRDistributionPayload struct {
	Artifact string `json:"artifact,omitempty"`
	Payload  string `json:"payload,omitempty"`
}

// Base64Artifact returns whichever of Artifact/Payload is populated.
func (p IRDistributionPayload) Base64Artifact() string {
	if p.Artifact != "" {
		return p.Artifact
	}
	return p.Payload
}

// encodeFrame marshals a typed payload into a Frame's wire bytes.
func encodeFrame(t FrameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: t, Payload: raw})
}

// auditFlushEntry is one element of the AUDIT_FLUSH payload array: an
// offline envelope re-serialized for the wire (spec §4.5).
type auditFlushEntry struct {
	Kind       offline.Kind    `json:"kind"`
	EnqueuedAt string          `json:"enqueuedAt"`
	Payload    json.RawMessage `json:"payload"`
}
