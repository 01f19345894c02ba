package ir

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Artifact is the signed envelope carrying an IR payload (spec §3).
type Artifact struct {
	Payload      []byte `json:"payload"`
	FormatMajor  int    `json:"format_major"`
	PayloadDigest string `json:"payload_digest"` // hex sha256
	PublicKey    []byte `json:"public_key"`
	Signature    []byte `json:"signature"`
}

// VerifyDigest checks that the artifact's declared digest matches the
// payload's actual SHA-256 (spec §4.5 "Signature gate").
func (a *Artifact) VerifyDigest() error {
	sum := sha256.Sum256(a.Payload)
	actual := hex.EncodeToString(sum[:])
	if actual != a.PayloadDigest {
		return fmt.Errorf("artifact digest mismatch: declared %s, computed %s", a.PayloadDigest, actual)
	}
	return nil
}

// VerifySignature verifies the Ed25519 signature over the payload digest.
// If either the public key or signature is empty, verification is skipped
// and ok=false, skipped=true is returned (dev/unsigned mode, spec §4.5).
func (a *Artifact) VerifySignature() (ok bool, skipped bool, err error) {
	if len(a.PublicKey) == 0 || len(a.Signature) == 0 {
		return false, true, nil
	}
	if len(a.PublicKey) != ed25519.PublicKeySize {
		return false, false, fmt.Errorf("invalid public key length: %d", len(a.PublicKey))
	}
	digest, err := hex.DecodeString(a.PayloadDigest)
	if err != nil {
		return false, false, fmt.Errorf("invalid payload digest: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(a.PublicKey), digest, a.Signature), false, nil
}

// SliceStatus enumerates slice execution result statuses (spec §3).
type SliceStatus string

const (
	StatusSuccess SliceStatus = "SUCCESS"
	StatusFailed  SliceStatus = "FAILED"
)

// SliceResult is the outcome of executing one IR slice (spec §3).
type SliceResult struct {
	WorkflowID string            `json:"workflow_id"`
	SliceID    string            `json:"slice_id"`
	NodeID     string            `json:"node_id"`
	Status     SliceStatus       `json:"status"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	Registers  map[string]string `json:"registers"`
	AuditEvents []any            `json:"audit_events"`
}
