// Package wire hand-encodes the two binary-frame protobuf messages the
// central link exchanges with an edge node (spec §4.5 "Binary frames", §6
// "IR distribution payload"). No protoc toolchain is available in this
// environment, so encoding/decoding is done directly against
// google.golang.org/protobuf/encoding/protowire's append/consume primitives,
// against the explicit schema documented below — a standard technique for
// wire-compatible protobuf without codegen, and it keeps the real
// google.golang.org/protobuf module as the dependency of record rather than
// a hand-rolled bespoke format.
//
// Schema (proto3, field numbers are load-bearing — do not renumber):
//
//	message Artifact {
//	  bytes  payload        = 1;
//	  int32  format_major   = 2;
//	  string payload_digest = 3;
//	  bytes  public_key     = 4;
//	  bytes  signature      = 5;
//	}
//	message IRDistributionMessage {
//	  Artifact artifact = 1;
//	}
//	message RegisterEntry {
//	  string key   = 1;
//	  string value = 2;
//	}
//	message SliceExecutionResult {
//	  string         workflow_id  = 1;
//	  string         slice_id     = 2;
//	  string         node_id      = 3;
//	  string         status       = 4;
//	  string         error        = 5;
//	  int64          duration_ms  = 6;
//	  RegisterEntry  registers    = 7; // repeated
//	  bytes          audit_event  = 8; // repeated, each a JSON-encoded audit.Event
//	}
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lyzr/eyeflow/internal/ir"
)

// Artifact field numbers.
const (
	fieldArtifactPayload     = 1
	fieldArtifactFormatMajor = 2
	fieldArtifactDigest      = 3
	fieldArtifactPublicKey   = 4
	fieldArtifactSignature   = 5
)

// IRDistributionMessage field numbers.
const fieldDistributionArtifact = 1

// RegisterEntry field numbers.
const (
	fieldRegisterKey   = 1
	fieldRegisterValue = 2
)

// SliceExecutionResult field numbers.
const (
	fieldResultWorkflowID = 1
	fieldResultSliceID    = 2
	fieldResultNodeID     = 3
	fieldResultStatus     = 4
	fieldResultError      = 5
	fieldResultDurationMS = 6
	fieldResultRegisters  = 7
	fieldResultAuditEvent = 8
)

// EncodeArtifact serializes a into the Artifact message bytes.
func EncodeArtifact(a *ir.Artifact) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldArtifactPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Payload)
	b = protowire.AppendTag(b, fieldArtifactFormatMajor, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(a.FormatMajor)))
	b = protowire.AppendTag(b, fieldArtifactDigest, protowire.BytesType)
	b = protowire.AppendString(b, a.PayloadDigest)
	b = protowire.AppendTag(b, fieldArtifactPublicKey, protowire.BytesType)
	b = protowire.AppendBytes(b, a.PublicKey)
	b = protowire.AppendTag(b, fieldArtifactSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Signature)
	return b
}

// DecodeArtifact parses an Artifact message, tolerating unknown fields.
func DecodeArtifact(b []byte) (*ir.Artifact, error) {
	a := &ir.Artifact{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: consume artifact tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldArtifactPayload:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: consume artifact payload: %w", protowire.ParseError(m))
			}
			a.Payload = append([]byte(nil), v...)
			b = b[m:]
		case fieldArtifactFormatMajor:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: consume format_major: %w", protowire.ParseError(m))
			}
			a.FormatMajor = int(int64(v))
			b = b[m:]
		case fieldArtifactDigest:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: consume payload_digest: %w", protowire.ParseError(m))
			}
			a.PayloadDigest = v
			b = b[m:]
		case fieldArtifactPublicKey:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: consume public_key: %w", protowire.ParseError(m))
			}
			a.PublicKey = append([]byte(nil), v...)
			b = b[m:]
		case fieldArtifactSignature:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: consume signature: %w", protowire.ParseError(m))
			}
			a.Signature = append([]byte(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("wire: skip unknown artifact field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return a, nil
}

// EncodeIRDistribution wraps an Artifact as an IRDistributionMessage.
func EncodeIRDistribution(a *ir.Artifact) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDistributionArtifact, protowire.BytesType)
	b = protowire.AppendBytes(b, EncodeArtifact(a))
	return b
}

// DecodeIRDistribution unwraps an IRDistributionMessage into its Artifact.
func DecodeIRDistribution(b []byte) (*ir.Artifact, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: consume distribution tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldDistributionArtifact {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: consume distribution artifact: %w", protowire.ParseError(m))
			}
			return DecodeArtifact(v)
		}
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil, fmt.Errorf("wire: skip unknown distribution field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil, fmt.Errorf("wire: IRDistributionMessage missing artifact field")
}

// EncodeSliceResult serializes a slice execution result. AuditEventsJSON is
// the drained audit chain, each event already JSON-marshaled by the caller
// (the audit chain's Event type has no protobuf mapping of its own; it rides
// inside the binary frame as opaque bytes, matching how the JSON frame path
// carries it as an array of JSON objects).
func EncodeSliceResult(r *ir.SliceResult, auditEventsJSON [][]byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldResultWorkflowID, protowire.BytesType)
	b = protowire.AppendString(b, r.WorkflowID)
	b = protowire.AppendTag(b, fieldResultSliceID, protowire.BytesType)
	b = protowire.AppendString(b, r.SliceID)
	b = protowire.AppendTag(b, fieldResultNodeID, protowire.BytesType)
	b = protowire.AppendString(b, r.NodeID)
	b = protowire.AppendTag(b, fieldResultStatus, protowire.BytesType)
	b = protowire.AppendString(b, string(r.Status))
	b = protowire.AppendTag(b, fieldResultError, protowire.BytesType)
	b = protowire.AppendString(b, r.Error)
	b = protowire.AppendTag(b, fieldResultDurationMS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.DurationMS))
	for k, v := range r.Registers {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldRegisterKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldRegisterValue, protowire.BytesType)
		entry = protowire.AppendString(entry, v)
		b = protowire.AppendTag(b, fieldResultRegisters, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	for _, ev := range auditEventsJSON {
		b = protowire.AppendTag(b, fieldResultAuditEvent, protowire.BytesType)
		b = protowire.AppendBytes(b, ev)
	}
	return b
}

// DecodeSliceResult parses a SliceExecutionResult message.
func DecodeSliceResult(b []byte) (*ir.SliceResult, [][]byte, error) {
	r := &ir.SliceResult{Registers: make(map[string]string)}
	var auditEvents [][]byte

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, fmt.Errorf("wire: consume result tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldResultWorkflowID:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, nil, fmt.Errorf("wire: consume workflow_id: %w", protowire.ParseError(m))
			}
			r.WorkflowID = v
			b = b[m:]
		case fieldResultSliceID:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, nil, fmt.Errorf("wire: consume slice_id: %w", protowire.ParseError(m))
			}
			r.SliceID = v
			b = b[m:]
		case fieldResultNodeID:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, nil, fmt.Errorf("wire: consume node_id: %w", protowire.ParseError(m))
			}
			r.NodeID = v
			b = b[m:]
		case fieldResultStatus:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, nil, fmt.Errorf("wire: consume status: %w", protowire.ParseError(m))
			}
			r.Status = ir.SliceStatus(v)
			b = b[m:]
		case fieldResultError:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, nil, fmt.Errorf("wire: consume error: %w", protowire.ParseError(m))
			}
			r.Error = v
			b = b[m:]
		case fieldResultDurationMS:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, nil, fmt.Errorf("wire: consume duration_ms: %w", protowire.ParseError(m))
			}
			r.DurationMS = int64(v)
			b = b[m:]
		case fieldResultRegisters:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, nil, fmt.Errorf("wire: consume registers entry: %w", protowire.ParseError(m))
			}
			key, val, dErr := decodeRegisterEntry(v)
			if dErr != nil {
				return nil, nil, dErr
			}
			r.Registers[key] = val
			b = b[m:]
		case fieldResultAuditEvent:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, nil, fmt.Errorf("wire: consume audit_event: %w", protowire.ParseError(m))
			}
			auditEvents = append(auditEvents, append([]byte(nil), v...))
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, nil, fmt.Errorf("wire: skip unknown result field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return r, auditEvents, nil
}

func decodeRegisterEntry(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("wire: consume register entry tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldRegisterKey:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return "", "", fmt.Errorf("wire: consume register key: %w", protowire.ParseError(m))
			}
			key = v
			b = b[m:]
		case fieldRegisterValue:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return "", "", fmt.Errorf("wire: consume register value: %w", protowire.ParseError(m))
			}
			value = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return "", "", fmt.Errorf("wire: skip unknown register entry field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return key, value, nil
}
