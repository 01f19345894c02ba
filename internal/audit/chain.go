// Package audit implements the in-memory, hash-linked, Ed25519-signed audit
// event log (spec §4.4). Grounded on the hash-chain technique in
// other_examples' audit_logger.go.go (seq/prev_hash/event_hash over a fixed
// JSON shape) adapted to an in-memory deque with an explicit signature.
package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the previous_event_hash of the first event in a chain: 64
// hex zeros (spec §3).
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Logger is the narrow logging surface this package depends on.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Event is one immutable audit record (spec §3).
type Event struct {
	EventID         string         `json:"event_id"`
	Timestamp       time.Time      `json:"timestamp"`
	NodeID          string         `json:"node_id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion string         `json:"workflow_version"`
	InstructionID   *int           `json:"instruction_id,omitempty"`
	EventType       string         `json:"event_type"`
	InputHash       string         `json:"input_hash"`
	OutputHash      string         `json:"output_hash"`
	DurationMS      int64          `json:"duration_ms"`
	Details         map[string]any `json:"details,omitempty"`
	PreviousEventHash string       `json:"previous_event_hash"`
	SelfHash        string         `json:"self_hash"`
	Signature       string         `json:"signature"` // hex
	PublicKeyHex    string         `json:"public_key_hex"`
}

// canonicalBody is the fixed, ordered shape hashed to produce SelfHash. It
// deliberately excludes self_hash, signature, and public_key_hex (spec §3,
// §9 "Secret hygiene" / Open Question 1). Field order here IS the canonical
// serialization both producer and any external verifier must agree on.
type canonicalBody struct {
	EventID           string         `json:"event_id"`
	Timestamp         string         `json:"timestamp"` // RFC3339 millis
	NodeID            string         `json:"node_id"`
	WorkflowID        string         `json:"workflow_id"`
	WorkflowVersion   string         `json:"workflow_version"`
	InstructionID     *int           `json:"instruction_id,omitempty"`
	EventType         string         `json:"event_type"`
	InputHash         string         `json:"input_hash"`
	OutputHash        string         `json:"output_hash"`
	DurationMS        int64          `json:"duration_ms"`
	Details           map[string]any `json:"details,omitempty"`
	PreviousEventHash string         `json:"previous_event_hash"`
}

func (e *Event) canonical() canonicalBody {
	return canonicalBody{
		EventID:           e.EventID,
		Timestamp:         e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		NodeID:            e.NodeID,
		WorkflowID:        e.WorkflowID,
		WorkflowVersion:   e.WorkflowVersion,
		InstructionID:     e.InstructionID,
		EventType:         e.EventType,
		InputHash:         e.InputHash,
		OutputHash:        e.OutputHash,
		DurationMS:        e.DurationMS,
		Details:           e.Details,
		PreviousEventHash: e.PreviousEventHash,
	}
}

// serializedForLinkage is the byte sequence a subsequent event's
// previous_event_hash is computed over: the full event including its own
// self_hash/signature/public_key_hex, so that tampering with a delivered
// event invalidates the link to whatever comes after it.
func (e *Event) serializedForLinkage() ([]byte, error) {
	return json.Marshal(e)
}

func hashJSON(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Chain is an in-memory, append-only, hash-linked, signed audit log.
type Chain struct {
	mu     sync.Mutex
	events []Event
	key    ed25519.PrivateKey
	pubHex string
	nodeID string
	log    Logger
}

// New creates a Chain. If key is nil, an ephemeral Ed25519 key pair is
// generated and a loud warning is logged (spec §4.4 "Key handling" /
// §9 "Ephemeral signing keys").
func New(nodeID string, key ed25519.PrivateKey, log Logger) *Chain {
	if key == nil {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			panic(fmt.Sprintf("audit: failed to generate ephemeral signing key: %v", err))
		}
		key = generated
		log.Warn("audit chain: no signing key provided, generated ephemeral key pair; " +
			"events signed with this key are NOT verifiable after restart — production must supply a PEM key")
	}
	pub := key.Public().(ed25519.PublicKey)
	return &Chain{
		key:    key,
		pubHex: hex.EncodeToString(pub),
		nodeID: nodeID,
		log:    log,
	}
}

// AppendInput describes one audited opcode invocation.
type AppendInput struct {
	WorkflowID      string
	WorkflowVersion string
	InstructionID   *int
	EventType       string
	Input           any
	Output          any
	DurationMS      int64
	Details         map[string]any
}

// Append computes hashes, signs, and pushes a new event onto the chain.
func (c *Chain) Append(in AppendInput) (Event, error) {
	inputHash, err := hashValue(in.Input)
	if err != nil {
		return Event{}, fmt.Errorf("audit: hash input: %w", err)
	}
	outputHash, err := hashValue(in.Output)
	if err != nil {
		return Event{}, fmt.Errorf("audit: hash output: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prevHash := GenesisHash
	if n := len(c.events); n > 0 {
		b, err := c.events[n-1].serializedForLinkage()
		if err != nil {
			return Event{}, fmt.Errorf("audit: serialize previous event: %w", err)
		}
		prevHash = hashJSON(b)
	}

	ev := Event{
		EventID:           uuid.New().String(),
		Timestamp:         time.Now(),
		NodeID:            c.nodeID,
		WorkflowID:        in.WorkflowID,
		WorkflowVersion:   in.WorkflowVersion,
		InstructionID:     in.InstructionID,
		EventType:         in.EventType,
		InputHash:         inputHash,
		OutputHash:        outputHash,
		DurationMS:        in.DurationMS,
		Details:           in.Details,
		PreviousEventHash: prevHash,
		PublicKeyHex:      c.pubHex,
	}

	bodyJSON, err := json.Marshal(ev.canonical())
	if err != nil {
		return Event{}, fmt.Errorf("audit: marshal canonical body: %w", err)
	}
	ev.SelfHash = hashJSON(bodyJSON)

	selfHashBytes, err := hex.DecodeString(ev.SelfHash)
	if err != nil {
		return Event{}, fmt.Errorf("audit: decode self hash: %w", err)
	}
	ev.Signature = hex.EncodeToString(ed25519.Sign(c.key, selfHashBytes))

	c.events = append(c.events, ev)
	return ev, nil
}

// Drain empties the chain and returns every accumulated event, in order.
func (c *Chain) Drain() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

// Len returns the number of buffered events.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func hashValue(v any) (string, error) {
	if v == nil {
		return hashJSON([]byte("null")), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return hashJSON(b), nil
}

// Verify walks a sequence of events re-deriving self_hash and linkage hashes.
// It returns the verified length and, on failure, the position (0-indexed)
// of the first tampered event.
func Verify(events []Event) (verifiedLen int, tamperedAt int, err error) {
	prevHash := GenesisHash
	for i := range events {
		bodyJSON, mErr := json.Marshal(events[i].canonical())
		if mErr != nil {
			return i, i, fmt.Errorf("audit: marshal event %d: %w", i, mErr)
		}
		if hashJSON(bodyJSON) != events[i].SelfHash {
			return i, i, fmt.Errorf("audit: self_hash mismatch at position %d", i)
		}
		if events[i].PreviousEventHash != prevHash {
			return i, i, fmt.Errorf("audit: linkage broken at position %d", i)
		}

		pubBytes, pErr := hex.DecodeString(events[i].PublicKeyHex)
		if pErr == nil && len(pubBytes) == ed25519.PublicKeySize {
			selfHashBytes, _ := hex.DecodeString(events[i].SelfHash)
			sigBytes, sErr := hex.DecodeString(events[i].Signature)
			if sErr == nil && !ed25519.Verify(ed25519.PublicKey(pubBytes), selfHashBytes, sigBytes) {
				return i, i, fmt.Errorf("audit: signature invalid at position %d", i)
			}
		}

		linkageBytes, lErr := events[i].serializedForLinkage()
		if lErr != nil {
			return i, i, fmt.Errorf("audit: serialize event %d: %w", i, lErr)
		}
		prevHash = hashJSON(linkageBytes)
	}
	return len(events), -1, nil
}
