// Package offline implements the bounded, disk-backed FIFO buffer used to
// hold audit events, execution results, and trigger fires while the node is
// disconnected from the central control plane (spec §4.5). Grounded on the
// teacher's offline queue handling in cmd/workflow-runner/queue (bounded
// channel + drop-oldest + NDJSON snapshot) adapted to a mutex-guarded slice
// since the buffer must support mid-queue draining and disk snapshotting
// that a channel cannot express.
package offline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the narrow logging surface this package depends on.
type Logger interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Kind tags the payload carried by an Envelope (spec §4.5).
type Kind string

const (
	KindAuditEvent      Kind = "AUDIT_EVENT"
	KindExecutionResult Kind = "EXECUTION_RESULT"
	KindTriggerFire     Kind = "TRIGGER_FIRE"
)

// Envelope wraps one buffered item with its kind and enqueue time.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Buffer is a bounded FIFO persisted to an NDJSON file on disk.
type Buffer struct {
	mu      sync.Mutex
	items   []Envelope
	maxSize int
	path    string
	log     Logger

	online int32 // atomic bool: 1 = connected to central
	dropped int64
}

// New creates a Buffer bounded at maxSize (default 10000 if <= 0), persisted
// at path.
func New(path string, maxSize int, log Logger) *Buffer {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Buffer{
		maxSize: maxSize,
		path:    path,
		log:     log,
	}
}

func newEnvelope(kind Kind, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, EnqueuedAt: time.Now().UTC(), Payload: raw}, nil
}

// enqueue appends env, dropping the oldest item with a warning if the buffer
// is already at capacity (spec §4.5).
func (b *Buffer) enqueue(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.maxSize {
		b.items = b.items[1:]
		atomic.AddInt64(&b.dropped, 1)
		b.log.Warn("offline buffer: at capacity, dropping oldest item", "max_size", b.maxSize)
	}
	b.items = append(b.items, env)
}

// EnqueueAuditEvent buffers an audit event for later flush.
func (b *Buffer) EnqueueAuditEvent(v any) error {
	env, err := newEnvelope(KindAuditEvent, v)
	if err != nil {
		return fmt.Errorf("offline: encode audit event: %w", err)
	}
	b.enqueue(env)
	return nil
}

// EnqueueExecutionResult buffers a slice execution result for later flush.
func (b *Buffer) EnqueueExecutionResult(v any) error {
	env, err := newEnvelope(KindExecutionResult, v)
	if err != nil {
		return fmt.Errorf("offline: encode execution result: %w", err)
	}
	b.enqueue(env)
	return nil
}

// EnqueueTriggerFire buffers a trigger fire notification for later flush.
func (b *Buffer) EnqueueTriggerFire(v any) error {
	env, err := newEnvelope(KindTriggerFire, v)
	if err != nil {
		return fmt.Errorf("offline: encode trigger fire: %w", err)
	}
	b.enqueue(env)
	return nil
}

// NotifyConnected flips the online flag (spec §4.5).
func (b *Buffer) NotifyConnected(connected bool) {
	if connected {
		atomic.StoreInt32(&b.online, 1)
	} else {
		atomic.StoreInt32(&b.online, 0)
	}
}

// IsOnline reports the last known connectivity state.
func (b *Buffer) IsOnline() bool {
	return atomic.LoadInt32(&b.online) == 1
}

// IsBuffering reports whether items are accumulating because the node is
// offline (spec §4.5).
func (b *Buffer) IsBuffering() bool {
	return !b.IsOnline() && !b.IsEmpty()
}

// DrainForFlush empties the buffer and returns everything it held, in FIFO
// order, for a caller to push to the central endpoint on reconnect.
func (b *Buffer) DrainForFlush() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

// Requeue pushes items back onto the FRONT of the buffer, preserving their
// relative order, for use when a flush attempt fails partway through.
func (b *Buffer) Requeue(items []Envelope) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(items, b.items...)
	if len(b.items) > b.maxSize {
		overflow := len(b.items) - b.maxSize
		b.items = b.items[overflow:]
		atomic.AddInt64(&b.dropped, int64(overflow))
		b.log.Warn("offline buffer: requeue exceeded capacity, dropped oldest items", "count", overflow)
	}
}

// Snapshot returns a read-only copy of the current contents without
// draining them.
func (b *Buffer) Snapshot() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.items))
	copy(out, b.items)
	return out
}

// Len returns the number of buffered items.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// IsEmpty reports whether the buffer currently holds no items.
func (b *Buffer) IsEmpty() bool {
	return b.Len() == 0
}

// Dropped returns the cumulative count of items discarded due to capacity.
func (b *Buffer) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Persist writes the current contents to path as newline-delimited JSON via
// a temp file + atomic rename, so a crash mid-write never corrupts the
// on-disk buffer (spec §4.5). An empty buffer truncates the file.
func (b *Buffer) Persist() error {
	if b.path == "" {
		return nil
	}
	items := b.Snapshot()

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".offline-buffer-*.tmp")
	if err != nil {
		return fmt.Errorf("offline: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, env := range items {
		line, err := json.Marshal(env)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("offline: marshal envelope: %w", err)
		}
		if _, err := w.Write(line); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("offline: flush temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("offline: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("offline: rename temp file: %w", err)
	}
	return nil
}

// Load reads a previously persisted NDJSON buffer from disk, tolerating
// unparseable lines (logged and skipped) and stopping once maxSize items
// have been read (spec §4.5). A missing file is not an error.
func (b *Buffer) Load() error {
	if b.path == "" {
		return nil
	}
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("offline: open buffer file: %w", err)
	}
	defer f.Close()

	var loaded []Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		if len(loaded) >= b.maxSize {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			b.log.Warn("offline buffer: skipping unparseable persisted line", "error", err)
			continue
		}
		loaded = append(loaded, env)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("offline: scan buffer file: %w", err)
	}

	b.mu.Lock()
	b.items = loaded
	b.mu.Unlock()
	return nil
}

// ClearDisk removes the persisted buffer file, if any.
func (b *Buffer) ClearDisk() error {
	if b.path == "" {
		return nil
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("offline: remove buffer file: %w", err)
	}
	return nil
}
