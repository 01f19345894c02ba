package offline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, args ...any)  { l.t.Logf("[INFO] %s %v", msg, args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.t.Logf("[WARN] %s %v", msg, args) }
func (l *testLogger) Error(msg string, args ...any) { l.t.Logf("[ERROR] %s %v", msg, args) }

// testable property 5: bounded drop-oldest FIFO.
func TestEnqueue_DropsOldestAtCapacity(t *testing.T) {
	b := New("", 3, &testLogger{t: t})
	for i := 0; i < 5; i++ {
		require.NoError(t, b.EnqueueAuditEvent(map[string]any{"i": i}))
	}
	assert.Equal(t, 3, b.Len())
	assert.EqualValues(t, 2, b.Dropped())

	items := b.Snapshot()
	require.Len(t, items, 3)
	assert.Equal(t, `{"i":2}`, string(items[0].Payload))
	assert.Equal(t, `{"i":4}`, string(items[2].Payload))
}

func TestNotifyConnected_TracksOnlineAndBuffering(t *testing.T) {
	b := New("", 10, &testLogger{t: t})
	assert.False(t, b.IsOnline())
	assert.False(t, b.IsBuffering(), "nothing enqueued yet")

	require.NoError(t, b.EnqueueTriggerFire(map[string]any{"x": 1}))
	assert.True(t, b.IsBuffering(), "offline with items queued")

	b.NotifyConnected(true)
	assert.True(t, b.IsOnline())
	assert.False(t, b.IsBuffering(), "online, so not considered buffering regardless of depth")
}

func TestDrainForFlush_EmptiesInFIFOOrder(t *testing.T) {
	b := New("", 10, &testLogger{t: t})
	require.NoError(t, b.EnqueueAuditEvent(map[string]any{"i": 1}))
	require.NoError(t, b.EnqueueAuditEvent(map[string]any{"i": 2}))

	items := b.DrainForFlush()
	require.Len(t, items, 2)
	assert.Equal(t, `{"i":1}`, string(items[0].Payload))
	assert.True(t, b.IsEmpty())
}

func TestRequeue_PutsItemsBackAtFront(t *testing.T) {
	b := New("", 10, &testLogger{t: t})
	require.NoError(t, b.EnqueueAuditEvent(map[string]any{"i": 3}))

	items := b.DrainForFlush()
	require.NoError(t, b.EnqueueAuditEvent(map[string]any{"i": 4}))
	b.Requeue(items)

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, `{"i":3}`, string(snap[0].Payload))
	assert.Equal(t, `{"i":4}`, string(snap[1].Payload))
}

func TestRequeue_DropsOverflowFromFront(t *testing.T) {
	b := New("", 2, &testLogger{t: t})
	require.NoError(t, b.EnqueueAuditEvent(map[string]any{"i": 1}))
	require.NoError(t, b.EnqueueAuditEvent(map[string]any{"i": 2}))

	overflow := []Envelope{{Kind: KindAuditEvent, Payload: []byte(`{"i":-1}`)}, {Kind: KindAuditEvent, Payload: []byte(`{"i":-2}`)}}
	b.Requeue(overflow)

	assert.Equal(t, 2, b.Len())
	assert.EqualValues(t, 2, b.Dropped())
}

func TestPersistAndLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buffer.ndjson")

	b := New(path, 10, &testLogger{t: t})
	require.NoError(t, b.EnqueueAuditEvent(map[string]any{"i": 1}))
	require.NoError(t, b.EnqueueExecutionResult(map[string]any{"i": 2}))
	require.NoError(t, b.Persist())

	reloaded := New(path, 10, &testLogger{t: t})
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 2, reloaded.Len())

	require.NoError(t, reloaded.ClearDisk())
	emptyAfterClear := New(path, 10, &testLogger{t: t})
	require.NoError(t, emptyAfterClear.Load(), "missing file after ClearDisk is not an error")
	assert.Equal(t, 0, emptyAfterClear.Len())
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "missing.ndjson"), 10, &testLogger{t: t})
	require.NoError(t, b.Load())
	assert.Equal(t, 0, b.Len())
}
