// Package health tracks the lock-free counters and flags an external probe
// reads to answer liveness/readiness questions about an edge node (spec §1
// "Health State", §6). Every field is a plain atomic so the probe task never
// coordinates with the link session or executor that mutate it (spec §5
// "Health state: atomics, lock-free, readable from the probe task without
// coordination"). Grounded on the teacher's telemetry.Telemetry shape
// (common/telemetry/telemetry.go) generalized from a pprof/metrics launcher
// into the counters the spec's /health and /metrics payloads require.
package health

import (
	"sync/atomic"
	"time"
)

// State holds the atomics an external probe reads (spec §6 GET /health,
// GET /metrics, GET /ready).
type State struct {
	nodeID string
	tier   string
	start  time.Time

	wsConnected   int32 // atomic bool
	offlineDepth  int64
	executions    int64
	executionsFail int64
	durationSumMS int64 // sum of completed execution durations, for avg_ms
}

// New creates a State for nodeID/tier, with uptime measured from now.
func New(nodeID, tier string) *State {
	return &State{
		nodeID: nodeID,
		tier:   tier,
		start:  time.Now(),
	}
}

// SetWSConnected records whether the link session currently holds a live
// connection to the central orchestrator.
func (s *State) SetWSConnected(connected bool) {
	if connected {
		atomic.StoreInt32(&s.wsConnected, 1)
	} else {
		atomic.StoreInt32(&s.wsConnected, 0)
	}
}

// WSConnected reports the last recorded connection state.
func (s *State) WSConnected() bool {
	return atomic.LoadInt32(&s.wsConnected) == 1
}

// SetOfflineDepth records the offline buffer's current length.
func (s *State) SetOfflineDepth(n int) {
	atomic.StoreInt64(&s.offlineDepth, int64(n))
}

// OfflineDepth returns the last recorded offline buffer length.
func (s *State) OfflineDepth() int64 {
	return atomic.LoadInt64(&s.offlineDepth)
}

// RecordExecution records the completion of one slice execution: whether it
// failed and how long it took.
func (s *State) RecordExecution(failed bool, durationMS int64) {
	atomic.AddInt64(&s.executions, 1)
	if failed {
		atomic.AddInt64(&s.executionsFail, 1)
	}
	atomic.AddInt64(&s.durationSumMS, durationMS)
}

// Snapshot is a point-in-time read of every counter, used to render both the
// JSON health payload and the Prometheus exposition without re-reading
// atomics between the two (spec §6).
type Snapshot struct {
	NodeID        string
	Tier          string
	UptimeSecs    int64
	WSConnected   bool
	OfflineDepth  int64
	Executions    int64
	ExecutionsFail int64
	AvgMS         float64
}

// Snapshot reads every counter once.
func (s *State) Snapshot() Snapshot {
	total := atomic.LoadInt64(&s.executions)
	var avg float64
	if total > 0 {
		avg = float64(atomic.LoadInt64(&s.durationSumMS)) / float64(total)
	}
	return Snapshot{
		NodeID:        s.nodeID,
		Tier:          s.tier,
		UptimeSecs:    int64(time.Since(s.start).Seconds()),
		WSConnected:   s.WSConnected(),
		OfflineDepth:  atomic.LoadInt64(&s.offlineDepth),
		Executions:    total,
		ExecutionsFail: atomic.LoadInt64(&s.executionsFail),
		AvgMS:         avg,
	}
}

// offlineDegradedThreshold is the offline-buffer depth at or above which the
// node reports "degraded" even with a live link (spec §6 "status").
const offlineDegradedThreshold = 1000

// Status returns "ok" iff the link is connected and the offline buffer is
// below the degraded threshold, else "degraded" (spec §6).
func (snap Snapshot) Status() string {
	if snap.WSConnected && snap.OfflineDepth < offlineDegradedThreshold {
		return "ok"
	}
	return "degraded"
}

// Ready reports whether the node should answer /ready with 200 (spec §6):
// identical to the /health "ok" condition.
func (snap Snapshot) Ready() bool {
	return snap.Status() == "ok"
}
