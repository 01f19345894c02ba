package link

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/eyeflow/internal/ir"
	"github.com/lyzr/eyeflow/internal/offline"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Debug(msg string, args ...any) { l.t.Logf("[DEBUG] %s %v", msg, args) }
func (l *testLogger) Info(msg string, args ...any)  { l.t.Logf("[INFO] %s %v", msg, args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.t.Logf("[WARN] %s %v", msg, args) }
func (l *testLogger) Error(msg string, args ...any) { l.t.Logf("[ERROR] %s %v", msg, args) }

func TestEncodeFrame_WrapsPayloadWithType(t *testing.T) {
	raw, err := encodeFrame(FrameRegister, RegisterPayload{NodeID: "node-1", Tier: "edge"})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, FrameRegister, f.Type)

	var payload RegisterPayload
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, "node-1", payload.NodeID)
	assert.Equal(t, "edge", payload.Tier)
}

func TestIRDistributionPayload_Base64Artifact(t *testing.T) {
	assert.Equal(t, "a", IRDistributionPayload{Artifact: "a", Payload: "b"}.Base64Artifact(), "artifact field takes precedence")
	assert.Equal(t, "b", IRDistributionPayload{Payload: "b"}.Base64Artifact(), "falls back to payload field")
	assert.Equal(t, "", IRDistributionPayload{}.Base64Artifact())
}

func TestAcceptVersion_MatchingMajorAccepted(t *testing.T) {
	s := &Session{cfg: Config{IRMajorVersion: 2}, log: &testLogger{t: t}}
	assert.True(t, s.acceptVersion(context.Background(), &ir.Artifact{FormatMajor: 2}))
}

func TestAcceptVersion_ZeroMajorAcceptedAsDev(t *testing.T) {
	s := &Session{cfg: Config{IRMajorVersion: 3}, log: &testLogger{t: t}}
	assert.True(t, s.acceptVersion(context.Background(), &ir.Artifact{FormatMajor: 0}))
}

func TestAcceptVersion_MismatchWithNoCentralBaseStillRejects(t *testing.T) {
	s := &Session{cfg: Config{IRMajorVersion: 2}, log: &testLogger{t: t}}
	assert.False(t, s.acceptVersion(context.Background(), &ir.Artifact{FormatMajor: 5}))
}

func TestAcceptVersion_MismatchPostsSecurityAlert(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &Session{
		cfg:        Config{NodeID: "node-1", IRMajorVersion: 2, CentralHTTPBase: srv.URL},
		httpClient: http.DefaultClient,
		log:        &testLogger{t: t},
	}
	accepted := s.acceptVersion(context.Background(), &ir.Artifact{FormatMajor: 7})

	assert.False(t, accepted)
	assert.Equal(t, "/v1/alerts/security", gotPath)
	assert.Equal(t, "node-1", gotBody["nodeId"])
	assert.Equal(t, float64(7), gotBody["declaredMajor"])
	assert.Equal(t, float64(2), gotBody["acceptedMajor"])
}

func TestStringifyRegisters_MarshalsEachValue(t *testing.T) {
	regs := ir.RegisterFile{
		0: "plain",
		1: map[string]any{"k": "v"},
		2: 42.0,
	}
	out := stringifyRegisters(regs)
	assert.Equal(t, `"plain"`, out["0"])
	assert.Equal(t, `{"k":"v"}`, out["1"])
	assert.Equal(t, `42`, out["2"])
}

func TestAuditFlushEntry_RoundTripsThroughFrame(t *testing.T) {
	entries := []auditFlushEntry{
		{Kind: offline.KindAuditEvent, EnqueuedAt: "2026-01-01T00:00:00Z", Payload: json.RawMessage(`{"event_id":"e1"}`)},
	}
	raw, err := encodeFrame(FrameAuditFlush, entries)
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, FrameAuditFlush, f.Type)

	var decoded []auditFlushEntry
	require.NoError(t, json.Unmarshal(f.Payload, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, offline.KindAuditEvent, decoded[0].Kind)
}
