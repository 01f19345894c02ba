package link

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lyzr/eyeflow/internal/audit"
	"github.com/lyzr/eyeflow/internal/executor"
	"github.com/lyzr/eyeflow/internal/ir"
	"github.com/lyzr/eyeflow/internal/offline"
	"github.com/lyzr/eyeflow/internal/wire"
)

// Logger is the narrow logging surface this package depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// HealthSink receives connectivity/depth observations the health probe
// reads; narrowed so link doesn't import the health package's full surface.
type HealthSink interface {
	SetWSConnected(bool)
	SetOfflineDepth(int)
	RecordExecution(failed bool, durationMS int64)
}

const nodeVersion = "eyeflow-edge/1"

// Config configures a Session.
type Config struct {
	NodeID            string
	Tier              string
	LinkURL           string
	AuthToken         string
	CentralHTTPBase   string
	ReconnectInterval time.Duration
	IRMajorVersion    int
	Capabilities      []string
}

// Session is a reconnecting bidirectional client: connect -> register ->
// serve, looping forever, mediating between live delivery and the offline
// buffer on disconnect (spec §4.5). Grounded on the teacher's cmd/fanout
// Client read/write pump shape (ping/pong keepalive, one send per frame, no
// batching) rewritten from a server-side hub fan-out into a client-side
// reconnect state machine.
type Session struct {
	cfg        Config
	httpClient *http.Client
	exec       *executor.Executor
	chain      *audit.Chain
	buffer     *offline.Buffer
	health     HealthSink
	log        Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New creates a Session wired to the shared executor, audit chain, and
// offline buffer for this node.
func New(cfg Config, exec *executor.Executor, chain *audit.Chain, buffer *offline.Buffer, health HealthSink, log Logger) *Session {
	return &Session{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		exec:       exec,
		chain:      chain,
		buffer:     buffer,
		health:     health,
		log:        log,
	}
}

// Run loops forever: connect, register, serve; on any error it persists the
// offline buffer and sleeps ReconnectInterval before retrying (spec §4.5).
func (s *Session) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx); err != nil {
			s.log.Warn("link: session ended, will reconnect", "error", err)
		}
		s.setConnected(false)
		if err := s.buffer.Persist(); err != nil {
			s.log.Error("link: failed to persist offline buffer on disconnect", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectInterval):
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.LinkURL, s.authHeader())
	if err != nil {
		return fmt.Errorf("link: dial: %w", err)
	}
	defer conn.Close()

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	if err := s.register(); err != nil {
		return err
	}

	s.setConnected(true)
	s.buffer.NotifyConnected(true)
	if err := s.flushOffline(); err != nil {
		s.log.Warn("link: offline flush failed, will retry next reconnect", "error", err)
	}

	return s.serve(ctx, conn)
}

func (s *Session) authHeader() http.Header {
	h := http.Header{}
	if s.cfg.AuthToken != "" {
		h.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}
	return h
}

// register sends the REGISTER frame (spec §4.5).
func (s *Session) register() error {
	payload := RegisterPayload{
		NodeID:       s.cfg.NodeID,
		Tier:         s.cfg.Tier,
		Capabilities: s.cfg.Capabilities,
		Version:      nodeVersion,
	}
	raw, err := encodeFrame(FrameRegister, payload)
	if err != nil {
		return fmt.Errorf("link: encode register frame: %w", err)
	}
	return s.writeText(raw)
}

// serve reads frames until the connection closes or the context is
// canceled (spec §4.5 "connect -> register -> serve").
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("link: read: %w", err)
		}

		switch msgType {
		case websocket.TextMessage:
			if err := s.handleTextFrame(ctx, data); err != nil {
				s.log.Error("link: failed to handle text frame", "error", err)
			}
		case websocket.BinaryMessage:
			if err := s.handleBinaryFrame(ctx, data); err != nil {
				s.log.Error("link: failed to handle binary frame", "error", err)
			}
		}
	}
}

func (s *Session) handleTextFrame(ctx context.Context, data []byte) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case FrameIRDistribution:
		var payload IRDistributionPayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			return fmt.Errorf("decode ir_distribution payload: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(payload.Base64Artifact())
		if err != nil {
			return fmt.Errorf("decode base64 artifact: %w", err)
		}
		artifact, err := wire.DecodeArtifact(raw)
		if err != nil {
			return fmt.Errorf("decode artifact: %w", err)
		}
		s.handleArtifact(ctx, artifact, false)
		return nil

	case FramePing:
		raw, err := encodeFrame(FramePong, struct{}{})
		if err != nil {
			return err
		}
		return s.writeText(raw)

	case FrameConfigUpdate:
		s.log.Info("link: received config_update (logged, not applied in-session)", "payload", string(f.Payload))
		return nil

	default:
		s.log.Debug("link: ignoring unrecognized frame type", "type", f.Type)
		return nil
	}
}

func (s *Session) handleBinaryFrame(ctx context.Context, data []byte) error {
	artifact, err := wire.DecodeIRDistribution(data)
	if err != nil {
		return fmt.Errorf("decode binary ir_distribution: %w", err)
	}
	s.handleArtifact(ctx, artifact, true)
	return nil
}

// handleArtifact runs the version/signature gates then executes the slice,
// sending (or buffering) the result (spec §4.5 "Version gate",
// "Signature gate", "Execution result path").
func (s *Session) handleArtifact(ctx context.Context, artifact *ir.Artifact, binary bool) {
	sliceID := uuid.New().String()

	if !s.acceptVersion(ctx, artifact) {
		s.deliverResult(&ir.SliceResult{
			SliceID: sliceID,
			NodeID:  s.cfg.NodeID,
			Status:  ir.StatusFailed,
			Error:   fmt.Sprintf("artifact format major %d rejected by node major %d", artifact.FormatMajor, s.cfg.IRMajorVersion),
		}, nil, binary)
		return
	}

	if err := artifact.VerifyDigest(); err != nil {
		s.deliverResult(&ir.SliceResult{SliceID: sliceID, NodeID: s.cfg.NodeID, Status: ir.StatusFailed, Error: err.Error()}, nil, binary)
		return
	}
	if ok, skipped, err := artifact.VerifySignature(); err != nil {
		s.deliverResult(&ir.SliceResult{SliceID: sliceID, NodeID: s.cfg.NodeID, Status: ir.StatusFailed, Error: err.Error()}, nil, binary)
		return
	} else if skipped {
		s.log.Warn("link: artifact signature verification skipped (no key/signature present, dev mode)")
	} else if !ok {
		s.deliverResult(&ir.SliceResult{SliceID: sliceID, NodeID: s.cfg.NodeID, Status: ir.StatusFailed, Error: "artifact signature invalid"}, nil, binary)
		return
	}

	var program ir.IR
	if err := json.Unmarshal(artifact.Payload, &program); err != nil {
		s.deliverResult(&ir.SliceResult{SliceID: sliceID, NodeID: s.cfg.NodeID, Status: ir.StatusFailed, Error: fmt.Sprintf("decode IR payload: %v", err)}, nil, binary)
		return
	}

	regs, durationMS, err := s.exec.Execute(ctx, &program, s.chain)
	events := s.chain.Drain()

	result := &ir.SliceResult{
		WorkflowID: program.WorkflowID,
		SliceID:    sliceID,
		NodeID:     s.cfg.NodeID,
		DurationMS: durationMS,
		Registers:  stringifyRegisters(regs),
	}
	if err != nil {
		result.Status = ir.StatusFailed
		result.Error = err.Error()
	} else {
		result.Status = ir.StatusSuccess
	}

	s.health.RecordExecution(result.Status == ir.StatusFailed, durationMS)
	s.deliverResult(result, events, binary)
}

// acceptVersion implements the format-major version gate (spec §4.5). 0 is
// accepted with a warning (unsigned/dev); a mismatch triggers a best-effort
// security alert and causes the caller to refuse execution.
func (s *Session) acceptVersion(ctx context.Context, artifact *ir.Artifact) bool {
	if artifact.FormatMajor == 0 {
		s.log.Warn("link: artifact has format_major 0, accepting as unsigned/dev")
		return true
	}
	if artifact.FormatMajor == s.cfg.IRMajorVersion {
		return true
	}
	s.postSecurityAlert(ctx, artifact)
	return false
}

func (s *Session) postSecurityAlert(ctx context.Context, artifact *ir.Artifact) {
	if s.cfg.CentralHTTPBase == "" {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"nodeId":        s.cfg.NodeID,
		"declaredMajor": artifact.FormatMajor,
		"acceptedMajor": s.cfg.IRMajorVersion,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.CentralHTTPBase+"/v1/alerts/security", bytes.NewReader(body))
	if err != nil {
		s.log.Warn("link: failed to build security alert request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warn("link: security alert post failed (best-effort)", "error", err)
		return
	}
	resp.Body.Close()
}

// deliverResult sends a RESULT frame if connected, else enqueues an
// ExecutionResult envelope (spec §4.5 "Execution result path",
// "Handoff with offline buffer").
func (s *Session) deliverResult(result *ir.SliceResult, events []audit.Event, binary bool) {
	result.AuditEvents = make([]any, len(events))
	for i, ev := range events {
		result.AuditEvents[i] = ev
	}

	if s.buffer.IsBuffering() {
		s.enqueueResult(result)
		return
	}

	var sendErr error
	if binary {
		eventsJSON := make([][]byte, len(events))
		for i, ev := range events {
			eventsJSON[i], _ = json.Marshal(ev)
		}
		sendErr = s.writeBinary(wire.EncodeSliceResult(result, eventsJSON))
	} else {
		raw, err := encodeFrame(FrameResult, result)
		if err != nil {
			sendErr = err
		} else {
			sendErr = s.writeText(raw)
		}
	}

	if sendErr != nil {
		s.log.Warn("link: result send failed, buffering for next reconnect", "error", sendErr)
		s.enqueueResult(result)
	}
}

func (s *Session) enqueueResult(result *ir.SliceResult) {
	if err := s.buffer.EnqueueExecutionResult(result); err != nil {
		s.log.Error("link: failed to enqueue execution result", "error", err)
	}
	s.health.SetOfflineDepth(s.buffer.Len())
}

// flushOffline sends every buffered envelope as a single AUDIT_FLUSH frame
// after a successful reconnect, clearing the disk copy on success and
// re-enqueueing (order preserved) on failure (spec §4.5 "Handoff with
// offline buffer").
func (s *Session) flushOffline() error {
	items := s.buffer.DrainForFlush()
	if len(items) == 0 {
		s.health.SetOfflineDepth(0)
		return nil
	}

	entries := make([]auditFlushEntry, len(items))
	for i, env := range items {
		entries[i] = auditFlushEntry{
			Kind:       env.Kind,
			EnqueuedAt: env.EnqueuedAt.UTC().Format(time.RFC3339),
			Payload:    env.Payload,
		}
	}

	raw, err := encodeFrame(FrameAuditFlush, entries)
	if err != nil {
		s.buffer.Requeue(items)
		s.health.SetOfflineDepth(s.buffer.Len())
		return fmt.Errorf("link: encode audit_flush: %w", err)
	}

	if err := s.writeText(raw); err != nil {
		s.buffer.Requeue(items)
		s.health.SetOfflineDepth(s.buffer.Len())
		return fmt.Errorf("link: send audit_flush: %w", err)
	}

	if err := s.buffer.ClearDisk(); err != nil {
		s.log.Error("link: failed to clear offline buffer disk file after flush", "error", err)
	}
	s.health.SetOfflineDepth(0)
	return nil
}

func (s *Session) writeText(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("link: not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) writeBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("link: not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *Session) setConnected(connected bool) {
	s.buffer.NotifyConnected(connected)
	s.health.SetWSConnected(connected)
}

const writeWait = 10 * time.Second

func stringifyRegisters(regs ir.RegisterFile) map[string]string {
	out := make(map[string]string, len(regs))
	for id, v := range regs {
		raw, err := json.Marshal(v)
		key := fmt.Sprintf("%d", id)
		if err != nil {
			out[key] = fmt.Sprintf("%v", v)
			continue
		}
		out[key] = string(raw)
	}
	return out
}

// EmitTriggerFire buffers or would otherwise forward a trigger-fire
// notification (spec §3 "Buffered envelope"); trigger compilation/semantics
// are central-only (spec §4.1 AGGREGATE/FILTER note), so the edge node only
// ever needs to queue these for relay, never interpret them.
func (s *Session) EmitTriggerFire(payload any) {
	if s.buffer.IsBuffering() {
		if err := s.buffer.EnqueueTriggerFire(payload); err != nil {
			s.log.Error("link: failed to enqueue trigger fire", "error", err)
		}
		s.health.SetOfflineDepth(s.buffer.Len())
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("link: failed to marshal trigger fire", "error", err)
		return
	}
	env := struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: "TRIGGER_FIRE", Data: raw}
	frame, err := encodeFrame(FrameResult, env)
	if err != nil {
		s.log.Error("link: failed to encode trigger fire frame", "error", err)
		return
	}
	if err := s.writeText(frame); err != nil {
		s.log.Warn("link: trigger fire send failed, buffering", "error", err)
		if qErr := s.buffer.EnqueueTriggerFire(payload); qErr != nil {
			s.log.Error("link: failed to enqueue trigger fire after send failure", "error", qErr)
		}
		s.health.SetOfflineDepth(s.buffer.Len())
	}
}
