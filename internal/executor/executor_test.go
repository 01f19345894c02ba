package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/eyeflow/internal/arbiter"
	"github.com/lyzr/eyeflow/internal/audit"
	"github.com/lyzr/eyeflow/internal/fallback"
	"github.com/lyzr/eyeflow/internal/ir"
	"github.com/lyzr/eyeflow/internal/secrets"
)

// testLogger forwards every message to t.Logf; grounded on the teacher's
// cmd/workflow-runner/integration_test.go testLogger shape.
type testLogger struct{ t *testing.T }

func (l *testLogger) Debug(msg string, args ...any) { l.t.Logf("[DEBUG] %s %v", msg, args) }
func (l *testLogger) Info(msg string, args ...any)  { l.t.Logf("[INFO] %s %v", msg, args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.t.Logf("[WARN] %s %v", msg, args) }
func (l *testLogger) Error(msg string, args ...any) { l.t.Logf("[ERROR] %s %v", msg, args) }

func newTestExecutor(t *testing.T) *Executor {
	log := &testLogger{t: t}
	arb := arbiter.New(log)
	resolver := secrets.New("", "", "", 0, http.DefaultClient, log)
	fb := fallback.New(http.DefaultClient, "http://unused", "http://unused", log)
	return New(http.DefaultClient, arb, resolver, fb, Endpoints{}, "node-1", log)
}

func newChain(t *testing.T) *audit.Chain {
	return audit.New("node-1", nil, &testLogger{t: t})
}

func instr(index int, opcode ir.Opcode) *ir.Instruction {
	return &ir.Instruction{Index: index, Opcode: opcode}
}

// S1 - Linear flow (spec §8 scenario S1).
func TestExecute_LinearFlow(t *testing.T) {
	program := &ir.IR{
		WorkflowID: "wf-1",
		Order:      []int{0, 1, 2},
		Instructions: map[int]*ir.Instruction{
			0: {Index: 0, Opcode: ir.OpLoadResource, Dest: 1, OperandsJSON: map[string]any{"k": "v"}},
			1: {Index: 1, Opcode: ir.OpStoreMemory, Dest: 2, Src: []int{1}},
			2: instr(2, ir.OpReturn),
		},
	}

	exec := newTestExecutor(t)
	chain := newChain(t)

	regs, _, err := exec.Execute(context.Background(), program, chain)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, regs[1])
	assert.Equal(t, map[string]any{"k": "v"}, regs[2])

	events := chain.Drain()
	assert.Len(t, events, 1, "only LOAD_RESOURCE is an audited opcode; STORE_MEMORY is not")
}

// S2 - Branch taken jumps past the in-between RETURN (spec §8 scenario S2).
func TestExecute_BranchTaken(t *testing.T) {
	program := &ir.IR{
		Order: []int{0, 1, 2, 3},
		Instructions: map[int]*ir.Instruction{
			0: {Index: 0, Opcode: ir.OpLoadResource, Dest: 1, OperandsJSON: map[string]any{"v": true}},
			1: {Index: 1, Opcode: ir.OpBranch, Src: []int{1}, TargetInstruction: 3},
			2: instr(2, ir.OpReturn),
			3: {Index: 3, Opcode: ir.OpStoreMemory, Dest: 4, Src: []int{1}},
		},
	}

	exec := newTestExecutor(t)
	chain := newChain(t)

	regs, _, err := exec.Execute(context.Background(), program, chain)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": true}, regs[4])
}

// S3 - Loop bounded by max_iterations when convergence never fires (spec §8
// scenario S3, testable property re: LOOP termination bound).
func TestExecute_LoopBoundedByMaxIterations(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ticked": true}`))
	}))
	defer srv.Close()

	program := &ir.IR{
		Order: []int{0, 1, 2},
		Instructions: map[int]*ir.Instruction{
			0: {
				Index: 0, Opcode: ir.OpLoop,
				LoopOperands: &ir.LoopOperands{
					MaxIterations:  3,
					BodyStartIndex: 1,
					ExitIndex:      2,
				},
			},
			1: {
				Index: 1, Opcode: ir.OpCallAction, Dest: 9,
				DispatchMetadata: &ir.DispatchMetadata{EndpointURL: srv.URL},
			},
			2: instr(2, ir.OpReturn),
		},
	}

	exec := newTestExecutor(t)
	chain := newChain(t)

	_, _, err := exec.Execute(context.Background(), program, chain)
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "loop body runs exactly max_iterations times absent a satisfied convergence predicate")
}

// S3b - Loop exits early once its convergence predicate is satisfied.
func TestExecute_LoopConvergenceStopsEarly(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ticked": true}`))
	}))
	defer srv.Close()

	program := &ir.IR{
		Order: []int{0, 1, 2},
		Instructions: map[int]*ir.Instruction{
			0: {
				Index: 0, Opcode: ir.OpLoop,
				LoopOperands: &ir.LoopOperands{
					MaxIterations:  10,
					BodyStartIndex: 1,
					ExitIndex:      2,
					// Register 9 only gets written once the body has run at
					// least one iteration, so EXISTS is satisfied on the
					// second convergence check (after iteration 1).
					Convergence: &ir.Predicate{RegisterIndex: 9, Operator: ir.OpExists},
				},
			},
			1: {
				Index: 1, Opcode: ir.OpCallAction, Dest: 9,
				DispatchMetadata: &ir.DispatchMetadata{EndpointURL: srv.URL},
			},
			2: instr(2, ir.OpReturn),
		},
	}

	exec := newTestExecutor(t)
	chain := newChain(t)

	_, _, err := exec.Execute(context.Background(), program, chain)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "convergence predicate satisfied after the first iteration stops the loop")
}

// S4 - Fallback FAIL_SAFE recovers a failed CALL_SERVICE with a safe default
// (spec §8 scenario S4).
func TestExecute_FallbackFailSafe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	program := &ir.IR{
		Order: []int{0, 1},
		Instructions: map[int]*ir.Instruction{
			0: {
				Index: 0, Opcode: ir.OpCallService, Dest: 1, ServiceID: "svc",
				DispatchMetadata: &ir.DispatchMetadata{EndpointURL: srv.URL, Method: http.MethodGet, Format: ir.FormatHTTP},
				OperandsJSON:     map[string]any{"strategy": "FAIL_SAFE", "safe_default": float64(42)},
			},
			1: instr(1, ir.OpReturn),
		},
	}

	exec := newTestExecutor(t)
	chain := newChain(t)

	regs, _, err := exec.Execute(context.Background(), program, chain)
	require.NoError(t, err)
	assert.Equal(t, float64(42), regs[1])
}

// S5 - Parallel fan-out runs every LLM_CALL inside a SPAWN/MERGE pair
// concurrently and writes each result to its own register (spec §8
// scenario S5).
func TestExecute_ParallelFanOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		input, _ := body["input"].(map[string]any)
		dest, _ := input["dest"].(float64)

		resp, err := json.Marshal(map[string]any{"value": dest * 2})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	}))
	defer srv.Close()

	mkLLM := func(index, dest, srcReg int) *ir.Instruction {
		return &ir.Instruction{
			Index: index, Opcode: ir.OpLLMCall, Dest: dest, Src: []int{srcReg},
			DispatchMetadata: &ir.DispatchMetadata{EndpointURL: srv.URL},
		}
	}

	program := &ir.IR{
		Order: []int{-3, -2, -1, 0, 1, 2, 3, 4, 5},
		Instructions: map[int]*ir.Instruction{
			-3: {Index: -3, Opcode: ir.OpLoadResource, Dest: 20, OperandsJSON: map[string]any{"dest": float64(10)}},
			-2: {Index: -2, Opcode: ir.OpLoadResource, Dest: 21, OperandsJSON: map[string]any{"dest": float64(11)}},
			-1: {Index: -1, Opcode: ir.OpLoadResource, Dest: 22, OperandsJSON: map[string]any{"dest": float64(12)}},
			0:  {Index: 0, Opcode: ir.OpParallelSpawn},
			1:  mkLLM(1, 10, 20),
			2:  mkLLM(2, 11, 21),
			3:  mkLLM(3, 12, 22),
			4:  {Index: 4, Opcode: ir.OpParallelMerge},
			5:  instr(5, ir.OpReturn),
		},
	}

	exec := newTestExecutor(t)
	chain := newChain(t)

	regs, _, err := exec.Execute(context.Background(), program, chain)
	require.NoError(t, err)

	assert.Equal(t, float64(20), regs[10].(map[string]any)["value"])
	assert.Equal(t, float64(22), regs[11].(map[string]any)["value"])
	assert.Equal(t, float64(24), regs[12].(map[string]any)["value"])

	events := chain.Drain()
	assert.Len(t, events, 6, "3 LOAD_RESOURCE seeds plus 3 parallel LLM_CALL audit events")
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    ir.Value
		want bool
	}{
		{nil, false}, {false, false}, {float64(0), false}, {"", false},
		{[]any{}, false}, {map[string]any{}, false},
		{true, true}, {float64(1), true}, {"x", true}, {[]any{1}, true}, {map[string]any{"a": 1}, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Truthy(c.v))
	}
}

func TestEvalPredicate_Numeric(t *testing.T) {
	p := &ir.Predicate{Operator: ir.OpGe, Value: float64(3)}
	assert.True(t, EvalPredicate(p, float64(5), true))
	assert.False(t, EvalPredicate(p, float64(2), true))
	assert.False(t, EvalPredicate(p, "not-a-number", true), "non-numeric operands return false")
}

func TestEvalPredicate_UnknownOperator(t *testing.T) {
	p := &ir.Predicate{Operator: "bogus"}
	assert.False(t, EvalPredicate(p, 1, true))
}
