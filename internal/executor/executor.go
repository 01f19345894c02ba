// Package executor runs a compiled IR against local resources: it walks the
// register machine's instruction order, dispatches each opcode, arbitrates
// shared resources, applies per-instruction fallback policy on I/O failures,
// and feeds an audit chain. Grounded on the teacher's run_request_consumer.go
// execution-loop shape (read instruction, dispatch, advance, log) generalized
// from a Redis-stream DAG walker into an in-process register-IR interpreter
// (spec §4.1).
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lyzr/eyeflow/internal/arbiter"
	"github.com/lyzr/eyeflow/internal/audit"
	"github.com/lyzr/eyeflow/internal/fallback"
	"github.com/lyzr/eyeflow/internal/ir"
	"github.com/lyzr/eyeflow/internal/secrets"
)

// Logger is the narrow logging surface this package depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// RegisterReadError is returned when an instruction reads an undefined
// register (spec §4.1 "Register-read failure", §7 validation errors).
type RegisterReadError struct {
	Index int
}

func (e *RegisterReadError) Error() string {
	return fmt.Sprintf("executor: undefined register %d", e.Index)
}

// UnknownFormatError is returned for an unrecognized dispatch_metadata.format.
type UnknownFormatError struct {
	Format ir.DispatchFormat
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("executor: unknown dispatch format %q", e.Format)
}

// Endpoints holds the central endpoints the executor dispatches certain
// opcodes to, beyond what an instruction's own dispatch_metadata supplies.
type Endpoints struct {
	LLMURL       string // central LLM endpoint for LLM_CALL
	ReasoningURL string // fallback engine LLM_REASONING endpoint
	RecompileURL string // fallback engine SUPERVISED_RECOMPILE endpoint
}

// Executor runs IR slices against the shared per-node services.
type Executor struct {
	httpClient *http.Client
	arbiter    *arbiter.Arbiter
	secrets    *secrets.Resolver
	fallback   *fallback.Engine
	endpoints  Endpoints
	nodeID     string
	log        Logger
}

// New creates an Executor wired to its shared collaborators (spec §9
// "Cyclic references" — arbiter, resolver, fallback engine, and HTTP client
// are owned-once services instructions reach only through the executor).
// nodeID is threaded into every fallback.Apply call so the central
// LLM_REASONING/SUPERVISED_RECOMPILE requests identify their origin node.
func New(httpClient *http.Client, arb *arbiter.Arbiter, resolver *secrets.Resolver, fb *fallback.Engine, endpoints Endpoints, nodeID string, log Logger) *Executor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpTimeout}
	}
	return &Executor{
		httpClient: httpClient,
		arbiter:    arb,
		secrets:    resolver,
		fallback:   fb,
		endpoints:  endpoints,
		nodeID:     nodeID,
		log:        log,
	}
}

// Execute runs program against chain, returning the final register file and
// total duration, or an unrecoverable error (spec §4.1 contract).
func (x *Executor) Execute(ctx context.Context, program *ir.IR, chain *audit.Chain) (ir.RegisterFile, int64, error) {
	regs := make(ir.RegisterFile)
	start := time.Now()

	ip := 0
	for ip < len(program.Order) {
		idx := program.Order[ip]
		instr := program.Lookup(idx)
		if instr == nil {
			return regs, time.Since(start).Milliseconds(), fmt.Errorf("executor: no instruction at index %d", idx)
		}

		if instr.Opcode == ir.OpReturn {
			return regs, time.Since(start).Milliseconds(), nil
		}

		nextIP, err := x.step(ctx, program, instr, regs, chain, ip)
		if err != nil {
			return regs, time.Since(start).Milliseconds(), fmt.Errorf("executor: instruction %d (%s): %w", instr.Index, instr.Opcode, err)
		}
		ip = nextIP
	}

	return regs, time.Since(start).Milliseconds(), nil
}

// step dispatches one instruction and returns the next ip.
func (x *Executor) step(ctx context.Context, program *ir.IR, instr *ir.Instruction, regs ir.RegisterFile, chain *audit.Chain, ip int) (int, error) {
	instrStart := time.Now()

	var result ir.Value
	var err error
	nextIP := ip + 1

	switch instr.Opcode {
	case ir.OpLoadResource:
		result, err = x.withFallback(ctx, program, instr, "LOAD_RESOURCE", regs, func(ctx context.Context) (ir.Value, error) {
			return x.loadResource(ctx, instr)
		})

	case ir.OpStoreMemory:
		result, err = x.readSrc(regs, instr, 0)

	case ir.OpCallService:
		result, err = x.withFallback(ctx, program, instr, "CALL_SERVICE", regs, func(ctx context.Context) (ir.Value, error) {
			return x.callService(ctx, instr, regs)
		})

	case ir.OpCallAction:
		result, err = x.withFallback(ctx, program, instr, "CALL_ACTION", regs, func(ctx context.Context) (ir.Value, error) {
			return x.callAction(ctx, instr, regs)
		})

	case ir.OpCallMCP:
		result, err = x.withFallback(ctx, program, instr, "CALL_MCP", regs, func(ctx context.Context) (ir.Value, error) {
			return x.callMCP(ctx, instr, regs)
		})

	case ir.OpLLMCall:
		result, err = x.withFallback(ctx, program, instr, "LLM_CALL", regs, func(ctx context.Context) (ir.Value, error) {
			return x.llmCall(ctx, instr, regs)
		})

	case ir.OpTransform:
		result, err = x.transform(instr, regs)

	case ir.OpValidate, ir.OpAggregate, ir.OpFilter:
		result, err = x.readSrc(regs, instr, 0)

	case ir.OpBranch:
		var cond ir.Value
		cond, err = x.readSrc(regs, instr, 0)
		if err == nil && Truthy(cond) {
			nextIP = program.IPOf(instr.TargetInstruction)
		}
		x.auditInstr(program, chain, instr, instrStart, "BRANCH", nil, nil, err)
		return nextIP, err

	case ir.OpJump:
		nextIP = program.IPOf(instr.TargetInstruction)
		return nextIP, nil

	case ir.OpLoop:
		nextIP, err = x.runLoop(ctx, program, instr, regs, chain)
		return nextIP, err

	case ir.OpParallelSpawn:
		nextIP, err = x.runParallelSpawn(ctx, program, instr, regs, chain, ip)
		return nextIP, err

	case ir.OpParallelMerge:
		return ip + 1, nil

	default:
		return ip, fmt.Errorf("executor: unhandled opcode %q", instr.Opcode)
	}

	if err != nil {
		return ip, err
	}

	regs[instr.Dest] = result

	x.auditInstr(program, chain, instr, instrStart, string(instr.Opcode), nil, result, nil)
	return nextIP, nil
}

// auditInstr appends an audit event for instr if its opcode is audited and
// no error occurred (spec §4.1 "Audit timing").
func (x *Executor) auditInstr(program *ir.IR, chain *audit.Chain, instr *ir.Instruction, start time.Time, eventType string, input, output ir.Value, err error) {
	if err != nil || !ir.IsAudited(instr.Opcode) || chain == nil {
		return
	}
	idx := instr.Index
	_, appendErr := chain.Append(audit.AppendInput{
		WorkflowID:      program.WorkflowID,
		WorkflowVersion: program.WorkflowVersion,
		InstructionID: &idx,
		EventType:     eventType,
		Input:         input,
		Output:        output,
		DurationMS:    time.Since(start).Milliseconds(),
	})
	if appendErr != nil {
		x.log.Error("executor: failed to append audit event", "instruction", instr.Index, "error", appendErr)
	}
}

// readSrc reads src[n] from the register file, failing if the register slot
// or the register itself is undefined (spec §4.1 "Register-read failure").
func (x *Executor) readSrc(regs ir.RegisterFile, instr *ir.Instruction, n int) (ir.Value, error) {
	if n >= len(instr.Src) {
		return nil, &RegisterReadError{Index: -1}
	}
	regID := instr.Src[n]
	v, ok := regs.Get(regID)
	if !ok {
		return nil, &RegisterReadError{Index: regID}
	}
	return v, nil
}

// withFallback wraps an I/O opcode handler with the executor's fallback
// policy (spec §4.1 "Fallback integration"). RETRY_WITH_BACKOFF is executed
// in place by re-invoking op; every other strategy delegates to the Fallback
// Engine on failure.
func (x *Executor) withFallback(ctx context.Context, program *ir.IR, instr *ir.Instruction, serviceLabel string, regs ir.RegisterFile, op func(ctx context.Context) (ir.Value, error)) (ir.Value, error) {
	cfg := fallback.ParseConfig(instr.OperandsJSON)
	serviceID := instr.ServiceID
	if serviceID == "" {
		serviceID = serviceLabel
	}

	if cfg.Strategy == fallback.RetryWithBackoff {
		value, err := fallback.RetryWithBackoffExec(ctx, cfg, op)
		if err == nil {
			return value, nil
		}
		return nil, err
	}

	value, err := op(ctx)
	if err == nil {
		return value, nil
	}

	result := x.fallback.Apply(ctx, cfg.Strategy, cfg, err, program.WorkflowID, serviceID, x.nodeID)
	if result.Abort != nil {
		return nil, result.Abort
	}
	return result.Value, nil
}

// runLoop executes a LOOP instruction's body against the IR's order list
// (spec §4.1 "LOOP"). A nested RETURN breaks the loop rather than the
// execute() call (Open Question 4, resolved: break-the-loop).
func (x *Executor) runLoop(ctx context.Context, program *ir.IR, instr *ir.Instruction, regs ir.RegisterFile, chain *audit.Chain) (int, error) {
	lo := instr.LoopOperands
	if lo == nil {
		return 0, errors.New("executor: LOOP instruction missing loop_operands")
	}

	bodyIP := program.IPOf(lo.BodyStartIndex)
	exitIP := program.IPOf(lo.ExitIndex)
	scan := bodyIP
	iterations := 0

	for iterations < lo.MaxIterations {
		if lo.Convergence != nil {
			regID := lo.Convergence.RegisterIndex
			v, exists := regs.Get(regID)
			if EvalPredicate(lo.Convergence, v, exists) {
				break
			}
		}

		if scan >= len(program.Order) {
			break
		}
		bodyIdx := program.Order[scan]
		bodyInstr := program.Lookup(bodyIdx)
		if bodyInstr == nil {
			return exitIP, fmt.Errorf("executor: no instruction at index %d (loop body)", bodyIdx)
		}
		if bodyInstr.Opcode == ir.OpReturn {
			break
		}

		if _, err := x.step(ctx, program, bodyInstr, regs, chain, scan); err != nil {
			return exitIP, err
		}

		scan++
		if scan == exitIP {
			scan = bodyIP
			iterations++
		}
	}

	return exitIP, nil
}

// runParallelSpawn collects every LLM_CALL nested inside the matching
// SPAWN/MERGE pair, launches them concurrently, and writes each result into
// its own dest register — null on individual failure (spec §4.1
// "PARALLEL_SPAWN").
func (x *Executor) runParallelSpawn(ctx context.Context, program *ir.IR, spawn *ir.Instruction, regs ir.RegisterFile, chain *audit.Chain, ip int) (int, error) {
	depth := 1
	var calls []*ir.Instruction
	scan := ip + 1

	for scan < len(program.Order) {
		idx := program.Order[scan]
		cur := program.Lookup(idx)
		if cur == nil {
			return scan, fmt.Errorf("executor: no instruction at index %d (parallel scan)", idx)
		}
		switch cur.Opcode {
		case ir.OpParallelSpawn:
			depth++
		case ir.OpParallelMerge:
			depth--
		case ir.OpLLMCall:
			calls = append(calls, cur)
		}
		if depth == 0 {
			break
		}
		scan++
	}
	if depth != 0 {
		return len(program.Order), errors.New("executor: PARALLEL_SPAWN has no matching PARALLEL_MERGE")
	}
	mergeIP := scan

	type outcome struct {
		instr  *ir.Instruction
		value  ir.Value
		events []audit.AppendInput
	}
	results := make([]outcome, len(calls))

	var g errgroup.Group
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			start := time.Now()
			input, readErr := x.readSrc(regs, call, 0)
			if readErr != nil {
				results[i] = outcome{instr: call, value: nil}
				return nil
			}
			value, err := x.withFallback(ctx, program, call, "LLM_CALL", regs, func(ctx context.Context) (ir.Value, error) {
				return x.llmCallWithInput(ctx, call, input)
			})
			if err != nil {
				x.log.Warn("executor: parallel LLM_CALL failed, writing null", "instruction", call.Index, "error", err)
				results[i] = outcome{instr: call, value: nil}
				return nil
			}
			idx := call.Index
			results[i] = outcome{
				instr: call,
				value: value,
				events: []audit.AppendInput{{
					WorkflowID:      program.WorkflowID,
					WorkflowVersion: program.WorkflowVersion,
					InstructionID:   &idx,
					EventType:       string(ir.OpLLMCall),
					Input:           input,
					Output:          value,
					DurationMS:      time.Since(start).Milliseconds(),
				}},
			}
			return nil
		})
	}
	g.Wait()

	// Collected, join-ordered audit append: deterministic regardless of
	// goroutine completion order (spec §9 "Parallel fan-out and audit
	// ordering").
	for _, res := range results {
		regs[res.instr.Dest] = res.value
		for _, ev := range res.events {
			if chain == nil {
				continue
			}
			if _, err := chain.Append(ev); err != nil {
				x.log.Error("executor: failed to append parallel audit event", "instruction", res.instr.Index, "error", err)
			}
		}
	}

	return mergeIP + 1, nil
}
