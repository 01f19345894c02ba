// Package ir defines the register-IR data model shared by the executor, the
// link session, and the audit chain (spec §3, §4.1).
package ir

// Value is a dynamically-typed JSON value: nil, bool, float64, string,
// []any, or map[string]any, matching what encoding/json produces when
// unmarshaling into `any`. Every opcode handler and register read/write uses
// this type directly rather than a bespoke tagged union (design note §9) —
// Go's own JSON decoding already gives us one.
type Value = any

// Opcode enumerates the register-machine instruction set (spec §4.1).
type Opcode string

const (
	OpLoadResource   Opcode = "LOAD_RESOURCE"
	OpStoreMemory    Opcode = "STORE_MEMORY"
	OpCallService    Opcode = "CALL_SERVICE"
	OpCallAction     Opcode = "CALL_ACTION"
	OpCallMCP        Opcode = "CALL_MCP"
	OpLLMCall        Opcode = "LLM_CALL"
	OpTransform      Opcode = "TRANSFORM"
	OpValidate       Opcode = "VALIDATE"
	OpAggregate      Opcode = "AGGREGATE"
	OpFilter         Opcode = "FILTER"
	OpBranch         Opcode = "BRANCH"
	OpJump           Opcode = "JUMP"
	OpLoop           Opcode = "LOOP"
	OpParallelSpawn  Opcode = "PARALLEL_SPAWN"
	OpParallelMerge  Opcode = "PARALLEL_MERGE"
	OpReturn         Opcode = "RETURN"
)

// auditedOpcodes are the opcodes for which the executor emits an audit event
// on success (spec §4.1 execution loop).
var auditedOpcodes = map[Opcode]bool{
	OpLoadResource: true,
	OpCallService:  true,
	OpCallAction:   true,
	OpLLMCall:      true,
}

// IsAudited reports whether successful execution of op should produce an
// audit event.
func IsAudited(op Opcode) bool { return auditedOpcodes[op] }

// DispatchFormat enumerates CALL_SERVICE's dispatch_metadata.format values.
type DispatchFormat string

const (
	FormatHTTP      DispatchFormat = "HTTP"
	FormatConnector DispatchFormat = "CONNECTOR"
	FormatMCP       DispatchFormat = "MCP"
	FormatLLM       DispatchFormat = "LLM"
	FormatEmbedded  DispatchFormat = "EMBEDDED_JS"
	FormatGRPC      DispatchFormat = "GRPC"
	FormatWASM      DispatchFormat = "WASM"
	FormatNative    DispatchFormat = "NATIVE"
	FormatDocker    DispatchFormat = "DOCKER"
)

// FewShotExample is a prompt/response pair frozen into dispatch_metadata at
// compile time.
type FewShotExample struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// DynamicSlot is a runtime-resolved value slotted into an LLM_CALL payload.
type DynamicSlot struct {
	Name       string `json:"name"`
	SourceType string `json:"source_type"` // "vault" | "runtime"
	SourceKey  string `json:"source_key"`
}

// DispatchMetadata carries the endpoint/connector/LLM configuration an
// instruction was compiled with (spec §3).
type DispatchMetadata struct {
	EndpointURL string            `json:"endpoint_url,omitempty"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Format      DispatchFormat    `json:"format,omitempty"`

	OutputMapping map[string]string `json:"output_mapping,omitempty"`

	SystemPrompt       string           `json:"system_prompt,omitempty"`
	UserPrompt         string           `json:"user_prompt,omitempty"`
	Provider           string           `json:"provider,omitempty"`
	Model              string           `json:"model,omitempty"`
	Temperature        float64          `json:"temperature,omitempty"`
	MaxTokens          int              `json:"max_tokens,omitempty"`
	OutputSchema       map[string]any   `json:"output_schema,omitempty"`
	FewShotExamples    []FewShotExample `json:"few_shot_examples,omitempty"`
	DynamicSlots       []DynamicSlot    `json:"dynamic_slots,omitempty"`

	CredentialsVaultPath string `json:"credentials_vault_path,omitempty"`
}

// PredicateOperator enumerates the convergence/general predicate operators
// (spec §4.1).
type PredicateOperator string

const (
	OpEq     PredicateOperator = "=="
	OpEqAlt  PredicateOperator = "eq"
	OpNe     PredicateOperator = "!="
	OpNeAlt  PredicateOperator = "ne"
	OpTruthy PredicateOperator = "truthy"
	OpExists PredicateOperator = "exists"
	OpLt     PredicateOperator = "<"
	OpLe     PredicateOperator = "<="
	OpGt     PredicateOperator = ">"
	OpGe     PredicateOperator = ">="
)

// Predicate evaluates register_index <operator> value_json.
type Predicate struct {
	RegisterIndex int               `json:"register_index"`
	Operator      PredicateOperator `json:"operator"`
	Value         Value             `json:"value_json"`
}

// LoopOperands configures a LOOP instruction.
type LoopOperands struct {
	MaxIterations   int        `json:"max_iterations"`
	BodyStartIndex  int        `json:"body_start_index"`
	ExitIndex       int        `json:"exit_index"`
	Convergence     *Predicate `json:"convergence_predicate,omitempty"`
}

// PriorityPolicy configures resource-arbiter acquisition for an instruction.
type PriorityPolicy struct {
	MaxWaitMS int            `json:"max_wait_ms"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Instruction is one entry of an IR's instruction map (spec §3).
type Instruction struct {
	Index             int               `json:"index"`
	Opcode            Opcode            `json:"opcode"`
	Dest              int               `json:"dest"`
	Src               []int             `json:"src"`
	ServiceID         string            `json:"service_id,omitempty"`
	OperandsJSON      map[string]any    `json:"operands_json,omitempty"`
	DispatchMetadata  *DispatchMetadata `json:"dispatch_metadata,omitempty"`
	TargetInstruction int               `json:"target_instruction,omitempty"`
	LoopOperands      *LoopOperands     `json:"loop_operands,omitempty"`
	PriorityPolicy    *PriorityPolicy   `json:"priority_policy,omitempty"`
}

// IR is a mapping from instruction index to Instruction, plus the execution
// order and workflow metadata (spec §3).
type IR struct {
	WorkflowID      string              `json:"workflow_id"`
	WorkflowVersion string              `json:"workflow_version"`
	Instructions    map[int]*Instruction `json:"instructions"`
	Order           []int               `json:"order"`
}

// Lookup returns the instruction at the given index, or nil.
func (ir *IR) Lookup(index int) *Instruction {
	return ir.Instructions[index]
}

// IPOf converts target_instruction (an index into Instructions) to an ip
// (a position in Order). Returns len(Order) (end-of-order) if absent, which
// terminates the execution loop cleanly (spec §4.1 "Target resolution").
func (ir *IR) IPOf(targetIndex int) int {
	for ip, idx := range ir.Order {
		if idx == targetIndex {
			return ip
		}
	}
	return len(ir.Order)
}

// RegisterFile maps register id to a dynamically-typed value.
type RegisterFile map[int]Value

// Get returns the register's value and whether it is defined.
func (r RegisterFile) Get(id int) (Value, bool) {
	v, ok := r[id]
	return v, ok
}
