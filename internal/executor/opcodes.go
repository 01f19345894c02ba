package executor

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lyzr/eyeflow/internal/ir"
)

// loadResource implements LOAD_RESOURCE: an HTTP GET if dispatch_metadata
// carries an endpoint URL, else operands_json verbatim (spec §4.1).
func (x *Executor) loadResource(ctx context.Context, instr *ir.Instruction) (ir.Value, error) {
	if instr.DispatchMetadata != nil && instr.DispatchMetadata.EndpointURL != "" {
		return doJSON(ctx, x.httpClient, http.MethodGet, instr.DispatchMetadata.EndpointURL, instr.DispatchMetadata.Headers, nil)
	}
	return ir.Value(instr.OperandsJSON), nil
}

// callService implements CALL_SERVICE across its supported dispatch formats
// (spec §4.1). HTTP and CONNECTOR are dispatched identically: pick method,
// attach headers, send a JSON body for writes, project via output_mapping.
func (x *Executor) callService(ctx context.Context, instr *ir.Instruction, regs ir.RegisterFile) (ir.Value, error) {
	release, err := x.acquirePermit(ctx, instr)
	if err != nil {
		return nil, err
	}
	if release != nil {
		defer release()
	}

	meta := instr.DispatchMetadata
	if meta == nil {
		return nil, fmt.Errorf("executor: CALL_SERVICE %s missing dispatch_metadata", instr.ServiceID)
	}

	switch meta.Format {
	case ir.FormatHTTP, ir.FormatConnector, "":
		body, err := x.srcBodyOrNil(regs, instr)
		if err != nil {
			return nil, err
		}
		method := meta.Method
		if method == "" {
			method = http.MethodGet
		}
		resp, err := doJSON(ctx, x.httpClient, method, meta.EndpointURL, meta.Headers, body)
		if err != nil {
			return nil, err
		}
		return projectOutput(resp, meta.OutputMapping)

	case ir.FormatMCP:
		return x.callMCP(ctx, instr, regs)

	case ir.FormatLLM:
		return x.llmCall(ctx, instr, regs)

	default:
		return nil, &UnknownFormatError{Format: meta.Format}
	}
}

// callAction implements CALL_ACTION: POST JSON to the metadata endpoint
// (spec §4.1).
func (x *Executor) callAction(ctx context.Context, instr *ir.Instruction, regs ir.RegisterFile) (ir.Value, error) {
	release, err := x.acquirePermit(ctx, instr)
	if err != nil {
		return nil, err
	}
	if release != nil {
		defer release()
	}

	meta := instr.DispatchMetadata
	if meta == nil {
		return nil, fmt.Errorf("executor: CALL_ACTION %s missing dispatch_metadata", instr.ServiceID)
	}

	body, err := x.srcBodyOrNil(regs, instr)
	if err != nil {
		return nil, err
	}
	return doJSON(ctx, x.httpClient, http.MethodPost, meta.EndpointURL, meta.Headers, body)
}

// callMCP implements CALL_MCP: a JSON-RPC tools/call envelope (spec §4.1).
func (x *Executor) callMCP(ctx context.Context, instr *ir.Instruction, regs ir.RegisterFile) (ir.Value, error) {
	meta := instr.DispatchMetadata
	if meta == nil {
		return nil, fmt.Errorf("executor: CALL_MCP %s missing dispatch_metadata", instr.ServiceID)
	}

	input, err := x.srcBodyOrNil(regs, instr)
	if err != nil {
		return nil, err
	}

	envelope := map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"params": map[string]any{
			"name":      instr.ServiceID,
			"arguments": input,
		},
	}

	resp, err := doJSON(ctx, x.httpClient, http.MethodPost, meta.EndpointURL, meta.Headers, envelope)
	if err != nil {
		return nil, err
	}
	if obj, ok := resp.(map[string]any); ok {
		if result, ok := obj["result"]; ok {
			return result, nil
		}
	}
	return resp, nil
}

// llmCall implements LLM_CALL reading its input from src[0] (spec §4.1).
func (x *Executor) llmCall(ctx context.Context, instr *ir.Instruction, regs ir.RegisterFile) (ir.Value, error) {
	input, err := x.srcBodyOrNil(regs, instr)
	if err != nil {
		return nil, err
	}
	return x.llmCallWithInput(ctx, instr, input)
}

// llmCallWithInput implements LLM_CALL given an already-resolved input value,
// so PARALLEL_SPAWN can supply each child's own src[0] read (spec §4.1).
func (x *Executor) llmCallWithInput(ctx context.Context, instr *ir.Instruction, input ir.Value) (ir.Value, error) {
	meta := instr.DispatchMetadata
	if meta == nil {
		return nil, fmt.Errorf("executor: LLM_CALL %s missing dispatch_metadata", instr.ServiceID)
	}

	dynamicSlots := make(map[string]any, len(meta.DynamicSlots))
	for _, slot := range meta.DynamicSlots {
		switch slot.SourceType {
		case "vault":
			value, err := x.secrets.Fetch(ctx, slot.SourceKey)
			if err != nil {
				return nil, fmt.Errorf("executor: resolve vault slot %q: %w", slot.Name, err)
			}
			dynamicSlots[slot.Name] = value
		case "runtime":
			value, err := dotPath(input, slot.SourceKey)
			if err != nil {
				return nil, fmt.Errorf("executor: resolve runtime slot %q: %w", slot.Name, err)
			}
			dynamicSlots[slot.Name] = value
		default:
			x.log.Warn("executor: unknown dynamic slot source_type, skipping", "slot", slot.Name, "source_type", slot.SourceType)
		}
	}

	payload := map[string]any{
		"system_prompt":    meta.SystemPrompt,
		"user_prompt":      meta.UserPrompt,
		"provider":         meta.Provider,
		"model":            meta.Model,
		"temperature":      meta.Temperature,
		"max_tokens":       meta.MaxTokens,
		"output_schema":    meta.OutputSchema,
		"few_shot_examples": meta.FewShotExamples,
		"dynamic_slots":    dynamicSlots,
		"input":            input,
	}

	endpoint := x.endpoints.LLMURL
	if endpoint == "" {
		endpoint = meta.EndpointURL
	}
	if endpoint == "" {
		return nil, fmt.Errorf("executor: LLM_CALL %s has no endpoint configured", instr.ServiceID)
	}

	return doJSON(ctx, x.httpClient, http.MethodPost, endpoint, meta.Headers, payload)
}

// transform implements TRANSFORM: dot-path projection, template
// substitution, or pass-through, in that priority order (spec §4.1).
func (x *Executor) transform(instr *ir.Instruction, regs ir.RegisterFile) (ir.Value, error) {
	input, err := x.readSrc(regs, instr, 0)
	if err != nil {
		return nil, err
	}

	if path, ok := instr.OperandsJSON["path"].(string); ok && path != "" {
		return dotPath(input, path)
	}
	if template, ok := instr.OperandsJSON["template"].(string); ok && template != "" {
		return substituteTemplate(template, input), nil
	}
	return input, nil
}

// acquirePermit acquires a resource-arbiter permit for instr when it carries
// a priority_policy, keyed on service_id (spec §4.1, §4.3).
func (x *Executor) acquirePermit(ctx context.Context, instr *ir.Instruction) (func(), error) {
	if instr.PriorityPolicy == nil || x.arbiter == nil {
		return nil, nil
	}
	key := instr.ServiceID
	if key == "" {
		key = fmt.Sprintf("instruction-%d", instr.Index)
	}
	release, err := x.arbiter.Acquire(ctx, key, instr.PriorityPolicy.MaxWaitMS)
	if err != nil {
		return nil, err
	}
	return func() { release() }, nil
}

// srcBodyOrNil reads src[0] if present, returning nil without error when the
// instruction declares no sources (a body-less request is valid for GETs).
func (x *Executor) srcBodyOrNil(regs ir.RegisterFile, instr *ir.Instruction) (ir.Value, error) {
	if len(instr.Src) == 0 {
		return nil, nil
	}
	return x.readSrc(regs, instr, 0)
}
