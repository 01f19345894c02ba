// Package fallback implements the per-instruction failure recovery policy
// (spec §4.2), grounded on the teacher's failure_handler.go /
// coordinator.go pattern of dispatching a recovery strategy against a
// central HTTP endpoint with bounded retries.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Logger is the narrow logging surface this package depends on.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Strategy enumerates fallback strategies (spec §4.2). Parsed
// case-insensitively; unknown values fall back to FailSafe.
type Strategy string

const (
	FailSafe           Strategy = "FAIL_SAFE"
	DegradedMode       Strategy = "DEGRADED_MODE"
	RetryWithBackoff   Strategy = "RETRY_WITH_BACKOFF"
	LLMReasoning       Strategy = "LLM_REASONING"
	SupervisedRecompile Strategy = "SUPERVISED_RECOMPILE"
)

// ParseStrategy parses operands_json.strategy case-insensitively, defaulting
// unknown values to FailSafe.
func ParseStrategy(raw string) Strategy {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(FailSafe):
		return FailSafe
	case string(DegradedMode):
		return DegradedMode
	case string(RetryWithBackoff):
		return RetryWithBackoff
	case string(LLMReasoning):
		return LLMReasoning
	case string(SupervisedRecompile):
		return SupervisedRecompile
	default:
		return FailSafe
	}
}

// Config holds the parsed operands_json fallback configuration for an
// instruction.
type Config struct {
	Strategy       Strategy `json:"-"`
	SafeDefault    any      `json:"safe_default"`
	MaxAttempts    int      `json:"max_attempts"`
	BackoffBaseMS  int      `json:"backoff_base_ms"`
}

// ParseConfig extracts a Config from an instruction's operands_json, applying
// the documented defaults.
func ParseConfig(operands map[string]any) Config {
	cfg := Config{
		Strategy:      FailSafe,
		MaxAttempts:   3,
		BackoffBaseMS: 2000,
	}
	if operands == nil {
		return cfg
	}
	if s, ok := operands["strategy"].(string); ok {
		cfg.Strategy = ParseStrategy(s)
	}
	if v, ok := operands["safe_default"]; ok {
		cfg.SafeDefault = v
	}
	if v, ok := operands["max_attempts"].(float64); ok && v > 0 {
		cfg.MaxAttempts = int(v)
	}
	if v, ok := operands["backoff_base_ms"].(float64); ok && v > 0 {
		cfg.BackoffBaseMS = int(v)
	}
	return cfg
}

// Result is the outcome of applying a fallback strategy.
type Result struct {
	Recovered bool
	Value     any
	Abort     error
}

// Engine applies fallback strategies to failed opcode invocations.
type Engine struct {
	httpClient        *http.Client
	reasoningEndpoint string
	recompileEndpoint string
	log               Logger
}

// New creates a fallback Engine. reasoningEndpoint and recompileEndpoint are
// the central endpoints used by LLM_REASONING and SUPERVISED_RECOMPILE.
func New(httpClient *http.Client, reasoningEndpoint, recompileEndpoint string, log Logger) *Engine {
	return &Engine{
		httpClient:        httpClient,
		reasoningEndpoint: reasoningEndpoint,
		recompileEndpoint: recompileEndpoint,
		log:               log,
	}
}

// Apply resolves a non-retry strategy into Recovered(value) or Abort(error).
// RETRY_WITH_BACKOFF is executed in place by the executor (spec §4.1,
// §9 "Retry vs fallback split"); calling Apply with that strategy here
// degrades it to FAIL_SAFE.
func (e *Engine) Apply(ctx context.Context, strategy Strategy, cfg Config, cause error, workflowID, serviceID, nodeID string) Result {
	switch strategy {
	case FailSafe:
		e.log.Info("fallback: fail_safe", "service_id", serviceID, "error", cause)
		return Result{Recovered: true, Value: cfg.SafeDefault}

	case DegradedMode:
		e.log.Info("fallback: degraded_mode", "service_id", serviceID, "error", cause)
		return Result{Recovered: true, Value: nil}

	case RetryWithBackoff:
		e.log.Warn("fallback: retry_with_backoff requested without a retry executor, degrading to fail_safe",
			"service_id", serviceID)
		return Result{Recovered: true, Value: cfg.SafeDefault}

	case LLMReasoning:
		return e.applyLLMReasoning(ctx, cfg, cause, workflowID, serviceID, nodeID)

	case SupervisedRecompile:
		return e.applySupervisedRecompile(ctx, cfg, cause, workflowID, serviceID, nodeID)

	default:
		return Result{Recovered: true, Value: cfg.SafeDefault}
	}
}

func (e *Engine) applyLLMReasoning(ctx context.Context, cfg Config, cause error, workflowID, serviceID, nodeID string) Result {
	const maxAttempts = 3
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, err := e.reasoningRequest(ctx, cfg, cause, workflowID, serviceID, nodeID, attempt)
		if err == nil {
			e.log.Info("fallback: llm_reasoning recovered", "service_id", serviceID, "attempt", attempt)
			return Result{Recovered: true, Value: value}
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(backoffFor(attempt))
		}
	}

	e.log.Warn("fallback: llm_reasoning exhausted attempts, degrading to fail_safe",
		"service_id", serviceID, "error", lastErr)
	return Result{Recovered: true, Value: cfg.SafeDefault}
}

// reasoningRequest performs one LLM_REASONING attempt, returning the
// response's "result" field (or cfg.SafeDefault if absent) on a 2xx reply.
func (e *Engine) reasoningRequest(ctx context.Context, cfg Config, cause error, workflowID, serviceID, nodeID string, attempt int) (any, error) {
	body, err := json.Marshal(map[string]any{
		"workflowId": workflowID,
		"serviceId":  serviceID,
		"error":      cause.Error(),
		"attempt":    attempt,
		"nodeId":     nodeID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.reasoningEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("llm_reasoning: status %d", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if result, ok := out["result"]; ok {
		return result, nil
	}
	return cfg.SafeDefault, nil
}

// backoffFor returns the LLM_REASONING inter-attempt backoff: 2^attempt
// seconds (spec §4.2).
func backoffFor(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

func (e *Engine) applySupervisedRecompile(ctx context.Context, cfg Config, cause error, workflowID, serviceID, nodeID string) Result {
	body, _ := json.Marshal(map[string]any{
		"workflow":  workflowID,
		"service":   serviceID,
		"error":     cause.Error(),
		"node":      nodeID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.recompileEndpoint, bytes.NewReader(body))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		if resp, doErr := e.httpClient.Do(req); doErr == nil {
			resp.Body.Close()
		} else {
			e.log.Warn("fallback: supervised_recompile request failed (best-effort)", "error", doErr)
		}
	} else {
		e.log.Warn("fallback: failed to build supervised_recompile request", "error", err)
	}

	// Regardless of outcome, degrade to the safe default (spec §4.2).
	return Result{Recovered: true, Value: cfg.SafeDefault}
}
