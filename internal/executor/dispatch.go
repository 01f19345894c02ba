package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lyzr/eyeflow/internal/ir"
)

// httpTimeout bounds every per-request HTTP call the executor issues
// (spec §5 "Cancellation & timeouts").
const httpTimeout = 30 * time.Second

// doJSON performs an HTTP call with an optional JSON body, decoding the
// response body into a Value. Non-2xx responses are reported as errors
// (spec §4.1 CALL_SERVICE/CALL_ACTION/LOAD_RESOURCE).
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body any) (ir.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch) {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("executor: marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("executor: build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("executor: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("executor: non-2xx response %d from %s", resp.StatusCode, url)
	}

	if len(raw) == 0 {
		return nil, nil
	}

	var out ir.Value
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("executor: parse response body: %w", err)
	}
	return out, nil
}

// projectOutput applies an output_mapping (key -> dot-path) against a
// response value, returning a new object keyed by the mapping's keys
// (spec §4.1 CALL_SERVICE).
func projectOutput(value ir.Value, mapping map[string]string) (ir.Value, error) {
	if len(mapping) == 0 {
		return value, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("executor: marshal value for projection: %w", err)
	}
	out := make(map[string]any, len(mapping))
	for key, path := range mapping {
		result := gjson.GetBytes(raw, path)
		if result.Exists() {
			out[key] = result.Value()
		} else {
			out[key] = nil
		}
	}
	return out, nil
}

// dotPath projects a single dot-path out of value (spec §4.1 TRANSFORM).
func dotPath(value ir.Value, path string) (ir.Value, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("executor: marshal value for dot-path: %w", err)
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, nil
	}
	return result.Value(), nil
}

var templatePlaceholder = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// substituteTemplate replaces every {{key}} placeholder in template with the
// corresponding dot-path projection from input, stringified (spec §4.1
// TRANSFORM). Unresolved placeholders are left intact.
func substituteTemplate(template string, input ir.Value) string {
	return templatePlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		sub := templatePlaceholder.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		key := strings.TrimSpace(sub[1])
		v, err := dotPath(input, key)
		if err != nil || v == nil {
			return match
		}
		return stringify(v)
	})
}

func stringify(v ir.Value) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
