// Package secrets implements the path-addressed, cached, multi-source
// runtime secret resolver (spec §4.7). Grounded on the teacher's
// resolver.Resolver (cmd/workflow-runner/resolver) for dot-path/template
// resolution style and on common/clients' plain net/http REST client
// pattern — no HashiCorp Vault SDK appears anywhere in the retrieved pack,
// so the KV v2 HTTP call is made directly against net/http per spec's
// literal GET description (see DESIGN.md).
package secrets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Logger is the narrow logging surface this package depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// ErrNotFound is returned when no source (cache, vault, env) has a value.
type ErrNotFound struct{ Path string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("secret not found: %s", e.Path) }

type cacheEntry struct {
	value   string
	expires time.Time
}

// Resolver resolves path -> value via cache, Vault-compatible KV v2, then
// environment variables (spec §4.7).
type Resolver struct {
	addr      string
	token     string
	namespace string
	ttl       time.Duration

	httpClient *http.Client
	log        Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Resolver. ttl defaults to 30s if <= 0.
func New(addr, token, namespace string, ttl time.Duration, httpClient *http.Client, log Logger) *Resolver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{
		addr:       addr,
		token:      token,
		namespace:  namespace,
		ttl:        ttl,
		httpClient: httpClient,
		log:        log,
		cache:      make(map[string]cacheEntry),
	}
}

// Fetch resolves path through the cache, then Vault KV v2, then env vars, in
// that order, stopping at the first success (spec §4.7). The returned value
// must not be retained by the caller beyond the current instruction.
func (r *Resolver) Fetch(ctx context.Context, path string) (string, error) {
	if v, ok := r.cacheGet(path); ok {
		return v, nil
	}

	if r.addr != "" {
		if v, err := r.fetchVault(ctx, path); err == nil {
			r.cacheSet(path, v)
			return v, nil
		} else {
			r.log.Debug("secrets: vault lookup failed, falling back to env", "path", path, "error", err)
		}
	}

	envKey := "VAULT_SECRET_" + upperSnake(path)
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}

	rawKey := rawEnvKey(path)
	if v := os.Getenv(rawKey); v != "" {
		return v, nil
	}

	return "", &ErrNotFound{Path: path}
}

func (r *Resolver) cacheGet(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[path]
	if !ok || time.Now().After(entry.expires) {
		return "", false
	}
	return entry.value, true
}

func (r *Resolver) cacheSet(path, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[path] = cacheEntry{value: value, expires: time.Now().Add(r.ttl)}
}

// fetchVault performs GET {addr}/v1/{mount}/data/{key} against a
// HashiCorp-compatible KV v2 endpoint (spec §4.7).
func (r *Resolver) fetchVault(ctx context.Context, path string) (string, error) {
	mount, key := splitMountKey(path)

	url := fmt.Sprintf("%s/v1/%s/data/%s", strings.TrimRight(r.addr, "/"), mount, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if r.token != "" {
		req.Header.Set("X-Vault-Token", r.token)
	}
	if r.namespace != "" {
		req.Header.Set("X-Vault-Namespace", r.namespace)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("vault: status %d for %s", resp.StatusCode, url)
	}

	data := gjson.GetBytes(body, "data.data")
	if !data.Exists() || !data.IsObject() {
		return "", fmt.Errorf("vault: response missing data.data for %s", path)
	}

	// Return the entry named by the last /-segment of path, falling back to
	// the first entry in the map (spec §4.7).
	lastSegment := key
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		lastSegment = key[idx+1:]
	}
	if v := data.Get(jsonPointerEscape(lastSegment)); v.Exists() {
		return v.String(), nil
	}

	var first string
	data.ForEach(func(_, value gjson.Result) bool {
		first = value.String()
		return false
	})
	if first == "" {
		return "", fmt.Errorf("vault: no entries in data.data for %s", path)
	}
	return first, nil
}

// splitMountKey splits "path" on the first "/" into (mount, key), defaulting
// mount to "secret" (spec §4.7).
func splitMountKey(path string) (mount, key string) {
	idx := strings.Index(path, "/")
	if idx < 0 {
		return "secret", path
	}
	return path[:idx], path[idx+1:]
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]+`)

// upperSnake converts a secret path into UPPER_SNAKE_CASE for the
// VAULT_SECRET_ env fallback (spec §4.7).
func upperSnake(path string) string {
	return strings.ToUpper(strings.Trim(nonAlnum.ReplaceAllString(path, "_"), "_"))
}

// rawEnvKey normalizes "_", "/", "-", "." to "_" and upper-cases the result
// for the raw env var fallback (spec §4.7).
func rawEnvKey(path string) string {
	replacer := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return strings.ToUpper(replacer.Replace(path))
}

func jsonPointerEscape(key string) string {
	// gjson treats "." as a path separator; a literal key containing one
	// must be escaped with a backslash.
	return strings.ReplaceAll(key, ".", "\\.")
}

// templatePattern matches {{secret:PATH}} placeholders (spec §4.7).
var templatePattern = regexp.MustCompile(`\{\{secret:([^}]+)\}\}`)

// InjectTemplate replaces every {{secret:PATH}} placeholder in s with its
// resolved value. Unresolvable placeholders are left intact.
func (r *Resolver) InjectTemplate(ctx context.Context, s string) string {
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := templatePattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		value, err := r.Fetch(ctx, sub[1])
		if err != nil {
			return match
		}
		return value
	})
}
