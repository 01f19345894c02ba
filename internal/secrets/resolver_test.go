package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Debug(msg string, args ...any) { l.t.Logf("[DEBUG] %s %v", msg, args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.t.Logf("[WARN] %s %v", msg, args) }

func TestFetch_EnvVarFallback(t *testing.T) {
	t.Setenv("VAULT_SECRET_DB_PASSWORD", "s3cr3t")
	r := New("", "", "", 0, http.DefaultClient, &testLogger{t: t})

	v, err := r.Fetch(context.Background(), "db/password")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", v)
}

func TestFetch_RawEnvVarFallback(t *testing.T) {
	t.Setenv("DB_PASSWORD", "raw-value")
	r := New("", "", "", 0, http.DefaultClient, &testLogger{t: t})

	v, err := r.Fetch(context.Background(), "db/password")
	require.NoError(t, err)
	assert.Equal(t, "raw-value", v)
}

func TestFetch_NotFoundReturnsTypedError(t *testing.T) {
	r := New("", "", "", 0, http.DefaultClient, &testLogger{t: t})
	_, err := r.Fetch(context.Background(), "nowhere/at-all")
	require.Error(t, err)
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestFetch_VaultSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/db/data/password", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"data":{"password":"vault-value"}}}`))
	}))
	defer srv.Close()

	r := New(srv.URL, "test-token", "", 0, http.DefaultClient, &testLogger{t: t})
	v, err := r.Fetch(context.Background(), "db/password")
	require.NoError(t, err)
	assert.Equal(t, "vault-value", v)
}

func TestFetch_CachesVaultResult(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"data":{"password":"vault-value"}}}`))
	}))
	defer srv.Close()

	r := New(srv.URL, "", "", 0, http.DefaultClient, &testLogger{t: t})
	_, err := r.Fetch(context.Background(), "db/password")
	require.NoError(t, err)
	_, err = r.Fetch(context.Background(), "db/password")
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second Fetch within the TTL window should be served from cache")
}

func TestFetch_VaultFailureFallsBackToEnv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	t.Setenv("VAULT_SECRET_DB_PASSWORD", "env-fallback")

	r := New(srv.URL, "", "", 0, http.DefaultClient, &testLogger{t: t})
	v, err := r.Fetch(context.Background(), "db/password")
	require.NoError(t, err)
	assert.Equal(t, "env-fallback", v)
}

func TestInjectTemplate_ReplacesResolvedSecretsAndLeavesUnresolved(t *testing.T) {
	t.Setenv("VAULT_SECRET_API_KEY", "key-123")
	r := New("", "", "", 0, http.DefaultClient, &testLogger{t: t})

	out := r.InjectTemplate(context.Background(), "Authorization: Bearer {{secret:api/key}} and {{secret:nowhere}}")
	assert.Equal(t, "Authorization: Bearer key-123 and {{secret:nowhere}}", out)
}

func TestErrNotFound_ErrorMessage(t *testing.T) {
	err := &ErrNotFound{Path: "x/y"}
	assert.Contains(t, err.Error(), "x/y")
	var target error = err
	assert.True(t, errors.As(target, new(*ErrNotFound)))
}
