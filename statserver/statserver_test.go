package statserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/keymint/keyforge/fingerprint"
	"github.com/keymint/keyforge/keycache"
	"github.com/keymint/keyforge/keymat"
)

func testCache(t *testing.T) *keycache.Engine {
	t.Helper()

	engine, err := keycache.New(keycache.Config{
		Dir:    t.TempDir(),
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	require.NoError(t, err)

	t.Cleanup(engine.Close)

	return engine
}

func doRequest(t *testing.T, srv http.Handler, method, path string) (int, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	req = req.WithContext(logr.NewContextWithSlogLogger(req.Context(), logger))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	return rec.Code, body
}

func Test_handleStatusRequest(t *testing.T) {
	srv := newServer(testCache(t))

	code, body := doRequest(t, srv, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"OK"}`, string(body))
}

func Test_handleStatsRequest(t *testing.T) {
	cache := testCache(t)
	srv := newServer(cache)

	fp := fingerprint.For("stats source")

	entry, err := cache.NewEntry(&keymat.KeyMaterial{
		Kty: "RSA", N: "n", E: "AQAB", D: "d", P: "p", Q: "q", Dp: "dp", Dq: "dq", Qi: "qi",
	})
	require.NoError(t, err)

	cache.Set(fp, entry)
	cache.Flush()

	_, ok := cache.Get(fp)
	require.True(t, ok)

	code, body := doRequest(t, srv, http.MethodGet, "/cache/stats")
	require.Equal(t, http.StatusOK, code)

	var stats keycache.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, 1, stats.MemoryCacheSize)
}

func Test_handleInfoRequest(t *testing.T) {
	cache := testCache(t)
	srv := newServer(cache)

	code, body := doRequest(t, srv, http.MethodGet, "/cache/info")
	require.Equal(t, http.StatusOK, code)

	var info keycache.DiskInfo
	require.NoError(t, json.Unmarshal(body, &info))
	require.Zero(t, info.Files)
}

func Test_handleCleanupRequest(t *testing.T) {
	srv := newServer(testCache(t))

	code, body := doRequest(t, srv, http.MethodPost, "/cache/cleanup")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"removed":0}`, string(body))
}

func Test_handleClearRequest(t *testing.T) {
	cache := testCache(t)
	srv := newServer(cache)

	fp := fingerprint.For("cleared source")

	entry, err := cache.NewEntry(&keymat.KeyMaterial{
		Kty: "RSA", N: "n", E: "AQAB", D: "d", P: "p", Q: "q", Dp: "dp", Dq: "dq", Qi: "qi",
	})
	require.NoError(t, err)

	cache.Set(fp, entry)
	cache.Flush()

	code, body := doRequest(t, srv, http.MethodPost, "/cache/clear")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"cleared":true}`, string(body))

	require.Zero(t, cache.Stats().MemoryCacheSize)
	require.Zero(t, cache.DiskInfo().Files)
}

func Test_methodNotAllowed(t *testing.T) {
	srv := newServer(testCache(t))

	code, _ := doRequest(t, srv, http.MethodGet, "/cache/cleanup")
	require.Equal(t, http.StatusMethodNotAllowed, code)
}
