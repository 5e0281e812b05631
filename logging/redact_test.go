package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func logToMap(t *testing.T, fn func(logger *slog.Logger)) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))

	fn(logger)

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))

	return out
}

func Test_RedactingHandler_sensitiveAttrs(t *testing.T) {
	out := logToMap(t, func(logger *slog.Logger) {
		logger.Info("derived key",
			"seed_source", "legal winner thank year wave",
			"mnemonic", "legal winner thank year wave",
			"fingerprint", "abc123",
		)
	})

	require.Equal(t, redactedValue, out["seed_source"])
	require.Equal(t, redactedValue, out["mnemonic"])
	require.Equal(t, "abc123", out["fingerprint"])
}

func Test_RedactingHandler_withAttrsAndGroups(t *testing.T) {
	out := logToMap(t, func(logger *slog.Logger) {
		logger.
			With("cache_secret", "hunter2").
			Info("cache write", slog.Group("entry", slog.String("seed", "raw-bytes"), slog.String("version", "1")))
	})

	require.Equal(t, redactedValue, out["cache_secret"])

	entry, ok := out["entry"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, redactedValue, entry["seed"])
	require.Equal(t, "1", entry["version"])
}

func Test_RedactingHandler_neverLeaksSeedBytes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("lookup", "seed", strings.Repeat("sentinel", 4))

	require.NotContains(t, buf.String(), "sentinel")
}

func Test_LoggerFromContext_fallsBackToDefault(t *testing.T) {
	require.NotNil(t, LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := ContextWithLogger(context.Background(), logger)
	require.Same(t, logger, LoggerFromContext(ctx))
}
