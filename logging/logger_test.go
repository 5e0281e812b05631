package logging

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_LoggerFromContext(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx := ContextWithLogger(context.Background(), logger)
	require.Same(t, logger, LoggerFromContext(ctx))
}

func Test_LoggerFromContext_missing(t *testing.T) {
	require.Same(t, slog.Default(), LoggerFromContext(context.Background()))
}
