package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dio/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceID(t *testing.T) {
	assert.Equal(t, "0", TraceID(context.Background()))

	ctx := WithTraceID(context.Background(), "req-42")
	assert.Equal(t, "req-42", TraceID(ctx))
	assert.Equal(t, "0", TraceID(WithTraceID(context.Background(), "")))
}

func TestSetup_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dio.log")
	require.NoError(t, Setup(config.LoggerConfig{Level: "debug", Output: "file", File: config.LoggerFileConfig{Path: path}}))

	InfoCtx(WithTraceID(context.Background(), "abc"), "worker %s registered", "w1")
	_ = Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, "abc\tworker w1 registered"), line)
}

func TestSetup_FileOutputRequiresPath(t *testing.T) {
	err := Setup(config.LoggerConfig{Output: "file"})
	assert.Error(t, err)
}
