package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithWritersFansOut(t *testing.T) {
	var text, js bytes.Buffer
	l := SetupWithWriters(&text, &js, slog.LevelInfo)
	l.Debug("hidden")
	l.Info("job claimed", "job_id", "j1")

	assert.NotContains(t, text.String(), "hidden")
	assert.Contains(t, text.String(), "job_id=j1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &rec))
	assert.Equal(t, "job claimed", rec["msg"])
	assert.Equal(t, "j1", rec["job_id"])
}

func TestSetupWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobgate.log")
	l, cleanup := Setup(path, slog.LevelDebug)
	l.Info("hello")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"hello"`))
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	FromContext(ctx, base).Info("x")
	assert.Contains(t, buf.String(), "request_id=req-1")
}
