package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobgate/internal/errs"
)

func TestReadJSONArg(t *testing.T) {
	raw, err := readJSONArg("")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	raw, err = readJSONArg(`{"msg":"hi"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"hi"}`, string(raw))

	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"url":"http://example.test"}`), 0o644))
	raw, err = readJSONArg("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"http://example.test"}`, string(raw))

	_, err = readJSONArg("{not json")
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 3, exitCode(errs.New(errs.NotFound, "job x not found")))
	assert.Equal(t, 4, exitCode(errs.New(errs.Conflict, "job is not claimed")))
	assert.Equal(t, 2, exitCode(errs.New(errs.InvalidInput, "bad")))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestCommandsRegistered(t *testing.T) {
	registerCommands()
	for _, path := range [][]string{
		{"serve"}, {"worker"}, {"sweep"},
		{"job", "enqueue"}, {"job", "complete"},
		{"agent", "register"}, {"plan", "bundle"},
		{"approval", "decide"}, {"token", "issue"},
		{"log", "tail"}, {"config", "init"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
