package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestVersion(t *testing.T) {
	assert.Contains(t, run(t, "version"), "foresight "+version)
}

func TestInitThenLockCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfgPath := filepath.Join(dir, "foresight", "config.yaml")

	assert.Contains(t, run(t, "init"), cfgPath)
	_, err := os.Stat(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, run(t, "init"), "already exists")

	assert.Contains(t, run(t, "lock", "acquire", "gemini", "--reason", "pin"), "lock held by gemini")
	assert.Contains(t, run(t, "lock"), `"active_provider": "gemini"`)
	assert.Contains(t, run(t, "lock", "failover"), "lock moved to openai")

	audit := run(t, "audit", "--limit", "0")
	assert.Contains(t, audit, "manual: pin")
	assert.Contains(t, audit, "manual: operator request")

	assert.Contains(t, run(t, "lock", "reset"), "lock reset")
	assert.Contains(t, run(t, "lock", "release"), "lock was not held")
}
