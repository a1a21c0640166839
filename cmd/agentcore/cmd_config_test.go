package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func configFile(t *testing.T) string {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("AGENTCORE_DATA_DIR", "")
	return filepath.Join(t.TempDir(), "config.yaml")
}

func TestConfigSetGetMasksSecrets(t *testing.T) {
	path := configFile(t)
	var out bytes.Buffer

	require.NoError(t, setConfig(&out, path, "llm.api_key", "sk-secret-1234"))
	require.Equal(t, "Set llm.api_key = ***1234\n", out.String())

	out.Reset()
	require.NoError(t, getConfig(&out, path, "llm.api_key", false))
	require.Equal(t, "***1234\n", out.String())

	out.Reset()
	require.NoError(t, getConfig(&out, path, "llm.api_key", true))
	require.Equal(t, "sk-secret-1234\n", out.String())

	require.Error(t, getConfig(&out, path, "llm.nope", false))
}

func TestConfigSetRejectsInvalidBackend(t *testing.T) {
	path := configFile(t)
	var out bytes.Buffer

	err := setConfig(&out, path, "storage.event_log", "sqlite")
	require.ErrorContains(t, err, "storage.event_log")
	require.Empty(t, out.String())

	require.NoError(t, getConfig(&out, path, "storage.event_log", false))
	require.Equal(t, "jsonl\n", out.String(), "rejected value is rolled back")
}

func TestConfigListAndValidateShareEffectiveValues(t *testing.T) {
	path := configFile(t)
	t.Setenv("ANTHROPIC_API_KEY", "env-key-9876")

	var list bytes.Buffer
	require.NoError(t, listConfig(&list, path))
	require.Contains(t, list.String(), "llm.api_key = ***9876\n")
	require.Contains(t, list.String(), "storage.event_log = jsonl\n")

	var summary bytes.Buffer
	require.NoError(t, validateConfig(&summary, path))
	require.True(t, strings.HasPrefix(summary.String(), path+" is valid.\n"))
	require.Contains(t, summary.String(), "llm.api_key = ***9876\n")
	require.Contains(t, summary.String(), "storage.memory = file\n")
	require.NotContains(t, summary.String(), "llm.temperature")
}
