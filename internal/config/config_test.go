package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smile.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, "tutorial.md", cfg.Tutorial)
	assert.Equal(t, ProviderClaude, cfg.LLMProvider)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 1800, cfg.Timeout)
	assert.Equal(t, "smile-base:latest", cfg.ContainerImage)
	assert.Equal(t, ".smile/state.json", cfg.StateFile)
	assert.Equal(t, ".", cfg.OutputDir)
	assert.Equal(t, 60, cfg.StudentBehavior.TimeoutSeconds)
	assert.Equal(t, PatienceLow, cfg.StudentBehavior.PatienceLevel)
	assert.True(t, cfg.Container.KeepOnFailure)
	assert.False(t, cfg.Container.KeepOnSuccess)
}

func TestLoad_OverridesMergeWithDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
		"tutorial": "custom.md",
		"llmProvider": "gemini",
		"maxIterations": 20,
		"studentBehavior": {
			"patienceLevel": "high",
			"maxRetriesBeforeHelp": 5
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "custom.md", cfg.Tutorial)
	assert.Equal(t, ProviderGemini, cfg.LLMProvider)
	assert.Equal(t, 20, cfg.MaxIterations)
	assert.Equal(t, PatienceHigh, cfg.StudentBehavior.PatienceLevel)
	assert.Equal(t, 5, cfg.StudentBehavior.MaxRetriesBeforeHelp)
	// Untouched fields keep their defaults.
	assert.Equal(t, 1800, cfg.Timeout)
	assert.True(t, cfg.StudentBehavior.AskOnMissingDependency)
	assert.Equal(t, 60, cfg.StudentBehavior.TimeoutSeconds)
}

func TestLoad_UnknownKeysIgnored(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
		"maxIterations": 3,
		"futureOption": {"nested": true},
		"studentBehavior": {"timeoutSeconds": 30, "futureKnob": 1}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxIterations)
	assert.Equal(t, 30, cfg.StudentBehavior.TimeoutSeconds)
}

func TestLoad_InvalidJSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{ invalid json }`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid JSON")
}

func TestLoad_InvalidEnumRejected(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"llmProvider": "gpt4"}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llmProvider")
}

func TestLoad_InvalidPatienceRejected(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"studentBehavior": {"patienceLevel": "infinite"}}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_ZeroIterationsRejected(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"maxIterations": 0}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateSettings_AcceptsMinimal(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateSettings(map[string]any{}))
	require.NoError(t, ValidateSettings(map[string]any{"tutorial": "t.md"}))
}

func TestDigest_StableAcrossCalls(t *testing.T) {
	t.Parallel()

	a := Default()
	b := Default()
	assert.Equal(t, a.Digest(), b.Digest())

	b.MaxIterations = 2
	assert.NotEqual(t, a.Digest(), b.Digest())
}
