// Package config provides configuration loading and management for smile.
package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// LLM provider identifiers accepted in the llmProvider field.
const (
	ProviderClaude = "claude"
	ProviderCodex  = "codex"
	ProviderGemini = "gemini"
)

// Patience levels accepted in studentBehavior.patienceLevel.
const (
	PatienceLow    = "low"
	PatienceMedium = "medium"
	PatienceHigh   = "high"
)

// Config is the root configuration for a validation run.
type Config struct {
	Tutorial        string          `json:"tutorial"        mapstructure:"tutorial"`
	LLMProvider     string          `json:"llmProvider"     mapstructure:"llmProvider"`
	MaxIterations   int             `json:"maxIterations"   mapstructure:"maxIterations"`
	Timeout         int             `json:"timeout"         mapstructure:"timeout"`
	ContainerImage  string          `json:"containerImage"  mapstructure:"containerImage"`
	StudentBehavior StudentBehavior `json:"studentBehavior" mapstructure:"studentBehavior"`
	Container       ContainerPolicy `json:"container"       mapstructure:"container"`
	StateFile       string          `json:"stateFile"       mapstructure:"stateFile"`
	OutputDir       string          `json:"outputDir"       mapstructure:"outputDir"`
	Port            int             `json:"port"            mapstructure:"port"`
}

// StudentBehavior tunes how the student agent escalates to the mentor.
// These knobs are emitted into the student prompt; only TimeoutSeconds is
// enforced by the orchestrator itself.
type StudentBehavior struct {
	MaxRetriesBeforeHelp      int    `json:"maxRetriesBeforeHelp"      mapstructure:"maxRetriesBeforeHelp"`
	AskOnMissingDependency    bool   `json:"askOnMissingDependency"    mapstructure:"askOnMissingDependency"`
	AskOnAmbiguousInstruction bool   `json:"askOnAmbiguousInstruction" mapstructure:"askOnAmbiguousInstruction"`
	AskOnCommandFailure       bool   `json:"askOnCommandFailure"       mapstructure:"askOnCommandFailure"`
	AskOnTimeout              bool   `json:"askOnTimeout"              mapstructure:"askOnTimeout"`
	TimeoutSeconds            int    `json:"timeoutSeconds"            mapstructure:"timeoutSeconds"`
	PatienceLevel             string `json:"patienceLevel"             mapstructure:"patienceLevel"`
}

// ContainerPolicy controls when the execution environment is kept after a run.
type ContainerPolicy struct {
	KeepOnFailure bool `json:"keepOnFailure" mapstructure:"keepOnFailure"`
	KeepOnSuccess bool `json:"keepOnSuccess" mapstructure:"keepOnSuccess"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Tutorial:       "tutorial.md",
		LLMProvider:    ProviderClaude,
		MaxIterations:  10,
		Timeout:        1800,
		ContainerImage: "smile-base:latest",
		StudentBehavior: StudentBehavior{
			MaxRetriesBeforeHelp:      3,
			AskOnMissingDependency:    true,
			AskOnAmbiguousInstruction: true,
			AskOnCommandFailure:       true,
			AskOnTimeout:              true,
			TimeoutSeconds:            60,
			PatienceLevel:             PatienceLow,
		},
		Container: ContainerPolicy{
			KeepOnFailure: true,
			KeepOnSuccess: false,
		},
		StateFile: ".smile/state.json",
		OutputDir: ".",
		Port:      3000,
	}
}

// Load reads the config file at path, validates it against the schema, and
// returns the merged configuration. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return Config{}, fmt.Errorf("Invalid JSON in config file '%s': %v\n\nTry: validate the file with a JSON linter", path, err)
	}
	if err := ValidateSettings(settings); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.LLMProvider = strings.ToLower(cfg.LLMProvider)
	cfg.StudentBehavior.PatienceLevel = strings.ToLower(cfg.StudentBehavior.PatienceLevel)
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) check() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("Invalid configuration: maxIterations must be >= 1 (got %d)\n\nTry: raise maxIterations in smile.json", c.MaxIterations)
	}
	if c.Timeout < 1 {
		return fmt.Errorf("Invalid configuration: timeout must be >= 1 second (got %d)\n\nTry: raise timeout in smile.json", c.Timeout)
	}
	if c.StudentBehavior.TimeoutSeconds < 1 {
		return fmt.Errorf("Invalid configuration: studentBehavior.timeoutSeconds must be >= 1 (got %d)\n\nTry: raise the step timeout", c.StudentBehavior.TimeoutSeconds)
	}
	if c.StudentBehavior.MaxRetriesBeforeHelp < 1 {
		return fmt.Errorf("Invalid configuration: studentBehavior.maxRetriesBeforeHelp must be >= 1 (got %d)\n\nTry: raise maxRetriesBeforeHelp", c.StudentBehavior.MaxRetriesBeforeHelp)
	}
	switch c.LLMProvider {
	case ProviderClaude, ProviderCodex, ProviderGemini:
	default:
		return fmt.Errorf("Invalid configuration: unknown llmProvider %q\n\nTry: one of claude, codex, gemini", c.LLMProvider)
	}
	switch c.StudentBehavior.PatienceLevel {
	case PatienceLow, PatienceMedium, PatienceHigh:
	default:
		return fmt.Errorf("Invalid configuration: unknown patienceLevel %q\n\nTry: one of low, medium, high", c.StudentBehavior.PatienceLevel)
	}
	return nil
}

// Digest returns a stable hash of the configuration, used as one input of
// the workspace fingerprint. Keys are serialized in sorted order so the
// digest does not depend on map iteration.
func (c Config) Digest() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		part, _ := json.Marshal(m[k])
		fmt.Fprintf(h, "%s=%s;", k, part)
	}
	return hex.EncodeToString(h.Sum(nil))
}
