// Package config loads the service configuration once at startup from an
// optional config.yaml plus PARTVISION_-prefixed environment variables.
// The resulting Config is immutable and passed into every component that
// needs it.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Workdir   string          `koanf:"workdir"`
	Render    RenderConfig    `koanf:"render"`
	Anthropic AnthropicConfig `koanf:"anthropic"`
	OpenAI    OpenAIConfig    `koanf:"openai"`
	Storage   StorageConfig   `koanf:"storage"`
	History   HistoryConfig   `koanf:"history"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// RenderConfig controls how the external rendering engine is invoked.
type RenderConfig struct {
	BlenderPath    string `koanf:"blender_path"`
	ScriptPath     string `koanf:"script_path"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
	// Resolution and Samples are passed to the engine's environment when
	// non-zero; the engine applies its own defaults otherwise.
	Resolution int `koanf:"resolution"`
	Samples    int `koanf:"samples"`
}

type AnthropicConfig struct {
	APIKey string `koanf:"api_key"`
	Model  string `koanf:"model"`
}

type OpenAIConfig struct {
	APIKey string `koanf:"api_key"`
	Model  string `koanf:"model"`
}

// StorageConfig holds the credential for authenticating outbound artifact
// fetches against the upstream storage service.
type StorageConfig struct {
	Token string `koanf:"token"`
}

// HistoryConfig enables the optional sqlite validation log when Path is set.
type HistoryConfig struct {
	Path string `koanf:"path"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml if present, overlays PARTVISION_ environment
// variables (double underscore maps to a nesting level), substitutes ${VAR}
// references, and applies defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider("config.yaml"), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("PARTVISION_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "PARTVISION_")), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	substituteAll(&cfg)
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("workdir") {
		k.Set("workdir", filepath.Join(os.TempDir(), "partvision"))
	}
	if !k.Exists("render.blender_path") {
		k.Set("render.blender_path", "blender")
	}
	if !k.Exists("render.script_path") {
		k.Set("render.script_path", "scripts/render3mf.py")
	}
	if !k.Exists("render.timeout_seconds") {
		k.Set("render.timeout_seconds", 300)
	}
	if !k.Exists("anthropic.model") {
		k.Set("anthropic.model", "claude-sonnet-4-20250514")
	}
	if !k.Exists("openai.model") {
		k.Set("openai.model", "gpt-4o")
	}
}

func substituteAll(cfg *Config) {
	cfg.Workdir = substituteEnvVars(cfg.Workdir)
	cfg.Render.BlenderPath = substituteEnvVars(cfg.Render.BlenderPath)
	cfg.Render.ScriptPath = substituteEnvVars(cfg.Render.ScriptPath)
	cfg.Anthropic.APIKey = substituteEnvVars(cfg.Anthropic.APIKey)
	cfg.OpenAI.APIKey = substituteEnvVars(cfg.OpenAI.APIKey)
	cfg.Storage.Token = substituteEnvVars(cfg.Storage.Token)
	cfg.History.Path = substituteEnvVars(cfg.History.Path)
}

// substituteEnvVars replaces ${VAR} references with the value of VAR from the
// environment. Undefined variables become empty strings.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}
