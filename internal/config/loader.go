package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPath returns ~/.supportbot/config.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".supportbot", "config.json"), nil
}

// Load loads config from the default path. A missing file yields the
// defaults with env overrides applied.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return LoadFromReader(strings.NewReader("{}"))
	}
	return cfg, err
}

// LoadFromFile loads config from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader loads config from an io.Reader, applying defaults and env overrides.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	expandPaths(cfg)

	return cfg, nil
}

// applyEnvOverrides applies SUPPORTBOT_-prefixed environment variable overrides.
func applyEnvOverrides(cfg *Config) error {
	envMap := map[string]*string{
		"SUPPORTBOT_PROVIDERS_OPENAI_APIKEY":     &cfg.Providers.OpenAI.APIKey,
		"SUPPORTBOT_PROVIDERS_ANTHROPIC_APIKEY":  &cfg.Providers.Anthropic.APIKey,
		"SUPPORTBOT_PROVIDERS_DEEPSEEK_APIKEY":   &cfg.Providers.DeepSeek.APIKey,
		"SUPPORTBOT_PROVIDERS_GROQ_APIKEY":       &cfg.Providers.Groq.APIKey,
		"SUPPORTBOT_PROVIDERS_XAI_APIKEY":        &cfg.Providers.XAI.APIKey,
		"SUPPORTBOT_PROVIDERS_MISTRAL_APIKEY":    &cfg.Providers.Mistral.APIKey,
		"SUPPORTBOT_PROVIDERS_OPENROUTER_APIKEY": &cfg.Providers.OpenRouter.APIKey,
		"SUPPORTBOT_PROVIDERS_AIHUBMIX_APIKEY":   &cfg.Providers.AiHubMix.APIKey,
		"SUPPORTBOT_PROVIDERS_CUSTOM_APIKEY":     &cfg.Providers.Custom.APIKey,
		"SUPPORTBOT_PROVIDERS_CUSTOM_BASEURL":    &cfg.Providers.Custom.BaseURL,
		"SUPPORTBOT_PROVIDERS_OLLAMA_BASEURL":    &cfg.Providers.Ollama.BaseURL,
		"SUPPORTBOT_AGENTS_DEFAULTS_PROVIDER":    &cfg.Agents.Defaults.Provider,
		"SUPPORTBOT_AGENTS_DEFAULTS_MODEL":       &cfg.Agents.Defaults.Model,
		"SUPPORTBOT_AGENTS_DEFAULTS_WORKSPACE":   &cfg.Agents.Defaults.Workspace,
		"SUPPORTBOT_EVENTS_DIR":                  &cfg.Events.Dir,
		"SUPPORTBOT_EVENTS_DEFAULTSESSION":       &cfg.Events.DefaultSession,
		"SUPPORTBOT_EVENTS_LOGDIR":               &cfg.Events.LogDir,
	}

	for env, ptr := range envMap {
		if val := os.Getenv(env); val != "" {
			*ptr = val
		}
	}

	boolMap := map[string]*bool{
		"SUPPORTBOT_EVENTS_ECHO":      &cfg.Events.Echo,
		"SUPPORTBOT_EVENTS_SHOWUSAGE": &cfg.Events.ShowUsage,
	}
	for env, ptr := range boolMap {
		if val := os.Getenv(env); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
			*ptr = b
		}
	}
	return nil
}

// expandPaths expands a leading ~ in every configured directory.
func expandPaths(cfg *Config) {
	for _, p := range []*string{
		&cfg.Agents.Defaults.Workspace,
		&cfg.Agents.Defaults.SessionsDir,
		&cfg.Events.Dir,
		&cfg.Events.LogDir,
	} {
		*p = ExpandHome(*p)
	}
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	if len(path) >= 2 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
