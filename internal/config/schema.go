package config

// Config is the top-level configuration
type Config struct {
	Providers ProvidersConfig `json:"providers"`
	Agents    AgentsConfig    `json:"agents"`
	Events    EventsConfig    `json:"events"`
}

// ProvidersConfig holds API keys and settings for LLM providers
type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai"`
	Anthropic  ProviderConfig `json:"anthropic"`
	DeepSeek   ProviderConfig `json:"deepseek"`
	Groq       ProviderConfig `json:"groq"`
	XAI        ProviderConfig `json:"xai"`
	Mistral    ProviderConfig `json:"mistral"`
	Ollama     ProviderConfig `json:"ollama"`
	OpenRouter ProviderConfig `json:"openrouter"`
	AiHubMix   ProviderConfig `json:"aihubmix"`
	Custom     ProviderConfig `json:"custom"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Workspace         string  `json:"workspace"`
	SessionsDir       string  `json:"sessionsDir"`
	Provider          string  `json:"provider"` // empty selects by model name
	Model             string  `json:"model"`
	MaxTokens         int     `json:"maxTokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"maxToolIterations"`
}

// EventsConfig configures the event runner.
type EventsConfig struct {
	Dir            string `json:"dir"`
	DefaultSession string `json:"defaultSession"`
	LogDir         string `json:"logDir"`
	Echo           bool   `json:"echo"`
	ShowUsage      bool   `json:"showUsage"`
	MaxRunners     int    `json:"maxRunners"`
	IdleTTLMinutes int    `json:"idleTtlMinutes"`
	MaxPending     int    `json:"maxPending"`
}

// DefaultConfig returns a Config with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:         "~/.supportbot/workspace",
				SessionsDir:       "~/.supportbot/sessions",
				Model:             "claude-sonnet-4-5",
				MaxTokens:         4096,
				Temperature:       0.7,
				MaxToolIterations: 40,
			},
		},
		Events: EventsConfig{
			Dir:            "~/.supportbot/events",
			DefaultSession: "events",
			LogDir:         "~/.supportbot/logs",
			Echo:           true,
			MaxRunners:     200,
			IdleTTLMinutes: 15,
			MaxPending:     32,
		},
	}
}

// Credentials returns the API key and base URL configured for the named
// provider.
func (c *Config) Credentials(name string) (apiKey, baseURL string) {
	var p ProviderConfig
	switch name {
	case "openai":
		p = c.Providers.OpenAI
	case "anthropic":
		p = c.Providers.Anthropic
	case "deepseek":
		p = c.Providers.DeepSeek
	case "groq":
		p = c.Providers.Groq
	case "xai":
		p = c.Providers.XAI
	case "mistral":
		p = c.Providers.Mistral
	case "ollama":
		p = c.Providers.Ollama
	case "openrouter":
		p = c.Providers.OpenRouter
	case "aihubmix":
		p = c.Providers.AiHubMix
	case "custom":
		p = c.Providers.Custom
	}
	return p.APIKey, p.BaseURL
}
