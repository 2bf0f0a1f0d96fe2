package providers

import (
	"fmt"
	"strings"
)

type ProviderSpec struct {
	Name              string
	Keywords          []string // model name keywords for matching
	EnvKey            string   // environment variable for API key
	DefaultAPIBase    string   // default base URL
	IsGateway         bool     // multi-provider gateway (OpenRouter, AiHubMix)
	IsLocal           bool     // local inference (Ollama, vLLM)
	IsAnthropic       bool     // speaks the Anthropic Messages API
	DetectByKeyPrefix string   // detect by API key prefix (e.g. "sk-or-" for OpenRouter)
	DetectByBaseKW    string   // detect by base URL keyword
	ModelPrefix       string   // prefix to add to model name
	SkipPrefixes      []string // prefixes to skip when adding ModelPrefix
}

// Providers is the registry of known LLM providers
var Providers = []ProviderSpec{
	{Name: "openrouter", Keywords: []string{"openrouter"}, EnvKey: "OPENROUTER_API_KEY", DefaultAPIBase: "https://openrouter.ai/api/v1", IsGateway: true, DetectByKeyPrefix: "sk-or-"},
	{Name: "aihubmix", Keywords: []string{"aihubmix"}, EnvKey: "AIHUBMIX_API_KEY", DefaultAPIBase: "https://aihubmix.com/v1", IsGateway: true, DetectByKeyPrefix: "sk-aihub"},
	{Name: "anthropic", Keywords: []string{"claude", "anthropic"}, EnvKey: "ANTHROPIC_API_KEY", IsAnthropic: true},
	{Name: "openai", Keywords: []string{"gpt", "o1", "o3", "chatgpt"}, EnvKey: "OPENAI_API_KEY"},
	{Name: "deepseek", Keywords: []string{"deepseek"}, EnvKey: "DEEPSEEK_API_KEY", DefaultAPIBase: "https://api.deepseek.com/v1"},
	{Name: "groq", Keywords: []string{"groq"}, EnvKey: "GROQ_API_KEY", DefaultAPIBase: "https://api.groq.com/openai/v1"},
	{Name: "xai", Keywords: []string{"grok", "xai"}, EnvKey: "XAI_API_KEY", DefaultAPIBase: "https://api.x.ai/v1"},
	{Name: "mistral", Keywords: []string{"mistral", "mixtral", "codestral"}, EnvKey: "MISTRAL_API_KEY", DefaultAPIBase: "https://api.mistral.ai/v1"},
	{Name: "ollama", Keywords: []string{"ollama", "llama"}, DefaultAPIBase: "http://localhost:11434/v1", IsLocal: true, DetectByBaseKW: "11434"},
	{Name: "custom"},
}

// FindByModel matches model name against Keywords, returns first match.
func FindByModel(model string) *ProviderSpec {
	lower := strings.ToLower(model)
	for i := range Providers {
		for _, kw := range Providers[i].Keywords {
			if strings.Contains(lower, kw) {
				return &Providers[i]
			}
		}
	}
	return nil
}

// FindGateway detects a gateway provider by API key prefix or base URL keyword.
func FindGateway(apiKey, baseURL string) *ProviderSpec {
	for i := range Providers {
		spec := &Providers[i]
		if spec.DetectByKeyPrefix != "" && strings.HasPrefix(apiKey, spec.DetectByKeyPrefix) {
			return spec
		}
		if spec.DetectByBaseKW != "" && strings.Contains(baseURL, spec.DetectByBaseKW) {
			return spec
		}
	}
	return nil
}

// FindByName returns the provider spec with an exact name match.
func FindByName(name string) *ProviderSpec {
	for i := range Providers {
		if Providers[i].Name == name {
			return &Providers[i]
		}
	}
	return nil
}

// Credentials returns the API key and base URL configured for a provider name.
type Credentials func(name string) (apiKey, baseURL string)

// New picks a backend for model. Explicit provider names win over keyword
// matching; gateways are detected from the configured key or base URL.
func New(name, model string, creds Credentials) (Provider, error) {
	var spec *ProviderSpec
	if name != "" {
		if spec = FindByName(name); spec == nil {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	} else if spec = FindByModel(model); spec == nil {
		return nil, fmt.Errorf("no provider matches model %q", model)
	}

	apiKey, baseURL := creds(spec.Name)
	if gw := FindGateway(apiKey, baseURL); gw != nil && !spec.IsAnthropic {
		spec = gw
	}
	if apiKey == "" && !spec.IsLocal {
		return nil, fmt.Errorf("no API key configured for provider %s (set %s)", spec.Name, spec.EnvKey)
	}

	if spec.IsAnthropic {
		return NewAnthropicProvider(apiKey, baseURL, model), nil
	}
	return NewOpenAICompatProviderFromSpec(spec, apiKey, baseURL, model), nil
}
