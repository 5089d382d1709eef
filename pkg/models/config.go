package models

// ProviderKind identifies one of the supported LLM provider families.
type ProviderKind string

const (
	ProviderAnthropic        ProviderKind = "anthropic"
	ProviderOpenAI           ProviderKind = "openai"
	ProviderGoogle           ProviderKind = "google"
	ProviderOpenRouter       ProviderKind = "openrouter"
	ProviderAzure            ProviderKind = "azure"
	ProviderOllama           ProviderKind = "ollama"
	ProviderLMStudio         ProviderKind = "lmstudio"
	ProviderBedrock          ProviderKind = "bedrock"
	ProviderOpenAICompatible ProviderKind = "openai-compatible"
	ProviderManaged          ProviderKind = "browseros"
)

// Credentials carries provider authentication material. Values flow through
// to the provider SDKs and are never logged.
type Credentials struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`

	// Azure
	AzureDeployment string `json:"azureDeployment,omitempty"`
	AzureAPIVersion string `json:"azureApiVersion,omitempty"`

	// Bedrock
	AWSRegion          string `json:"awsRegion,omitempty"`
	AWSAccessKeyID     string `json:"awsAccessKeyId,omitempty"`
	AWSSecretAccessKey string `json:"awsSecretAccessKey,omitempty"`
	AWSSessionToken    string `json:"awsSessionToken,omitempty"`
}

// Mode selects the agent behavior for a conversation.
type Mode string

const (
	ModeChat  Mode = "chat"
	ModeAgent Mode = "agent"
)

// Config is the immutable per-conversation configuration snapshot. Changing
// any field requires a new conversation id.
type Config struct {
	Provider      ProviderKind `json:"provider"`
	Model         string       `json:"model"`
	Credentials   Credentials  `json:"credentials"`
	ContextWindow int          `json:"contextWindow"`
	WorkDir       string       `json:"workDir,omitempty"`
	Mode          Mode         `json:"mode"`
	ScheduledTask bool         `json:"isScheduledTask,omitempty"`

	// ManagedUpstream names the upstream family the managed gateway proxies
	// to (anthropic, openai, openrouter, azure). Managed provider only.
	ManagedUpstream ProviderKind `json:"managedUpstream,omitempty"`
}

// DefaultContextWindow is assumed when the client does not supply one.
const DefaultContextWindow = 128000

// Window returns the configured context window or the default.
func (c Config) Window() int {
	if c.ContextWindow > 0 {
		return c.ContextWindow
	}
	return DefaultContextWindow
}
