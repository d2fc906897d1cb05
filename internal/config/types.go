package config

// Config is the root configuration for the CJ gateway.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway,omitempty"`
	Identity     IdentityConfig     `yaml:"identity,omitempty"`
	Workflows    WorkflowsConfig    `yaml:"workflows,omitempty"`
	Store        StoreConfig        `yaml:"store,omitempty"`
	Runtime      RuntimeConfig      `yaml:"runtime,omitempty"`
	Integrations IntegrationsConfig `yaml:"integrations,omitempty"`
	OAuth        OAuthConfig        `yaml:"oauth,omitempty"`
	Client       ClientConfig       `yaml:"client,omitempty"`
	Logging      LoggingConfig      `yaml:"logging,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Port              int      `yaml:"port,omitempty"`
	Bind              string   `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost    string   `yaml:"customBindHost,omitempty"`
	AllowedOrigins    []string `yaml:"allowedOrigins,omitempty"`
	HeartbeatSeconds  int      `yaml:"heartbeatSeconds,omitempty"`
	HeartbeatTimeout  int      `yaml:"heartbeatTimeoutSeconds,omitempty"`
	MaxPayloadBytes   int64    `yaml:"maxPayloadBytes,omitempty"`
}

// IdentityConfig controls durable-identity resolution.
type IdentityConfig struct {
	CookieName string `yaml:"cookieName,omitempty"`
	Secret     string `yaml:"secret,omitempty"` // HMAC secret, supports ${ENV_VAR}
}

// WorkflowsConfig points at the workflow catalog and names the configured
// workflow roles.
type WorkflowsConfig struct {
	CatalogPath     string            `yaml:"catalogPath,omitempty"`
	Onboarding      string            `yaml:"onboarding,omitempty"`
	GeneralSupport  string            `yaml:"generalSupport,omitempty"`
	PostIntegration map[string]string `yaml:"postIntegration,omitempty"` // provider → workflow
}

// StoreConfig controls the session state store.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"` // SQLite path, ":memory:" for tests
}

// RuntimeConfig points at the external AI runtime.
type RuntimeConfig struct {
	Endpoint       string `yaml:"endpoint,omitempty"`
	APIKey         string `yaml:"apiKey,omitempty"` // supports ${ENV_VAR}
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
}

// IntegrationsConfig points at the integration-status service.
type IntegrationsConfig struct {
	Endpoint       string   `yaml:"endpoint,omitempty"`
	TimeoutSeconds int      `yaml:"timeoutSeconds,omitempty"`
	Providers      []string `yaml:"providers,omitempty"` // checked in order by the selector
}

// OAuthConfig configures the external authorization provider used by the
// continuity bridge.
type OAuthConfig struct {
	Provider       string   `yaml:"provider,omitempty"`
	ClientID       string   `yaml:"clientId,omitempty"`
	ClientSecret   string   `yaml:"clientSecret,omitempty"` // supports ${ENV_VAR}
	AuthURL        string   `yaml:"authUrl,omitempty"`
	TokenURL       string   `yaml:"tokenUrl,omitempty"`
	RedirectURL    string   `yaml:"redirectUrl,omitempty"`
	Scopes         []string `yaml:"scopes,omitempty"`
	HandoffTTLSecs int      `yaml:"handoffTtlSeconds,omitempty"`
}

// ClientConfig controls the client-side connection state machine.
type ClientConfig struct {
	ReconnectInitialMs int `yaml:"reconnectInitialMs,omitempty"`
	ReconnectMaxMs     int `yaml:"reconnectMaxMs,omitempty"`
	ReconnectAttempts  int `yaml:"reconnectAttempts,omitempty"`
	QueueMaxAgeSeconds int `yaml:"queueMaxAgeSeconds,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	Style string `yaml:"style,omitempty"` // "pretty" | "json"
}
