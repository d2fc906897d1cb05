package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port:             8100,
			Bind:             "loopback",
			HeartbeatSeconds: 30,
			HeartbeatTimeout: 60,
			MaxPayloadBytes:  1 << 20,
		},
		Identity: IdentityConfig{
			CookieName: "cj_session",
		},
		Workflows: WorkflowsConfig{
			CatalogPath:    "workflows.yaml",
			Onboarding:     "shopify_onboarding",
			GeneralSupport: "ad_hoc_support",
		},
		Store: StoreConfig{
			Path: "cj-gateway.db",
		},
		Runtime: RuntimeConfig{
			TimeoutSeconds: 300,
		},
		Integrations: IntegrationsConfig{
			TimeoutSeconds: 10,
		},
		OAuth: OAuthConfig{
			HandoffTTLSecs: 600,
		},
		Client: ClientConfig{
			ReconnectInitialMs: 1000,
			ReconnectMaxMs:     30000,
			ReconnectAttempts:  10,
			QueueMaxAgeSeconds: 300,
		},
		Logging: LoggingConfig{
			Level: "info",
			Style: "pretty",
		},
	}
}

// applyDefaults fills zero values left after unmarshalling a partial file.
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = def.Gateway.Bind
	}
	if cfg.Gateway.HeartbeatSeconds == 0 {
		cfg.Gateway.HeartbeatSeconds = def.Gateway.HeartbeatSeconds
	}
	if cfg.Gateway.HeartbeatTimeout == 0 {
		cfg.Gateway.HeartbeatTimeout = def.Gateway.HeartbeatTimeout
	}
	if cfg.Gateway.MaxPayloadBytes == 0 {
		cfg.Gateway.MaxPayloadBytes = def.Gateway.MaxPayloadBytes
	}
	if cfg.Identity.CookieName == "" {
		cfg.Identity.CookieName = def.Identity.CookieName
	}
	if cfg.Workflows.CatalogPath == "" {
		cfg.Workflows.CatalogPath = def.Workflows.CatalogPath
	}
	if cfg.Workflows.Onboarding == "" {
		cfg.Workflows.Onboarding = def.Workflows.Onboarding
	}
	if cfg.Workflows.GeneralSupport == "" {
		cfg.Workflows.GeneralSupport = def.Workflows.GeneralSupport
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Runtime.TimeoutSeconds == 0 {
		cfg.Runtime.TimeoutSeconds = def.Runtime.TimeoutSeconds
	}
	if cfg.Integrations.TimeoutSeconds == 0 {
		cfg.Integrations.TimeoutSeconds = def.Integrations.TimeoutSeconds
	}
	if cfg.OAuth.HandoffTTLSecs == 0 {
		cfg.OAuth.HandoffTTLSecs = def.OAuth.HandoffTTLSecs
	}
	if cfg.Client.ReconnectInitialMs == 0 {
		cfg.Client.ReconnectInitialMs = def.Client.ReconnectInitialMs
	}
	if cfg.Client.ReconnectMaxMs == 0 {
		cfg.Client.ReconnectMaxMs = def.Client.ReconnectMaxMs
	}
	if cfg.Client.ReconnectAttempts == 0 {
		cfg.Client.ReconnectAttempts = def.Client.ReconnectAttempts
	}
	if cfg.Client.QueueMaxAgeSeconds == 0 {
		cfg.Client.QueueMaxAgeSeconds = def.Client.QueueMaxAgeSeconds
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Style == "" {
		cfg.Logging.Style = def.Logging.Style
	}
}
