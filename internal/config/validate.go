package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}

	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Gateway.Bind),
		})
	}

	if cfg.Gateway.HeartbeatTimeout <= cfg.Gateway.HeartbeatSeconds {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.heartbeatTimeoutSeconds",
			Message: fmt.Sprintf("must exceed heartbeatSeconds (%d), got %d", cfg.Gateway.HeartbeatSeconds, cfg.Gateway.HeartbeatTimeout),
		})
	}

	if cfg.Identity.Secret == "" {
		issues = append(issues, ValidationIssue{
			Path:    "identity.secret",
			Message: "identity secret is required; all connections would resolve as anonymous",
		})
	}

	if cfg.Workflows.Onboarding == "" || cfg.Workflows.GeneralSupport == "" {
		issues = append(issues, ValidationIssue{
			Path:    "workflows",
			Message: "onboarding and generalSupport workflows must be named",
		})
	}

	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validStyles := []string{"pretty", "json"}
	if cfg.Logging.Style != "" && !slices.Contains(validStyles, cfg.Logging.Style) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.style",
			Message: fmt.Sprintf("must be one of %v, got %q", validStyles, cfg.Logging.Style),
		})
	}

	if cfg.Client.ReconnectInitialMs > cfg.Client.ReconnectMaxMs {
		issues = append(issues, ValidationIssue{
			Path:    "client.reconnectInitialMs",
			Message: fmt.Sprintf("initial delay %dms exceeds max %dms", cfg.Client.ReconnectInitialMs, cfg.Client.ReconnectMaxMs),
		})
	}

	if cfg.OAuth.ClientID != "" {
		if cfg.OAuth.AuthURL == "" || cfg.OAuth.TokenURL == "" || cfg.OAuth.RedirectURL == "" {
			issues = append(issues, ValidationIssue{
				Path:    "oauth",
				Message: "authUrl, tokenUrl and redirectUrl are required when clientId is set",
			})
		}
	}

	return issues
}
