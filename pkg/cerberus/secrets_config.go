package cerberus

import (
	"context"
	"time"
)

// SecretsConfig holds configuration for secrets management
type SecretsConfig struct {
	// AllowLiteral enables literal: references. Off in production.
	AllowLiteral bool

	SSM   SSMConfig
	Vault VaultConfig

	// CacheTTL applies to remote providers.
	CacheTTL time.Duration
}

// DefaultSecretsConfig returns default configuration
func DefaultSecretsConfig() SecretsConfig {
	return SecretsConfig{
		AllowLiteral: false,
		Vault: VaultConfig{
			Address: "http://localhost:8200",
			Timeout: 10 * time.Second,
		},
		CacheTTL: 15 * time.Minute,
	}
}

// NewSecretProvider builds the provider chain for cfg. Remote clients are
// only created when a reference needs them.
func NewSecretProvider(ctx context.Context, cfg SecretsConfig) SecretProvider {
	providers := []SecretProvider{
		NewEnvSecretProvider(),
		NewFileSecretProvider(),
		NewSSMSecretProvider(cfg.SSM, cfg.CacheTTL),
	}
	if cfg.Vault.Address != "" && cfg.Vault.Token != "" {
		providers = append(providers, NewVaultSecretProvider(cfg.Vault, cfg.CacheTTL))
	}
	if cfg.AllowLiteral {
		providers = append(providers, LiteralSecretProvider{})
	}
	return NewCompositeSecretProvider(providers...)
}
