package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MNEMOSYNE_AUDIT_DIR.
const EnvPrefix = "MNEMOSYNE"

type Config struct {
	Audit      AuditConfig      `mapstructure:"audit"`
	Redaction  RedactionConfig  `mapstructure:"redaction"`
	Redis      RedisConfig      `mapstructure:"redis"`
	AWS        AWSConfig        `mapstructure:"aws"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
}

type AuditConfig struct {
	Dir            string        `mapstructure:"dir"`
	Sidecar        bool          `mapstructure:"sidecar"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	FileMode       string        `mapstructure:"file_mode"`
	UserAgentMax   int           `mapstructure:"user_agent_max"`
	PatientSaltRef string        `mapstructure:"patient_salt_ref"`
}

type RedactionConfig struct {
	// RulesFile replaces the built-in ruleset when set.
	RulesFile string `mapstructure:"rules_file"`
	MaxDepth  int    `mapstructure:"max_depth"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type AWSConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type VaultConfig struct {
	Address   string `mapstructure:"address"`
	Token     string `mapstructure:"token"`
	Namespace string `mapstructure:"namespace"`
}

type SecretsConfig struct {
	AllowLiteral bool          `mapstructure:"allow_literal"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type EscalationConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Burst    int           `mapstructure:"burst"`
}

type IngestConfig struct {
	// Channels drained by the ingest daemon. Empty means every registered channel.
	Channels []string `mapstructure:"channels"`
	Consumer string   `mapstructure:"consumer"`

	// ClaimIdle is how long an unacknowledged entry waits before any
	// consumer may take it over.
	ClaimIdle time.Duration `mapstructure:"claim_idle"`
}

// SetDefaults registers every key, so environment overrides apply even when
// no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("audit.dir", "./audit-logs")
	v.SetDefault("audit.sidecar", true)
	v.SetDefault("audit.lock_timeout", 5*time.Second)
	v.SetDefault("audit.file_mode", "0600")
	v.SetDefault("audit.user_agent_max", 255)
	v.SetDefault("audit.patient_salt_ref", "env:MNEMOSYNE_PATIENT_SALT")

	v.SetDefault("redaction.rules_file", "")
	v.SetDefault("redaction.max_depth", 32)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "mnemosyne:ingest")

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")

	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.namespace", "")

	v.SetDefault("secrets.allow_literal", false)
	v.SetDefault("secrets.cache_ttl", 15*time.Minute)

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("log.level", "INFO")

	v.SetDefault("escalation.interval", time.Minute)
	v.SetDefault("escalation.burst", 1)

	v.SetDefault("ingest.channels", []string{})
	v.SetDefault("ingest.consumer", "")
	v.SetDefault("ingest.claim_idle", 5*time.Minute)
}

// Init prepares v: defaults, environment binding and the config file. An
// explicit file must exist; otherwise mnemosyne.yaml is searched for in the
// working directory, $HOME/.mnemosyne and /etc/mnemosyne, and may be absent.
func Init(v *viper.Viper, file string) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName("mnemosyne")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.mnemosyne")
	}
	v.AddConfigPath("/etc/mnemosyne")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

// FromViper decodes and validates an initialized viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads configuration into a fresh viper instance.
func Load(file string) (*Config, error) {
	v := viper.New()
	if err := Init(v, file); err != nil {
		return nil, err
	}
	return FromViper(v)
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Audit.Dir) == "" {
		errs = append(errs, errors.New("audit.dir is required"))
	}
	if c.Audit.LockTimeout <= 0 {
		errs = append(errs, errors.New("audit.lock_timeout must be positive"))
	}
	if _, err := c.Audit.Mode(); err != nil {
		errs = append(errs, err)
	}
	if c.Audit.UserAgentMax <= 0 {
		errs = append(errs, errors.New("audit.user_agent_max must be positive"))
	}
	if c.Redaction.MaxDepth <= 0 {
		errs = append(errs, errors.New("redaction.max_depth must be positive"))
	}
	if c.Escalation.Burst <= 0 {
		errs = append(errs, errors.New("escalation.burst must be positive"))
	}
	if c.Ingest.ClaimIdle <= 0 {
		errs = append(errs, errors.New("ingest.claim_idle must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Mode parses FileMode as an octal permission.
func (a AuditConfig) Mode() (os.FileMode, error) {
	m, err := strconv.ParseUint(a.FileMode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("audit.file_mode %q is not an octal permission", a.FileMode)
	}
	return os.FileMode(m), nil
}
