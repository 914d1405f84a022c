// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// Config is the top-level cachet configuration.
type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	Listen     string           `mapstructure:"listen"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	PII        PIIConfig        `mapstructure:"pii"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Partitions PartitionsConfig `mapstructure:"partitions"`
	Chunking   ChunkingConfig   `mapstructure:"chunking"`
	Index      IndexConfig      `mapstructure:"index"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Policies   []PolicyConfig   `mapstructure:"policies"`
	PolicyFile string           `mapstructure:"policy_file"`
}

// EncryptionConfig selects the AEAD suite and where key material comes
// from.
type EncryptionConfig struct {
	Suite          string `mapstructure:"suite"`
	KeySource      string `mapstructure:"key_source"`
	KeyFile        string `mapstructure:"key_file"`
	KeyringService string `mapstructure:"keyring_service"`
}

// PIIConfig controls sensitive-data handling on ingestion.
type PIIConfig struct {
	Mode  string   `mapstructure:"mode"`
	Allow []string `mapstructure:"allow"`
	Deny  []string `mapstructure:"deny"`
}

// CacheConfig sizes the two cache levels.
type CacheConfig struct {
	L1Capacity int           `mapstructure:"l1_capacity"`
	L2Dir      string        `mapstructure:"l2_dir"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// StorageConfig sets the tier migration thresholds.
type StorageConfig struct {
	HotMaxBytes   int64         `mapstructure:"hot_max_bytes"`
	HotMaxAge     time.Duration `mapstructure:"hot_max_age"`
	WarmMaxBytes  int64         `mapstructure:"warm_max_bytes"`
	WarmMaxAge    time.Duration `mapstructure:"warm_max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// PartitionsConfig controls domain/time partition accounting.
type PartitionsConfig struct {
	Window       time.Duration `mapstructure:"window"`
	CleanupGrace time.Duration `mapstructure:"cleanup_grace"`
	EMAAlpha     float64       `mapstructure:"ema_alpha"`
}

// ChunkingConfig sizes document chunks.
type ChunkingConfig struct {
	MaxChars     int `mapstructure:"max_chars"`
	OverlapChars int `mapstructure:"overlap_chars"`
}

// IndexConfig selects and tunes the similarity index.
type IndexConfig struct {
	Dimensions   int           `mapstructure:"dimensions"`
	Embedder     string        `mapstructure:"embedder"`
	OpenAIAPIKey string        `mapstructure:"openai_api_key"`
	OllamaURL    string        `mapstructure:"ollama_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// RetrievalConfig tunes query answering.
type RetrievalConfig struct {
	TopK     int    `mapstructure:"top_k"`
	Encoding string `mapstructure:"encoding"`
}

// AuthConfig maps static bearer tokens to principals.
type AuthConfig struct {
	Tokens map[string]string `mapstructure:"tokens"`
}

// PolicyConfig is one inline access policy.
type PolicyConfig struct {
	Principal string   `mapstructure:"principal"`
	Actions   []string `mapstructure:"actions"`
	Scope     string   `mapstructure:"scope"`
	ExpiresAt string   `mapstructure:"expires_at"`
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:18790")
	v.SetDefault("encryption.suite", "aes-gcm")
	v.SetDefault("encryption.key_source", "env")
	v.SetDefault("encryption.keyring_service", "cachet")
	v.SetDefault("pii.mode", "redact")
	v.SetDefault("cache.l1_capacity", 1024)
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("storage.hot_max_bytes", int64(1)<<30)
	v.SetDefault("storage.hot_max_age", "72h")
	v.SetDefault("storage.warm_max_bytes", int64(4)<<30)
	v.SetDefault("storage.warm_max_age", "720h")
	v.SetDefault("storage.sweep_interval", "10m")
	v.SetDefault("partitions.window", "720h")
	v.SetDefault("partitions.cleanup_grace", "168h")
	v.SetDefault("partitions.ema_alpha", 0.2)
	v.SetDefault("chunking.max_chars", 1200)
	v.SetDefault("chunking.overlap_chars", 150)
	v.SetDefault("index.dimensions", 256)
	v.SetDefault("index.embedder", "hashing")
	v.SetDefault("index.ollama_url", "http://localhost:11434")
	v.SetDefault("index.timeout", "5s")
	v.SetDefault("index.max_retries", 3)
	v.SetDefault("retrieval.top_k", 16)
	v.SetDefault("retrieval.encoding", "cl100k_base")
}

// SetupEnv wires CACHET_-prefixed environment variable overrides.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix("CACHET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix CACHET_).
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, cacheterr.Errorf(cacheterr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, cacheterr.Errorf(cacheterr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns a
// slice of all validation errors found, collecting all issues rather
// than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateListen()...)
	errs = append(errs, c.validateEncryption()...)
	errs = append(errs, c.validatePII()...)
	errs = append(errs, c.validateSizes()...)
	errs = append(errs, c.validateIndex()...)
	errs = append(errs, c.validatePolicies()...)

	return errs
}

func (c *Config) validateListen() []error {
	var errs []error

	if c.Listen == "" {
		return append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue, "config: listen must not be empty"))
	}

	_, portStr, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: listen must be a valid host:port address, got %q: %w", c.Listen, err))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validateEncryption() []error {
	var errs []error

	validSuites := map[string]bool{"aes-gcm": true, "chacha20": true}
	if !validSuites[c.Encryption.Suite] {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: encryption.suite must be one of [aes-gcm, chacha20], got %q", c.Encryption.Suite))
	}

	validSources := map[string]bool{"env": true, "file": true, "keyring": true}
	if !validSources[c.Encryption.KeySource] {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: encryption.key_source must be one of [env, file, keyring], got %q", c.Encryption.KeySource))
	}

	if c.Encryption.KeySource == "file" && c.Encryption.KeyFile == "" {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: encryption.key_file is required when key_source is \"file\""))
	}

	return errs
}

func (c *Config) validatePII() []error {
	var errs []error

	validModes := map[string]bool{"block": true, "flag": true, "redact": true}
	if !validModes[c.PII.Mode] {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: pii.mode must be one of [block, flag, redact], got %q", c.PII.Mode))
	}

	return errs
}

func (c *Config) validateSizes() []error {
	var errs []error

	if c.Cache.L1Capacity <= 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: cache.l1_capacity must be greater than 0, got %d", c.Cache.L1Capacity))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: cache.ttl must not be negative, got %s", c.Cache.TTL))
	}

	if c.Storage.HotMaxBytes <= 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: storage.hot_max_bytes must be greater than 0, got %d", c.Storage.HotMaxBytes))
	}
	if c.Storage.WarmMaxBytes <= 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: storage.warm_max_bytes must be greater than 0, got %d", c.Storage.WarmMaxBytes))
	}
	if c.Storage.HotMaxAge <= 0 || c.Storage.WarmMaxAge <= 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: storage tier max ages must be greater than 0"))
	}
	if c.Storage.SweepInterval <= 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: storage.sweep_interval must be greater than 0, got %s", c.Storage.SweepInterval))
	}

	if c.Partitions.Window <= 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: partitions.window must be greater than 0, got %s", c.Partitions.Window))
	}
	if c.Partitions.EMAAlpha <= 0 || c.Partitions.EMAAlpha > 1 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: partitions.ema_alpha must be in (0, 1], got %g", c.Partitions.EMAAlpha))
	}

	if c.Chunking.MaxChars <= 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: chunking.max_chars must be greater than 0, got %d", c.Chunking.MaxChars))
	}
	if c.Chunking.OverlapChars < 0 || c.Chunking.OverlapChars >= c.Chunking.MaxChars {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: chunking.overlap_chars must be in [0, max_chars), got %d", c.Chunking.OverlapChars))
	}

	if c.Retrieval.TopK <= 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: retrieval.top_k must be greater than 0, got %d", c.Retrieval.TopK))
	}

	return errs
}

func (c *Config) validateIndex() []error {
	var errs []error

	if c.Index.Dimensions <= 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: index.dimensions must be greater than 0, got %d", c.Index.Dimensions))
	}

	validEmbedders := map[string]bool{"hashing": true, "openai": true, "ollama": true}
	if !validEmbedders[c.Index.Embedder] {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: index.embedder must be one of [hashing, openai, ollama], got %q", c.Index.Embedder))
	}

	if c.Index.Embedder == "openai" && c.Index.OpenAIAPIKey == "" {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: index.openai_api_key is required when index.embedder is \"openai\""))
	}

	if c.Index.Timeout <= 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: index.timeout must be greater than 0, got %s", c.Index.Timeout))
	}
	if c.Index.MaxRetries < 0 {
		errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
			"config: index.max_retries must not be negative, got %d", c.Index.MaxRetries))
	}

	return errs
}

func (c *Config) validatePolicies() []error {
	var errs []error

	validActions := map[string]bool{"read": true, "write": true, "delete": true, "scan": true, "admin": true}
	for i, p := range c.Policies {
		if p.Principal == "" {
			errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
				"config: policies[%d].principal must not be empty", i))
		}
		if len(p.Actions) == 0 {
			errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
				"config: policies[%d].actions must not be empty", i))
		}
		for _, a := range p.Actions {
			if !validActions[a] {
				errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
					"config: policies[%d] has unknown action %q", i, a))
			}
		}
		if p.Scope == "" {
			errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
				"config: policies[%d].scope must not be empty", i))
		}
		if p.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, p.ExpiresAt); err != nil {
				errs = append(errs, cacheterr.Errorf(cacheterr.CodeConfigValidateInvalidValue,
					"config: policies[%d].expires_at must be RFC 3339, got %q", i, p.ExpiresAt))
			}
		}
	}

	return errs
}
