// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cachet-dev/cachet/internal/access"
	"github.com/cachet-dev/cachet/internal/audit"
	"github.com/cachet-dev/cachet/internal/cache"
	"github.com/cachet-dev/cachet/internal/chunk"
	"github.com/cachet-dev/cachet/internal/config"
	"github.com/cachet-dev/cachet/internal/crypto"
	"github.com/cachet-dev/cachet/internal/engine"
	"github.com/cachet-dev/cachet/internal/index"
	"github.com/cachet-dev/cachet/internal/partition"
	"github.com/cachet-dev/cachet/internal/pii"
	"github.com/cachet-dev/cachet/internal/server"
	"github.com/cachet-dev/cachet/internal/storage"
	"github.com/cachet-dev/cachet/internal/token"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
)

// masterKeyEnvVar is where the env key source reads material from.
const masterKeyEnvVar = "CACHET_MASTER_KEY"

// Store holds all wired subsystems and manages their lifecycle.
type Store struct {
	Engine   *engine.Engine
	Server   *server.Server
	Migrator *storage.Migrator

	Audit      *audit.Log
	Cache      *cache.Tiered
	Storage    *storage.Manager
	Partitions *partition.Manager
	Index      *index.ReliableIndex

	cleanupGrace time.Duration
}

// WireStore creates all subsystems and wires them together. The dataDir
// is the root directory for all persistent state.
func WireStore(cfg *config.Config, dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Key files and plaintext-adjacent state live under dataDir.
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating data directory: %w", err)
	}

	// 1. Encryption: key source -> keyring -> cipher.
	ring, err := buildKeyring(cfg, dataDir)
	if err != nil {
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "loading master key: %w", err)
	}

	suite, err := crypto.ParseSuite(cfg.Encryption.Suite)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewCipher(suite, ring)
	if err != nil {
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating cipher: %w", err)
	}

	// 2. PII detector.
	detector, err := pii.NewDetector(
		pii.WithAllowList(cfg.PII.Allow),
		pii.WithDenyList(cfg.PII.Deny),
	)
	if err != nil {
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating pii detector: %w", err)
	}
	piiMode, err := pii.ParseMode(cfg.PII.Mode)
	if err != nil {
		return nil, err
	}

	// 3. Audit log — opened early so the authorizer can record into it.
	auditLog, err := audit.Open(filepath.Join(dataDir, "audit.db"))
	if err != nil {
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "opening audit log: %w", err)
	}

	// 4. Authorizer from inline policies plus the optional policy file.
	policies, err := collectPolicies(cfg)
	if err != nil {
		_ = auditLog.Close()
		return nil, err
	}
	if len(policies) == 0 {
		logger.Warn("no access policies configured — every request will be denied")
	}
	authorizer, err := access.NewAuthorizer(policies, auditLog, access.WithLogger(logger))
	if err != nil {
		_ = auditLog.Close()
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating authorizer: %w", err)
	}

	// 5. Two-level cache.
	l1, err := cache.NewL1(cfg.Cache.L1Capacity)
	if err != nil {
		_ = auditLog.Close()
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating L1 cache: %w", err)
	}
	l2Dir := cfg.Cache.L2Dir
	if l2Dir == "" {
		l2Dir = filepath.Join(dataDir, "cache")
	}
	l2, err := cache.NewL2(l2Dir)
	if err != nil {
		_ = auditLog.Close()
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating L2 cache: %w", err)
	}
	tiered := cache.NewTiered(l1, l2, logger)

	// 6. Tiered storage and its background migrator.
	store, err := storage.NewManager(filepath.Join(dataDir, "storage"), logger)
	if err != nil {
		_ = tiered.Close()
		_ = auditLog.Close()
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating storage manager: %w", err)
	}
	migrator, err := storage.NewMigrator(store, storage.MigratorConfig{
		HotMaxAge:    cfg.Storage.HotMaxAge,
		HotMaxBytes:  cfg.Storage.HotMaxBytes,
		WarmMaxAge:   cfg.Storage.WarmMaxAge,
		WarmMaxBytes: cfg.Storage.WarmMaxBytes,
		Interval:     cfg.Storage.SweepInterval,
	}, logger)
	if err != nil {
		_ = tiered.Close()
		_ = auditLog.Close()
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating migrator: %w", err)
	}

	// 7. Partition registry.
	partitions, err := partition.NewManager(filepath.Join(dataDir, "partitions.db"),
		partition.WithWindow(cfg.Partitions.Window),
		partition.WithEMAAlpha(cfg.Partitions.EMAAlpha),
	)
	if err != nil {
		_ = store.Close()
		_ = tiered.Close()
		_ = auditLog.Close()
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating partition manager: %w", err)
	}

	// 8. Similarity index. The vector table is sized to the embedder,
	// not the config, so switching embedders cannot corrupt the table.
	embedder, err := buildEmbedder(cfg)
	if err != nil {
		_ = partitions.Close()
		_ = store.Close()
		_ = tiered.Close()
		_ = auditLog.Close()
		return nil, err
	}
	vec, err := index.NewSQLiteVec(filepath.Join(dataDir, "index.db"), embedder.Dimensions())
	if err != nil {
		_ = partitions.Close()
		_ = store.Close()
		_ = tiered.Close()
		_ = auditLog.Close()
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "opening similarity index: %w", err)
	}
	reliable := index.NewReliableIndex(vec, index.ReliableConfig{
		CallTimeout: cfg.Index.Timeout,
		MaxRetries:  cfg.Index.MaxRetries,
	}, logger)

	// 9. Token counter for budgeted retrieval.
	counter, err := token.NewCounter(cfg.Retrieval.Encoding)
	if err != nil {
		_ = reliable.Close()
		_ = partitions.Close()
		_ = store.Close()
		_ = tiered.Close()
		_ = auditLog.Close()
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating token counter: %w", err)
	}

	// 10. Engine.
	eng, err := engine.New(engine.Config{
		PIIMode:  piiMode,
		CacheTTL: cfg.Cache.TTL,
		TopK:     cfg.Retrieval.TopK,
	}, engine.Deps{
		Cipher:     cipher,
		Detector:   detector,
		Authorizer: authorizer,
		Audit:      auditLog,
		Cache:      tiered,
		Storage:    store,
		Partitions: partitions,
		Splitter: chunk.New(
			chunk.WithMaxChars(cfg.Chunking.MaxChars),
			chunk.WithOverlapChars(cfg.Chunking.OverlapChars),
		),
		Embedder: embedder,
		Index:    reliable,
		Counter:  counter,
		Logger:   logger,
	})
	if err != nil {
		_ = reliable.Close()
		_ = partitions.Close()
		_ = store.Close()
		_ = tiered.Close()
		_ = auditLog.Close()
		return nil, err
	}

	// 11. HTTP server.
	if len(cfg.Auth.Tokens) == 0 {
		logger.Warn("authentication disabled: no API tokens configured — all endpoints are unauthenticated")
	}
	srv, err := server.New(server.Config{
		ListenAddr: cfg.Listen,
		Tokens:     cfg.Auth.Tokens,
	}, eng, logger)
	if err != nil {
		_ = reliable.Close()
		_ = partitions.Close()
		_ = store.Close()
		_ = tiered.Close()
		_ = auditLog.Close()
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating server: %w", err)
	}

	return &Store{
		Engine:       eng,
		Server:       srv,
		Migrator:     migrator,
		Audit:        auditLog,
		Cache:        tiered,
		Storage:      store,
		Partitions:   partitions,
		Index:        reliable,
		cleanupGrace: cfg.Partitions.CleanupGrace,
	}, nil
}

// Close releases all resources held by the store.
func (s *Store) Close() error {
	type closer interface{ Close() error }
	closers := []closer{s.Index, s.Partitions, s.Storage, s.Cache, s.Audit}

	var errs []error
	for _, c := range closers {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// keyBootstrapper is implemented by key sources that can mint their
// first key on demand (file, keyring). The env source cannot: its key
// is owned by the deployment.
type keyBootstrapper interface {
	Bootstrap() (crypto.KeyMaterial, error)
}

// keySourceFor selects the configured master key source.
func keySourceFor(cfg *config.Config, dataDir string) (crypto.KeySource, error) {
	switch cfg.Encryption.KeySource {
	case "env":
		return crypto.NewEnvKeySource(masterKeyEnvVar), nil
	case "file":
		path := cfg.Encryption.KeyFile
		if path == "" {
			path = filepath.Join(dataDir, "master.key")
		}
		return crypto.NewFileKeySource(path), nil
	case "keyring":
		return crypto.NewKeyringKeySource(cfg.Encryption.KeyringService), nil
	default:
		return nil, cacheterr.Errorf(cacheterr.CodeCryptoKeyInvalid, "unknown key source %q", cfg.Encryption.KeySource)
	}
}

// buildKeyring loads key material from the configured source. Sources
// that track rotation history contribute prior keys so old ciphertext
// stays readable; others yield a single-key ring.
func buildKeyring(cfg *config.Config, dataDir string) (*crypto.Keyring, error) {
	src, err := keySourceFor(cfg, dataDir)
	if err != nil {
		return nil, err
	}

	if b, ok := src.(keyBootstrapper); ok {
		if _, err := b.Bootstrap(); err != nil {
			return nil, err
		}
	}

	if loader, ok := src.(crypto.AllKeysLoader); ok {
		materials, err := loader.LoadAllKeys()
		if err != nil {
			return nil, err
		}
		if len(materials) > 0 {
			active := materials[len(materials)-1]
			return crypto.NewKeyring(active, materials[:len(materials)-1]...)
		}
	}

	active, err := src.LoadKey()
	if err != nil {
		return nil, err
	}
	return crypto.NewKeyring(active)
}

// buildEmbedder selects the configured embedding backend.
func buildEmbedder(cfg *config.Config) (index.Embedder, error) {
	switch cfg.Index.Embedder {
	case "hashing":
		return index.NewHashingEmbedder(cfg.Index.Dimensions), nil
	case "openai":
		return index.NewOpenAIEmbedder(index.OpenAIEmbedderConfig{
			APIKey: cfg.Index.OpenAIAPIKey,
		})
	case "ollama":
		return index.NewOllamaEmbedder(index.OllamaEmbedderConfig{
			Endpoint:   cfg.Index.OllamaURL,
			Dimensions: cfg.Index.Dimensions,
			Timeout:    cfg.Index.Timeout,
		}), nil
	default:
		return nil, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "unknown embedder %q", cfg.Index.Embedder)
	}
}

// collectPolicies merges inline config policies with the optional
// policy file.
func collectPolicies(cfg *config.Config) ([]access.Policy, error) {
	policies := make([]access.Policy, 0, len(cfg.Policies))
	for _, pc := range cfg.Policies {
		p, err := policyFromConfig(pc)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}

	if cfg.PolicyFile != "" {
		filePolicies, err := access.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		policies = append(policies, filePolicies...)
	}

	return policies, nil
}

func policyFromConfig(pc config.PolicyConfig) (access.Policy, error) {
	p := access.Policy{
		Principal: pc.Principal,
		Scope:     pc.Scope,
	}
	for _, name := range pc.Actions {
		action, err := access.ParseAction(name)
		if err != nil {
			return access.Policy{}, err
		}
		p.Actions = append(p.Actions, action)
	}
	if pc.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, pc.ExpiresAt)
		if err != nil {
			return access.Policy{}, cacheterr.Errorf(cacheterr.CodeAccessPolicyInvalid,
				"policy for %q has invalid expires_at: %w", pc.Principal, err)
		}
		p.ExpiresAt = &t
	}
	return p, nil
}
