// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cachet-dev/cachet/internal/config"
	"github.com/cachet-dev/cachet/internal/crypto"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set up a local cachet store",
		Long:  "Write a commented default config and, for the file key source, mint a master key. Safe to re-run: existing files are left alone unless --force is given.",
		RunE:  runInit,
	}

	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	cmd.Flags().String("key-source", "file", "master key source to configure (env, file, keyring)")

	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		var err error
		cfgPath, err = config.DefaultConfigPath()
		if err != nil {
			return err
		}
	}

	force, _ := cmd.Flags().GetBool("force")
	wrote, err := writeDefaultConfig(cfgPath, force)
	if err != nil {
		return err
	}
	if wrote {
		_, _ = fmt.Fprintf(out, "Wrote config to %s\n", cfgPath)
	} else {
		_, _ = fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", cfgPath)
	}

	dataDir, err := config.DefaultDataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating data directory: %w", err)
	}

	keySource, _ := cmd.Flags().GetString("key-source")
	switch keySource {
	case "file":
		keyPath := filepath.Join(dataDir, "master.key")
		src := crypto.NewFileKeySource(keyPath)
		if _, err := src.Bootstrap(); err != nil {
			return cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating master key: %w", err)
		}
		_, _ = fmt.Fprintf(out, "Master key at %s\n", keyPath)
		_, _ = fmt.Fprintf(out, "Set encryption.key_source to \"file\" and encryption.key_file to that path.\n")
	case "keyring":
		src := crypto.NewKeyringKeySource("cachet")
		if _, err := src.Bootstrap(); err != nil {
			return cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "storing master key in keyring: %w", err)
		}
		_, _ = fmt.Fprintln(out, "Master key stored in the OS keyring (service \"cachet\").")
		_, _ = fmt.Fprintln(out, "Set encryption.key_source to \"keyring\".")
	case "env":
		_, _ = fmt.Fprintf(out, "Export a base64-encoded 32-byte key as %s before starting the store.\n", masterKeyEnvVar)
	default:
		return cacheterr.Errorf(cacheterr.CodeCLIInputInvalid, "unknown key source %q", keySource)
	}

	_, _ = fmt.Fprintln(out, "\nRun `cachet serve` to start the store.")
	return nil
}

// writeDefaultConfig writes the embedded commented config to path.
// Returns false when the file already exists and force is unset.
func writeDefaultConfig(path string, force bool) (bool, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "creating config directory: %w", err)
	}
	if err := os.WriteFile(path, config.DefaultConfigYAML, 0o600); err != nil {
		return false, cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "writing config: %w", err)
	}
	return true, nil
}
