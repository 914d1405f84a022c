// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

package main

import (
	"errors"

	"github.com/cachet-dev/cachet/internal/config"
	cacheterr "github.com/cachet-dev/cachet/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd creates the root cachet command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cachet",
		Short:         "Cachet — secure tiered context store",
		Long:          "Cachet stores documents encrypted across hot, warm, and cold tiers and answers token-budgeted similarity queries over them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd)
		},
	}

	// Global flags — these map to viper keys via initViper.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	// Register subcommands
	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newPutCmd(),
		newGetCmd(),
		newRetrieveCmd(),
		newDeleteCmd(),
		newScanCmd(),
		newAuditCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper sets up the global Viper with defaults, env bindings, flag
// bindings, and optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly.
func initViper(cmd *cobra.Command) error {
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return cacheterr.Errorf(cacheterr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		// Auto-discover cachet.yaml from standard locations.
		// Note: SetConfigType is intentionally omitted. When set, Viper
		// falls back to trying the bare config name without extension,
		// which collides with the ./cachet binary in the project root.
		v.SetConfigName("cachet")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/cachet")
		v.AddConfigPath("/etc/cachet")
		// No config file is fine — defaults and env vars still apply.
		// Parse or permission errors must surface.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return cacheterr.Errorf(cacheterr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
			// No config found anywhere — bootstrap a default to ~/.config/cachet/.
			if path := config.BootstrapConfig(); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return cacheterr.Errorf(cacheterr.CodeConfigLoadReadFailure, "reading bootstrapped config: %w", err)
				}
			}
		}
	}

	// Bind persistent flags to viper keys.
	if err := v.BindPFlag("data_dir", cmd.Root().PersistentFlags().Lookup("data-dir")); err != nil {
		return cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "binding data-dir flag: %w", err)
	}
	if err := v.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
		return cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "binding verbose flag: %w", err)
	}

	return nil
}

// loadConfig builds a validated Config from whatever file initViper
// discovered, honoring the --data-dir flag override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = viper.ConfigFileUsed()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if dataDir := viper.GetString("data_dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// resolveDataDir picks the data directory from config, falling back to
// the platform default when unset.
func resolveDataDir(cfg *config.Config) (string, error) {
	if cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	dir, err := config.DefaultDataDir()
	if err != nil {
		return "", cacheterr.Errorf(cacheterr.CodeCLISetupFailure, "resolving data directory: %w", err)
	}
	return dir, nil
}
