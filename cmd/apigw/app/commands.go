// Package app provides the entry point for the apigw command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/apigw/pkg/apiml/config"
	"github.com/stacklok/apigw/pkg/logger"
	"github.com/stacklok/apigw/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "apigw",
	DisableAutoGenTag: true,
	Short:             "API gateway for mainframe and cloud services",
	Long: `apigw routes requests to dynamically registered services and translates the
caller's identity into the credential each service expects: a PassTicket, a SAF
identity token, a z/OSMF JWT or LTPA token, or an internally signed token.

Routing decisions can be sticky per user and service, backed by a remote
caching service.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the apigw CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway configuration file")
	err = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	if err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway with the configuration file given by --config.

Statically configured services are registered at startup. When a registry
snapshot URL is configured, it is polled and the routing table is rebuilt on
every change.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version information for apigw",
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			fmt.Printf("apigw %s\n", info.Version)
			fmt.Printf("Commit: %s\n", info.Commit)
			fmt.Printf("Built: %s\n", info.BuildDate)
			fmt.Printf("Go version: %s\n", info.GoVersion)
			fmt.Printf("Platform: %s\n", info.Platform)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the gateway configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity
- Required fields presence
- URL and timeout values
- Statically registered services`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Name: %s", cfg.Name)
			logger.Infof("  Address: %s", cfg.Server.Address)
			logger.Infof("  Revocation store: %s", cfg.Auth.Revocation.Provider)
			logger.Infof("  PassTicket applications: %d", len(cfg.PassTicket.Applications))
			logger.Infof("  Static services: %d", len(cfg.Registry.Services))
			if cfg.Cache.URL != "" {
				logger.Infof("  Caching service: %s", cfg.Cache.URL)
			}
			if cfg.Zosmf.URL != "" {
				logger.Infof("  z/OSMF: %s", cfg.Zosmf.URL)
			}
			return nil
		},
	}
}

// loadConfig loads, defaults and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infof("Loading configuration from: %s", configPath)
	cfg, err := config.NewYAMLLoader(configPath).Load()
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		logger.Errorf("Configuration validation failed: %v", err)
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}
