package main

import (
	"fmt"
	"strings"

	"github.com/alvmarrod/outbound-weaver/internal/config"
	"github.com/alvmarrod/outbound-weaver/internal/version"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// cli carries the state shared by every subcommand
type cli struct {
	cfgFile  string
	logLevel string
	cfg      *config.Config
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "weaver",
		Short:        "Crawl a site and find its dead outbound domains",
		Long:         "weaver crawls a site in resumable batches, collects every outbound domain and checks whether it still has DNS.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init()
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "config.json", "config file (.json, .yaml or .toml); missing means defaults")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newServeCommand(c),
		newScanCommand(c),
		newSitesCommand(c),
		newResultsCommand(c),
		newExportCommand(c),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "weaver %s (commit %s, built %s, %s)\n",
					version.Version, version.Commit, version.BuildDate, version.GoVersion)
				return err
			},
		},
	)
	return root
}

// init loads .env, the configuration and sets up logging
func (c *cli) init() error {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(c.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	c.cfg = cfg

	return setupLogging(cfg)
}

func setupLogging(cfg *config.Config) error {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)

	if cfg.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return nil
}
