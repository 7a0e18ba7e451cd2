// Package main implements the districtshift command: it joins decennial
// census tract demographics to historic district boundaries and reports
// how neighborhoods changed around their designation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/districtshift/districtshift/internal/config"
	"github.com/districtshift/districtshift/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand.
type cli struct {
	configFile string
	dataDir    string
	logLevel   string
	logFormat  string
	lang       string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "districtshift",
		Short: "Demographic change in historic districts across census vintages",
		Long: `districtshift links reference-year census tracts to historic district
boundaries, sums decennial race counts per district for 1970 through 2020,
and reports the share of people of color before and after designation.

Configuration is read from --config (YAML or JSON), then DISTRICTSHIFT_*
environment variables (and .env.local), then command line flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configFile, "config", "c", "", "Path to configuration file (YAML or JSON)")
	pf.StringVar(&c.dataDir, "data-dir", "", "Base directory for inputs, outputs and caches")
	pf.StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&c.logFormat, "log-format", "", "Log format (console, json)")
	pf.StringVar(&c.lang, "lang", "en", "Language tag for number formatting in text reports")

	root.AddCommand(
		newRunCmd(c),
		newNormalizeCmd(c),
		newMatchCmd(c),
		newReportCmd(c),
		newFetchACSCmd(c),
		newVersionCmd(),
	)
	return root
}

// init loads configuration and builds the logger.
func (c *cli) init(cmd *cobra.Command) error {
	var err error
	if c.configFile != "" {
		c.cfg, err = config.LoadFromFile(c.configFile)
		if err != nil {
			return err
		}
	} else {
		c.cfg = config.DefaultConfig()
	}

	if err := config.LoadFromEnv(c.cfg); err != nil {
		return err
	}

	if c.dataDir != "" {
		c.cfg.DataDir = c.dataDir
	}
	if c.logLevel != "" {
		c.cfg.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		c.cfg.Log.Format = c.logFormat
	}

	c.logger, err = logging.New(c.cfg.Log.Level, c.cfg.Log.Format)
	if err != nil {
		return err
	}
	c.logger.Debug("configuration loaded",
		zap.String("command", cmd.Name()),
		zap.String("config_file", c.configFile),
		zap.String("data_dir", c.cfg.DataDir),
	)
	return nil
}

func (c *cli) language() (language.Tag, error) {
	tag, err := language.Parse(c.lang)
	if err != nil {
		return language.Und, fmt.Errorf("invalid --lang %q: %w", c.lang, err)
	}
	return tag, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "districtshift version %s (commit: %s)\n", version, commit)
		},
	}
}
