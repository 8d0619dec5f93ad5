package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"witness/internal/config"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "witness",
		Short:         "KERI witness: receipts key events and serves KELs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("WITNESS_CONFIG"), "path to a YAML config file (env overrides it)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPrefixCommand(opts))
	cmd.AddCommand(NewOOBICommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))
	return cmd
}

func (o *RootOptions) load() (config.Config, error) {
	return config.Load(o.ConfigPath)
}

func newLogger(cfg config.Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
