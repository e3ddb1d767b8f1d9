package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/config"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/logging"
)

type rootOptions struct {
	configPath string
	dev        bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ofe",
		Short:         "Traced odds-change processing node",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("OFE_CONFIG"), "YAML config file")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "development logging (colored, debug level)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newRunCmd(opts),
		newTranslatorCmd(opts),
		newPublishCmd(opts),
	)
	return cmd
}

// load reads the configuration (defaults, file, environment) and applies
// the global flags on top.
func (o *rootOptions) load() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return nil, nil, err
	}

	if o.dev {
		cfg.Logging = logging.DevelopmentConfig()
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}
