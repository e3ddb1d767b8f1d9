package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/server"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		brokerKind  string
		topic       string
		translation string
		admin       string
		publish     bool
		embedded    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the processing node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			flags := cmd.Flags()
			if flags.Changed("broker") {
				cfg.Broker.Kind = brokerKind
			}
			if flags.Changed("topic") {
				cfg.Node.Topic = topic
			}
			if flags.Changed("translation") {
				cfg.Translation.Address = translation
			}
			if flags.Changed("admin") {
				cfg.Admin.Address = admin
			}
			if flags.Changed("publish") {
				cfg.Node.PublishEnabled = publish
			}
			if flags.Changed("embedded-broker") {
				cfg.Broker.MQTT.Embedded = embedded
			}

			srv, err := server.New(cfg, logger)
			if err != nil {
				logger.Error("Failed to create node", zap.Error(err))
				return err
			}
			defer func() {
				if err := srv.Close(); err != nil {
					logger.Error("Shutdown finished with errors", zap.Error(err))
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&brokerKind, "broker", "", "broker backend: memory, mqtt or esdb")
	cmd.Flags().StringVar(&topic, "topic", "", "inbound topic")
	cmd.Flags().StringVar(&translation, "translation", "", "translation service address")
	cmd.Flags().StringVar(&admin, "admin", "", "admin HTTP listen address")
	cmd.Flags().BoolVar(&publish, "publish", false, "forward processed values to the push topic")
	cmd.Flags().BoolVar(&embedded, "embedded-broker", false, "start an embedded MQTT broker")
	return cmd
}
