package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chenchaobing/jaeger-demo/internal/grpc/translation"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

func newTranslatorCmd(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "translator",
		Short: "Serve the demo translation service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cmd.Flags().Changed("addr") {
				cfg.Translator.Address = addr
			}

			codec, err := tracing.NewCodec(cfg.Tracing.Format)
			if err != nil {
				return err
			}
			tracer := tracing.New("translator", logger.Logger,
				tracing.WithExporter(tracing.NewLogExporter(logger.Component("spans"))))
			defer func() { _ = tracer.Close(context.Background()) }()

			lis, err := net.Listen("tcp", cfg.Translator.Address)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Translator.Address, err)
			}

			srv := translation.NewServer(translation.ServerConfig{
				Latency:      cfg.Translator.Latency,
				FailureRatio: cfg.Translator.FailureRatio,
			}, logger.Logger)
			gs := translation.NewGRPCServer(srv, tracer, codec)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Translation service listening",
				zap.String("addr", lis.Addr().String()),
				zap.Duration("latency", cfg.Translator.Latency),
				zap.Float64("failure_ratio", cfg.Translator.FailureRatio),
			)
			return translation.Serve(ctx, gs, lis)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	return cmd
}
