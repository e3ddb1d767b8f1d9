package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chenchaobing/jaeger-demo/internal/broker"
	esdbbroker "github.com/chenchaobing/jaeger-demo/internal/broker/esdb"
	mqttbroker "github.com/chenchaobing/jaeger-demo/internal/broker/mqtt"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/config"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/logging"
	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

// spanPublish is the producer span whose context each published event carries.
const spanPublish = "publishOddChange"

func newPublishCmd(root *rootOptions) *cobra.Command {
	var (
		topic    string
		key      string
		value    string
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish traced events to the inbound topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if topic == "" {
				topic = cfg.Node.Topic
			}

			pub, err := openPublisher(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = pub.Close() }()

			codec, err := tracing.NewCodec(cfg.Tracing.Format)
			if err != nil {
				return err
			}
			tracer := tracing.New("producer", logger.Logger,
				tracing.WithExporter(tracing.NewLogExporter(logger.Component("spans"))))
			defer func() { _ = tracer.Close(context.Background()) }()

			ctx := cmd.Context()
			lane := tracing.NewLane("producer")
			var errs []error
			for i := 0; i < count; i++ {
				if i > 0 && interval > 0 {
					select {
					case <-time.After(interval):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				if err := publishOne(ctx, tracer, codec, lane, pub, &broker.OutboundEvent{
					Topic: topic,
					Key:   key,
					Value: []byte(value),
				}, logger); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "topic (default: node topic)")
	cmd.Flags().StringVar(&key, "key", "odd-1", "event key")
	cmd.Flags().StringVar(&value, "value", `{"odds":1.85}`, "event value")
	cmd.Flags().IntVar(&count, "count", 1, "number of events")
	cmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "delay between events")
	return cmd
}

func publishOne(ctx context.Context, tracer *tracing.Tracer, codec tracing.Codec, lane *tracing.Lane, pub broker.Publisher, ev *broker.OutboundEvent, logger *logging.Logger) error {
	span, scope := tracer.StartSpan(lane, spanPublish,
		tracing.WithKind(tracing.SpanKindProducer),
		tracing.WithTag("messaging.destination", ev.Topic),
	)
	defer func() {
		_ = scope.Deactivate()
		_ = span.Finish()
	}()

	ev.Headers = tracing.Carrier{}
	codec.Inject(span.Context(), ev.Headers)

	if err := <-pub.Publish(ctx, ev); err != nil {
		span.SetError(err)
		logger.Error("Publish failed", append(logging.SpanFields(span), zap.Error(err))...)
		return err
	}
	logger.Info("Published",
		append(logging.SpanFields(span),
			zap.String("topic", ev.Topic),
			zap.String("key", ev.Key),
			zap.Int("value_len", len(ev.Value)),
		)...,
	)
	return nil
}

func openPublisher(cfg *config.Config, logger *logging.Logger) (broker.Publisher, error) {
	acks, err := broker.ParseAcks(cfg.Broker.Acks)
	if err != nil {
		return nil, err
	}

	switch cfg.Broker.Kind {
	case config.BrokerMQTT:
		client, err := mqttbroker.Dial(mqttbroker.Config{
			URL:            cfg.Broker.MQTT.URL,
			ClientID:       cfg.Broker.MQTT.ClientID + "-producer",
			KeepAlive:      cfg.Broker.MQTT.KeepAlive,
			ConnectTimeout: cfg.Broker.MQTT.ConnectTimeout,
			Partitions:     cfg.Broker.Partitions,
			Acks:           acks,
		}, logger.Logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.BrokerESDB:
		client, err := esdbbroker.Dial(esdbbroker.Config{
			ConnectionString: cfg.Broker.ESDB.ConnectionString,
			Partitions:       cfg.Broker.Partitions,
			Acks:             acks,
		}, logger.Logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("publish needs an external broker, not %q", cfg.Broker.Kind)
	}
}
