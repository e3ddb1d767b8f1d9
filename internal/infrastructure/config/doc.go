// Package config provides 12-factor configuration management for the
// processing node.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. CLI flags override all three.
//
// Configuration Sections:
//   - Node: topic, consumer group, publish target and simulated processing
//   - Broker: backend kind (memory, mqtt, esdb), partitions and acks
//   - Translation: translation service address and circuit breaker
//   - Translator: the demo translation server
//   - Tracing: carrier format and span exporter
//   - Workers: completion worker pool and dispatcher shards
//   - Admin: metrics and health endpoint
//   - Logging: log level and output format
//
// Example Usage:
//
//	cfg, err := config.LoadFile(os.Getenv("OFE_CONFIG"))
//	if err != nil {
//		return err
//	}
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
//
// Environment Variables:
//   - OFE_NODE_TOPIC, OFE_NODE_GROUP, OFE_NODE_PUBLISH_ENABLED
//   - OFE_BROKER_KIND, OFE_BROKER_MQTT_URL, OFE_BROKER_ESDB_CONNECTION_STRING
//   - OFE_TRANSLATION_ADDRESS, OFE_TRACING_FORMAT, OFE_TRACING_EXPORTER
//   - OFE_LOGGING_LEVEL, OFE_LOGGING_DEVELOPMENT
package config
