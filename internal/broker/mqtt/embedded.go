package mqtt

import (
	"fmt"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"go.uber.org/zap"
)

// Embedded is an in-process MQTT broker for standalone runs.
type Embedded struct {
	server   *mochi.Server
	listener *listeners.TCP
	logger   *zap.Logger
}

// StartEmbedded starts a broker listening on addr (host:port).
func StartEmbedded(addr string, logger *zap.Logger) (*Embedded, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	server := mochi.New(&mochi.Options{
		InlineClient: true,
	})
	// mochi rejects every connection without an auth hook
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add allow hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "ofe-embedded",
		Address: addr,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to add listener: %w", err)
	}

	e := &Embedded{
		server:   server,
		listener: tcp,
		logger:   logger.Named("mqtt-broker"),
	}
	go func() {
		if err := server.Serve(); err != nil {
			e.logger.Error("embedded broker stopped", zap.Error(err))
		}
	}()

	e.logger.Info("embedded broker listening", zap.String("address", tcp.Address()))
	return e, nil
}

// Address returns the listener address.
func (e *Embedded) Address() string { return e.listener.Address() }

// URL returns the tcp:// URL clients dial.
func (e *Embedded) URL() string { return "tcp://" + e.Address() }

// Close stops the broker and disconnects its clients.
func (e *Embedded) Close() error {
	return e.server.Close()
}
