package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chenchaobing/jaeger-demo/internal/infrastructure/tracing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"development", DevelopmentConfig(), false},
		{"empty outputs", Config{Level: "warn"}, false},
		{"bad level", Config{Level: "loud"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger.Logger)
		})
	}
}

func TestNewProductionWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	logger, err := New(Config{Level: "info", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Component("ingress").Info("subscribed", zap.String("topic", "ot"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &line))
	assert.Equal(t, "subscribed", line["msg"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "ingress", line["logger"])
	assert.Equal(t, "ot", line["topic"])
	assert.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level)

	level, err = parseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)

	level, err = parseLevel("nope")
	assert.Error(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)
}

func TestSpanFields(t *testing.T) {
	tracer := tracing.New("test", zap.NewNop(), tracing.WithSyncExport())
	defer tracer.Close(context.Background())

	lane := tracing.NewLane("main")
	parent := tracing.NewSpanContext("T1", "S1", true, nil)
	span, scope := tracer.StartSpan(lane, "op", tracing.ChildOf(parent))
	defer scope.Deactivate()

	core, logs := observer.New(zapcore.InfoLevel)
	zap.New(core).Info("Processing", LaneFields(lane)...)

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "T1", fields["trace_id"])
	assert.Equal(t, span.SpanID(), fields["span_id"])
	assert.Equal(t, "S1", fields["parent_id"])
	assert.Equal(t, "main", fields["lane"])

	assert.Nil(t, SpanFields(nil))
	assert.Nil(t, LaneFields(nil))
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	assert.NotPanics(t, func() {
		logger.Component("x").Info("discarded")
	})
}
