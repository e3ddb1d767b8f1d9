// Package id provides identifier generation for traces, spans and nodes.
//
// Trace ids are ULIDs rendered as 32 lowercase hex characters, so they are
// valid W3C trace ids and still sort by creation time. Span ids are 8 random
// bytes rendered as 16 hex characters. Node ids are prefixed UUIDs.
//
// Design Principles:
//   - Hex only on the wire: both codecs and the OTLP exporter can decode them
//   - K-sortable traces: log search by trace id roughly follows time
//   - Never all zeros: W3C treats zero ids as invalid
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	// NodePrefix marks processing node ids in logs and consumer groups.
	NodePrefix = "ofe"

	traceIDBytes = 16
	spanIDBytes  = 8
)

// Generator generates trace and span ids from a shared entropy source.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
	now       func() time.Time
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
		now:     time.Now,
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
		now:     time.Now,
	}
}

// ULID creates a new ULID.
func (g *Generator) ULID() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
}

// TraceID returns a new 32 character hex trace id.
func (g *Generator) TraceID() string {
	for {
		u := g.ULID()
		if !isZero(u[:]) {
			return hex.EncodeToString(u[:])
		}
	}
}

// SpanID returns a new 16 character hex span id.
func (g *Generator) SpanID() string {
	buf := make([]byte, spanIDBytes)
	for {
		g.entropyMu.Lock()
		_, err := io.ReadFull(g.entropy, buf)
		g.entropyMu.Unlock()
		if err != nil {
			// Entropy exhausted; derive from a fresh ULID instead.
			u := g.ULID()
			copy(buf, u[traceIDBytes-spanIDBytes:])
		}
		if !isZero(buf) {
			return hex.EncodeToString(buf)
		}
	}
}

// NewTraceID generates a trace id with the default generator.
func NewTraceID() string {
	return Default().TraceID()
}

// NewSpanID generates a span id with the default generator.
func NewSpanID() string {
	return Default().SpanID()
}

// NewNodeID generates a processing node id such as "ofe-6f1c...".
func NewNodeID() string {
	return fmt.Sprintf("%s-%s", NodePrefix, uuid.NewString())
}

// IsTraceID reports whether s is a well-formed, non-zero trace id.
func IsTraceID(s string) bool {
	return isHexID(s, traceIDBytes)
}

// IsSpanID reports whether s is a well-formed, non-zero span id.
func IsSpanID(s string) bool {
	return isHexID(s, spanIDBytes)
}

// Timestamp extracts the creation time embedded in a trace id.
func Timestamp(traceID string) (time.Time, error) {
	raw, err := hex.DecodeString(traceID)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode trace id: %w", err)
	}
	if len(raw) != traceIDBytes {
		return time.Time{}, fmt.Errorf("trace id must be %d bytes, got %d", traceIDBytes, len(raw))
	}
	var u ulid.ULID
	copy(u[:], raw)
	return ulid.Time(u.Time()), nil
}

func isHexID(s string, size int) bool {
	if len(s) != size*2 {
		return false
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return false
	}
	return !isZero(raw)
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
