package tracing_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"compress-queue/internal/tracing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

// syncBuffer guards the span sink: the batcher writes from its own goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInitTracer_ExportsSpansToWriter(t *testing.T) {
	var sink syncBuffer
	shutdown, err := tracing.InitTracer("compress-queue-test", &sink)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "enqueue-scan")
	span.End()

	// Shutdown flushes the batcher before stopping the provider.
	require.NoError(t, shutdown(context.Background()))

	out := sink.String()
	assert.Contains(t, out, "enqueue-scan")
	assert.Contains(t, out, "compress-queue-test")
}

func TestInitTracer_ShutdownIdempotent(t *testing.T) {
	var sink syncBuffer
	shutdown, err := tracing.InitTracer("compress-queue-test", &sink)
	require.NoError(t, err)

	require.NoError(t, shutdown(context.Background()))
	require.NoError(t, shutdown(context.Background()))
}
