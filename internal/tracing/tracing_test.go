package tracing

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebolabs/nebo/internal/db"
)

func TestWriterFlushesSpansAndEvents(t *testing.T) {
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "traces.db"))
	require.NoError(t, err)
	defer store.Close()

	w := NewWriter(store.DB())

	traceID := w.StartTrace()
	spanID := w.StartSpan(traceID, "", "llm.stream", map[string]any{"provider": "openai"})
	w.AddEvent(spanID, "stream.end", map[string]any{"ttft_ms": 42})
	w.EndSpan(spanID, time.Now())

	// ShutdownBlocking drains everything outstanding.
	w.ShutdownBlocking()

	var name, attrs string
	var endTS *int64
	err = store.DB().QueryRow(`SELECT name, attrs, end_ts FROM trace_spans WHERE id = ?`, spanID).
		Scan(&name, &attrs, &endTS)
	require.NoError(t, err)
	assert.Equal(t, "llm.stream", name)
	assert.Contains(t, attrs, "openai")
	require.NotNil(t, endTS)

	var eventCount int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM trace_events WHERE span_id = ?`, spanID).Scan(&eventCount))
	assert.Equal(t, 1, eventCount)
}

func TestWriterShutdownIdempotent(t *testing.T) {
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "traces.db"))
	require.NoError(t, err)
	defer store.Close()

	w := NewWriter(store.DB())
	w.ShutdownBlocking()
	w.ShutdownBlocking() // second call is a no-op

	// Records after shutdown are dropped, not panicking.
	w.AddEvent("gone", "late", nil)
}
