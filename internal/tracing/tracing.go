// Package tracing implements the Tracing Writer (J): an append-only
// span/event log drained by a single writer goroutine that batches into the
// shared SQLite store. The Streaming Driver is the only systematic caller;
// other subsystems are free to annotate spans they own.
package tracing

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nebolabs/nebo/internal/logging"
)

// record is one queued write: a span start, a span end, or an event.
type record struct {
	kind    recordKind
	spanID  string
	traceID string
	parent  string
	name    string
	attrs   json.RawMessage
	payload json.RawMessage
	ts      time.Time
}

type recordKind int

const (
	recordSpanStart recordKind = iota
	recordSpanEnd
	recordEvent
)

// Writer owns the queue and the writer goroutine. Callers never touch the
// database directly.
type Writer struct {
	db    *sql.DB
	queue chan record

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

const (
	queueDepth    = 1024
	flushInterval = 2 * time.Second
	batchMax      = 128
)

// NewWriter starts the writer goroutine over the shared connection. Schema
// comes from internal/db/migrations/0004_tracing.sql.
func NewWriter(db *sql.DB) *Writer {
	w := &Writer{
		db:    db,
		queue: make(chan record, queueDepth),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// StartTrace allocates a new trace id.
func (w *Writer) StartTrace() string {
	return uuid.New().String()
}

// StartSpan opens a span under traceID (parent may be empty) and returns its
// span id. attrs are recorded verbatim.
func (w *Writer) StartSpan(traceID, parent, name string, attrs map[string]any) string {
	spanID := uuid.New().String()
	encoded, _ := json.Marshal(attrs)
	w.enqueue(record{
		kind:    recordSpanStart,
		spanID:  spanID,
		traceID: traceID,
		parent:  parent,
		name:    name,
		attrs:   encoded,
		ts:      time.Now(),
	})
	return spanID
}

// AddEvent appends a named event with an optional payload to a span.
func (w *Writer) AddEvent(spanID, name string, payload map[string]any) {
	encoded, _ := json.Marshal(payload)
	w.enqueue(record{kind: recordEvent, spanID: spanID, name: name, payload: encoded, ts: time.Now()})
}

// EndSpan closes a span at ts.
func (w *Writer) EndSpan(spanID string, ts time.Time) {
	w.enqueue(record{kind: recordSpanEnd, spanID: spanID, ts: ts})
}

func (w *Writer) enqueue(r record) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	select {
	case w.queue <- r:
	default:
		// Queue full: drop rather than block a hot streaming path.
		logging.Warnf("tracing: queue full, dropping %d record", r.kind)
	}
}

// ShutdownBlocking stops accepting records, drains the queue and waits for
// the writer goroutine to flush everything outstanding.
func (w *Writer) ShutdownBlocking() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.queue)
	<-w.done
}

// loop drains the queue, batching writes into one transaction per tick or
// per batchMax records, whichever comes first.
func (w *Writer) loop() {
	defer close(w.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]record, 0, batchMax)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatch(batch); err != nil {
			logging.Warnf("tracing: flush failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= batchMax {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) writeBatch(batch []record) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	for _, r := range batch {
		switch r.kind {
		case recordSpanStart:
			_, err = tx.Exec(
				`INSERT INTO trace_spans (id, trace_id, parent_id, name, attrs, start_ts) VALUES (?, ?, ?, ?, ?, ?)`,
				r.spanID, r.traceID, r.parent, r.name, string(r.attrs), r.ts.UnixMilli(),
			)
		case recordSpanEnd:
			_, err = tx.Exec(`UPDATE trace_spans SET end_ts = ? WHERE id = ?`, r.ts.UnixMilli(), r.spanID)
		case recordEvent:
			_, err = tx.Exec(
				`INSERT INTO trace_events (span_id, name, payload, ts) VALUES (?, ?, ?, ?)`,
				r.spanID, r.name, string(r.payload), r.ts.UnixMilli(),
			)
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
