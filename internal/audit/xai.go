package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/phishguard/phishguard/internal/store"
)

// XAI stream limits.
const (
	xaiMaxFileBytes = 10 << 20
	xaiMaxBackups   = 5
	xaiQueueSize    = 4096
)

// XAIRecord is one line of the explainability telemetry stream.
type XAIRecord struct {
	Timestamp time.Time            `json:"ts"`
	Verdict   store.Verdict        `json:"verdict"`
	Drift     []string             `json:"drift,omitempty"`
	Top3      []store.SignalImpact `json:"top_3"`
}

// XAIWriter consumes scan explanations off a queue and appends them as JSON
// lines to a size-rotated file. The whole path is fail-safe: a full queue
// drops the record and every write error is logged, never surfaced to the
// scan path.
type XAIWriter struct {
	path    string
	queue   chan XAIRecord
	done    chan struct{}
	dropped uint64
	mu      sync.Mutex
	once    sync.Once
}

// NewXAIWriter starts the consumer goroutine writing to path.
func NewXAIWriter(path string) (*XAIWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("xai telemetry directory: %w", err)
		}
	}
	w := &XAIWriter{
		path:  path,
		queue: make(chan XAIRecord, xaiQueueSize),
		done:  make(chan struct{}),
	}
	go w.consume()
	return w, nil
}

// Enqueue submits a record. Never blocks; drops when the queue is full.
func (w *XAIWriter) Enqueue(rec XAIRecord) {
	select {
	case w.queue <- rec:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	}
}

// Dropped returns the number of records dropped due to backpressure.
func (w *XAIWriter) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close drains the queue and stops the consumer.
func (w *XAIWriter) Close() {
	w.once.Do(func() {
		close(w.queue)
		<-w.done
	})
}

func (w *XAIWriter) consume() {
	defer close(w.done)
	for rec := range w.queue {
		if err := w.write(rec); err != nil {
			slog.Warn("xai telemetry write failed", "err", err)
		}
	}
}

func (w *XAIWriter) write(rec XAIRecord) error {
	if err := w.rotateIfNeeded(); err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // append stream, error caught on write

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%s\n", line)
	return err
}

func (w *XAIWriter) rotateIfNeeded() error {
	info, err := os.Stat(w.path)
	if err != nil || info.Size() < xaiMaxFileBytes {
		return nil
	}

	// Shift xai_telemetry.jsonl.4 -> .5 ... and current -> .1.
	for i := xaiMaxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", w.path, i)
		to := fmt.Sprintf("%s.%d", w.path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return err
			}
		}
	}
	return os.Rename(w.path, w.path+".1")
}
