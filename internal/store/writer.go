package store

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/licenseai-gateway/internal/logger"
	"github.com/dj-oyu/licenseai-gateway/pkg/types"
)

var log = logger.For("Store")

const writeTimeout = 5 * time.Second

// Recorder is the write side of Store
type Recorder interface {
	RecordResult(ctx context.Context, ev types.ResultEvent) error
}

// Writer records results in the background so a slow database never
// delays an HTTP response. Events beyond the buffer are dropped.
type Writer struct {
	rec     Recorder
	events  chan types.ResultEvent
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	written uint64
	dropped uint64
	failed  uint64
}

// NewWriter starts the background writer
func NewWriter(rec Recorder, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 64
	}
	w := &Writer{
		rec:    rec,
		events: make(chan types.ResultEvent, buffer),
	}
	w.wg.Add(1)
	go w.writeEvents()
	return w
}

// Record queues ev without blocking. It reports false if ev was dropped.
func (w *Writer) Record(ev types.ResultEvent) bool {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return false
	}

	select {
	case w.events <- ev:
		return true
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		return false
	}
}

func (w *Writer) writeEvents() {
	defer w.wg.Done()
	for ev := range w.events {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := w.rec.RecordResult(ctx, ev)
		cancel()

		w.mu.Lock()
		if err != nil {
			w.failed++
		} else {
			w.written++
		}
		w.mu.Unlock()

		if err != nil {
			log.Error("Failed to record result %s: %v", ev.RequestID, err)
		}
	}
}

// Close stops accepting events and waits for queued ones to be written
func (w *Writer) Close() {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return
	}
	w.closed = true
	close(w.events)
	w.closeMu.Unlock()

	w.wg.Wait()
}

// Stats returns written, dropped and failed counts
func (w *Writer) Stats() (written, dropped, failed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.dropped, w.failed
}
