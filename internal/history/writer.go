package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Appender is the write side of Service.
type Appender interface {
	Append(ctx context.Context, rec Record) error
}

// AsyncWriter issues record writes without waiting for them to land.
// Submit enqueues and returns; a single worker drains the queue in order.
// Failures are logged and never surface to the submitter.
type AsyncWriter struct {
	dst     Appender
	log     *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

func NewAsyncWriter(dst Appender, log *slog.Logger, buffer int) *AsyncWriter {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	w := &AsyncWriter{
		dst:     dst,
		log:     log,
		timeout: 10 * time.Second,
		queue:   make(chan Record, buffer),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit enqueues rec. It never blocks; a full queue drops the record with an error log.
func (w *AsyncWriter) Submit(rec Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.log.Error("verdict record dropped: writer closed", "call_id", rec.CallID)
		return
	}
	select {
	case w.queue <- rec:
	default:
		w.log.Error("verdict record dropped: queue full", "call_id", rec.CallID)
	}
}

// Close stops accepting records and waits for queued ones to be written or ctx to end.
func (w *AsyncWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for rec := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.dst.Append(ctx, rec); err != nil {
			w.log.Error("verdict record write failed", "call_id", rec.CallID, "prediction", rec.Prediction, "err", err)
		}
		cancel()
	}
}
