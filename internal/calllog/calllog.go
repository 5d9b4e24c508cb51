package calllog

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/logging"
	"github.com/devopscentral/gateway/internal/store"
)

// Writer persists call logs off the request path. Records are queued into a
// bounded channel and flushed in batches; a full queue drops the record and
// counts it rather than stalling a request.
type Writer struct {
	store *store.Store
	queue chan *store.CallLog

	batchSize     int
	flushInterval time.Duration

	dropped atomic.Int64
	done    chan struct{}
}

// New creates a call log writer. Call Start to launch the flush loop.
func New(s *store.Store, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Writer{
		store:         s,
		queue:         make(chan *store.CallLog, queueSize),
		batchSize:     100,
		flushInterval: time.Second,
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (w *Writer) Start() {
	go w.run()
}

// Stop closes the queue and waits for the final flush.
func (w *Writer) Stop() {
	close(w.queue)
	<-w.done
}

// Record enqueues one call log. Never blocks: when the queue is full the
// record is dropped and counted.
func (w *Writer) Record(rec *store.CallLog) {
	select {
	case w.queue <- rec:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded due to backpressure.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]store.CallLog, 0, w.batchSize)
	for {
		select {
		case rec, ok := <-w.queue:
			if !ok {
				w.flush(batch)
				return
			}
			batch = append(batch, *rec)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes one batch. Insert failures are logged and the batch is
// dropped; call logs are best-effort by contract.
func (w *Writer) flush(batch []store.CallLog) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.store.InsertCallLogs(ctx, batch); err != nil {
		w.dropped.Add(int64(len(batch)))
		logging.Error("call log flush failed",
			zap.Int("batch", len(batch)), zap.Error(err))
	}
}
