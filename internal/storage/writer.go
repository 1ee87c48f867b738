package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

type entry struct {
	kind  string
	key   string
	write func(ctx context.Context, s Store) error
}

// Writer is an asynchronous Sink over a Store. Writes are buffered, retried
// with exponential backoff, and dropped (with an alarm) when the buffer is
// full or retries are exhausted.
type Writer struct {
	store      Store
	ch         chan entry
	wg         sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
	failures   *prometheus.CounterVec
	maxRetries int
	backoff    time.Duration
}

// NewWriter creates a Writer. failures may be nil; when set it is incremented
// with the record kind on every dropped or permanently failed write.
func NewWriter(store Store, bufferSize int, failures *prometheus.CounterVec) *Writer {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &Writer{
		store:      store,
		ch:         make(chan entry, bufferSize),
		done:       make(chan struct{}),
		failures:   failures,
		maxRetries: 3,
		backoff:    100 * time.Millisecond,
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *Writer) SaveBatch(rec *BatchRecord) {
	cp := *rec
	cp.Jobs = append([]JobRecord(nil), rec.Jobs...)
	w.enqueue(entry{kind: "batch", key: rec.ID, write: func(ctx context.Context, s Store) error {
		return s.UpsertBatch(ctx, &cp)
	}})
}

func (w *Writer) SaveSamples(jobID string, samples []SampleRecord) {
	if len(samples) == 0 {
		return
	}
	cp := append([]SampleRecord(nil), samples...)
	w.enqueue(entry{kind: "samples", key: jobID, write: func(ctx context.Context, s Store) error {
		return s.InsertSamples(ctx, jobID, cp)
	}})
}

func (w *Writer) SaveEvent(rec *EventRecord) {
	cp := *rec
	w.enqueue(entry{kind: "event", key: rec.JobID, write: func(ctx context.Context, s Store) error {
		return s.InsertEvent(ctx, &cp)
	}})
}

func (w *Writer) LogExecution(rec *ExecutionRecord) {
	cp := *rec
	w.enqueue(entry{kind: "execution", key: rec.JobID, write: func(ctx context.Context, s Store) error {
		return s.InsertExecution(ctx, &cp)
	}})
}

func (w *Writer) LogSignatureMismatch(rec *SignatureMismatchRecord) {
	cp := *rec
	w.enqueue(entry{kind: "signature_mismatch", key: rec.CallerID, write: func(ctx context.Context, s Store) error {
		return s.InsertSignatureMismatch(ctx, &cp)
	}})
}

func (w *Writer) LogCooldown(rec *CooldownRecord) {
	cp := *rec
	w.enqueue(entry{kind: "cooldown", key: rec.CallerID, write: func(ctx context.Context, s Store) error {
		return s.InsertCooldown(ctx, &cp)
	}})
}

func (w *Writer) enqueue(e entry) {
	select {
	case <-w.done:
		w.alarm(e.kind)
		log.Error().Str("kind", e.kind).Str("key", e.key).Msg("persistence writer closed, dropping record")
		return
	default:
	}

	select {
	case w.ch <- e:
	default:
		w.alarm(e.kind)
		log.Error().Str("kind", e.kind).Str("key", e.key).Msg("persistence buffer full, dropping record")
	}
}

// Flush stops accepting records and waits up to timeout for the buffer to drain.
func (w *Writer) Flush(timeout time.Duration) {
	w.closeOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("persistence writer flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.ch)).Msg("persistence writer flush timed out")
	}
}

func (w *Writer) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case e := <-w.ch:
			w.writeWithRetry(e)
		case <-w.done:
			for {
				select {
				case e := <-w.ch:
					w.writeWithRetry(e)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) writeWithRetry(e entry) {
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := e.write(ctx, w.store)
		cancel()

		if err == nil {
			return
		}

		if attempt < w.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("kind", e.kind).
				Str("key", e.key).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("persistence write failed, retrying")
			time.Sleep(backoff)
		} else {
			w.alarm(e.kind)
			log.Error().
				Err(err).
				Str("kind", e.kind).
				Str("key", e.key).
				Msg("persistence write failed permanently after retries")
		}
	}
}

func (w *Writer) alarm(kind string) {
	if w.failures != nil {
		w.failures.WithLabelValues(kind).Inc()
	}
}
