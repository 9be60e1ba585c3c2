package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/intercept"
	"intercept-proxy-go/internal/metrics"
)

const writeTimeout = 5 * time.Second

type captureKey struct{}

// capture is the body prefix collected for the exchange in progress on a
// pair. Exchanges on a pair are sequential, so one slot is enough.
type capture struct {
	ex        *intercept.Exchange
	buf       []byte
	truncated bool
}

// Recorder is a chain stage that journals every finished exchange. It
// observes body chunks without rewriting them and writes records from a
// background worker, so a slow database never stalls the relay.
type Recorder struct {
	store   *Store
	codec   string
	limit   int
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue     chan *Record
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewRecorder starts a recorder writing to store. m may be nil.
func NewRecorder(store *Store, cfg config.JournalConfig, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	r := &Recorder{
		store:   store,
		codec:   cfg.Codec,
		limit:   cfg.CaptureBytes,
		logger:  logger.With("component", "journal"),
		metrics: m,
		queue:   make(chan *Record, size),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Name implements intercept.Stage.
func (*Recorder) Name() string { return "journal" }

// ObserveResponseChunk implements intercept.ResponseChunkObserver.
func (r *Recorder) ObserveResponseChunk(ex *intercept.Exchange, p []byte) {
	if r.limit <= 0 || ex == nil || ex.Pair == nil {
		return
	}
	c := r.captureFor(ex)
	room := r.limit - len(c.buf)
	if len(p) > room {
		p = p[:room]
		c.truncated = true
	}
	c.buf = append(c.buf, p...)
}

func (r *Recorder) captureFor(ex *intercept.Exchange) *capture {
	if v, ok := ex.Pair.Load(captureKey{}); ok {
		if c, _ := v.(*capture); c != nil && c.ex == ex {
			return c
		}
	}
	c := &capture{ex: ex}
	ex.Pair.Store(captureKey{}, c)
	return c
}

// AfterResponseEnd implements intercept.ResponseEndStage.
func (r *Recorder) AfterResponseEnd(ex *intercept.Exchange, err error) {
	if ex == nil || ex.Request == nil {
		return
	}
	rec := &Record{
		ID:            uuid.NewString(),
		Method:        ex.Request.Method,
		URL:           ex.Request.URL(),
		ResponseBytes: ex.BodyBytes,
		Duration:      time.Since(ex.Start),
		Tunnel:        ex.Tunnel,
		Codec:         r.codec,
		CreatedAt:     time.Now(),
	}
	if ex.Pair != nil {
		rec.PairID = ex.Pair.ID()
		if v, ok := ex.Pair.Load(captureKey{}); ok {
			if c, _ := v.(*capture); c != nil && c.ex == ex {
				rec.CaptureSize = len(c.buf)
				rec.Truncated = c.truncated
				if len(c.buf) > 0 {
					rec.Capture = c.buf
				}
				ex.Pair.Store(captureKey{}, (*capture)(nil))
			}
		}
	}
	if ex.Head != nil {
		rec.Status = ex.Head.StatusCode
	}
	if err != nil {
		rec.Error = err.Error()
	}
	r.enqueue(rec)
}

func (r *Recorder) enqueue(rec *Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.count("dropped")
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("journal queue full, dropping record", "url", rec.URL, "capacity", cap(r.queue))
		r.count("dropped")
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.done:
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec *Record) {
	if len(rec.Capture) > 0 {
		enc, err := Encode(rec.Codec, rec.Capture)
		if err != nil {
			r.logger.Warn("journal capture encoding failed", "id", rec.ID, "error", err)
			enc, rec.Codec = nil, config.CodecNone
			rec.CaptureSize = 0
		}
		rec.Capture = enc
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.Insert(ctx, rec); err != nil {
		r.logger.Error("journal write failed", "id", rec.ID, "error", err)
		r.count("error")
		return
	}
	r.count("ok")
}

func (r *Recorder) count(result string) {
	if r.metrics != nil {
		r.metrics.JournalTotal.WithLabelValues(result).Inc()
	}
}

// Close stops accepting records and waits for the queue to drain.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.done)
		r.wg.Wait()
	})
	return nil
}
