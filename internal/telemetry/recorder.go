// Package telemetry batches logged requests into the database and feeds them
// to the threat classifier off the request path.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"eyeweb/internal/database"
	"eyeweb/internal/domain"
	"eyeweb/internal/threat"

	"github.com/charmbracelet/log"
)

const (
	defaultBatchWindow   = 250 * time.Millisecond
	defaultBatchMaxItems = 256
	defaultQueueSize     = 4096
	batchWriteTimeout    = 5 * time.Second
	inspectTimeout       = 3 * time.Second
	dropLogEvery         = 1000
)

var ErrClosed = errors.New("telemetry: recorder closed")

// Record is one observed request. Persist is false for deduplicated visits,
// which are still classified but not stored.
type Record struct {
	Observation threat.Observation
	Persist     bool
}

type Inspector interface {
	Inspect(ctx context.Context, obs threat.Observation) []domain.ThreatEvent
}

type Recorder struct {
	records  chan Record
	flushes  chan chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Int64

	inspector      Inspector
	inspectTimeout time.Duration
	window         time.Duration
	maxItems       int
}

type Option func(*Recorder)

func WithBatchWindow(d time.Duration) Option {
	return func(r *Recorder) { r.window = d }
}

func WithBatchSize(n int) Option {
	return func(r *Recorder) { r.maxItems = n }
}

// WithInspectTimeout bounds the classification of one record.
func WithInspectTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.inspectTimeout = d }
}

func WithQueueSize(n int) Option {
	return func(r *Recorder) { r.records = make(chan Record, n) }
}

// NewRecorder builds a recorder; inspector may be nil.
func NewRecorder(inspector Inspector, opts ...Option) *Recorder {
	r := &Recorder{
		records:        make(chan Record, defaultQueueSize),
		flushes:        make(chan chan struct{}),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		inspector:      inspector,
		inspectTimeout: inspectTimeout,
		window:         defaultBatchWindow,
		maxItems:       defaultBatchMaxItems,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.inspectTimeout <= 0 {
		r.inspectTimeout = inspectTimeout
	}
	return r
}

// Start launches the batching worker. A second call does nothing.
func (r *Recorder) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.run()
	}
}

// Submit enqueues without blocking. A full queue drops the record and reports
// false.
func (r *Recorder) Submit(rec Record) bool {
	select {
	case <-r.stop:
		return false
	default:
	}

	select {
	case r.records <- rec:
		return true
	default:
		if n := r.dropped.Add(1); n == 1 || n%dropLogEvery == 0 {
			log.Warn("Telemetry queue full, dropping request events", "dropped_total", n, "ip", rec.Observation.Event.IP)
		}
		return false
	}
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Flush waits until everything queued before the call has been processed.
func (r *Recorder) Flush(ctx context.Context) error {
	if !r.started.Load() {
		return errors.New("telemetry: recorder not started")
	}
	ack := make(chan struct{})
	select {
	case r.flushes <- ack:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records, processes what is queued and waits for the
// worker to exit.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.done
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	batch := make([]Record, 0, r.maxItems)
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	flush := func() {
		stopTimer()
		if len(batch) == 0 {
			return
		}
		items := make([]Record, len(batch))
		copy(items, batch)
		batch = batch[:0]
		r.processBatch(items)
	}
	drain := func() {
		for {
			select {
			case rec := <-r.records:
				batch = append(batch, rec)
				if len(batch) >= r.maxItems {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case rec := <-r.records:
			batch = append(batch, rec)
			if len(batch) >= r.maxItems {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.window)
				timerC = timer.C
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush()
		case ack := <-r.flushes:
			drain()
			close(ack)
		case <-r.stop:
			drain()
			return
		}
	}
}

// processBatch stores the batch before classifying it, so block snapshots
// taken by the classifier include these requests.
func (r *Recorder) processBatch(batch []Record) {
	events := make([]domain.RequestEvent, 0, len(batch))
	for _, rec := range batch {
		if rec.Persist {
			events = append(events, rec.Observation.Event)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), batchWriteTimeout)
	err := database.InsertRequestEvents(ctx, events)
	cancel()
	if err != nil {
		log.Error("Failed to store request events", "count", len(events), "error", err)
	}

	if r.inspector == nil {
		return
	}

	var threats []domain.ThreatEvent
	for _, rec := range batch {
		threats = append(threats, r.inspect(rec.Observation)...)
	}
	if len(threats) == 0 {
		return
	}

	ctx, cancel = context.WithTimeout(context.Background(), batchWriteTimeout)
	defer cancel()
	if err := database.InsertThreatEvents(ctx, threats); err != nil {
		log.Error("Failed to store threat events", "count", len(threats), "error", err)
		return
	}
	log.Debug("Stored threat events", "count", len(threats))
}

// inspect gives each observation its own deadline, so a slow store delays a
// batch without expiring the records at its end.
func (r *Recorder) inspect(obs threat.Observation) []domain.ThreatEvent {
	ctx, cancel := context.WithTimeout(context.Background(), r.inspectTimeout)
	defer cancel()
	return r.inspector.Inspect(ctx, obs)
}
