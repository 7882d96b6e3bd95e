package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0x5487/exchange-matcher/metrics"
)

// EventStore durably records trades and order status transitions.
// Both record calls must be idempotent: recording the same trade id or the same
// (order, sequence) pair twice is a no-op.
type EventStore interface {
	IDSource
	RecordTrade(ctx context.Context, trade *Trade) error
	RecordOrderStatus(ctx context.Context, update *OrderStatusUpdate) error
}

// IDSource reports the highest trade id and sequence id recorded for a symbol.
// Zeros mean nothing was recorded.
type IDSource interface {
	LastIDs(ctx context.Context, symbol string) (tradeID, seqID uint64, err error)
}

// Notifier delivers persisted events to a downstream system
// (wallet settlement, websocket feed, message broker).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, log *BookLog) error
}

// PersistFailureFunc is called when an event cannot be persisted after all retries.
type PersistFailureFunc func(symbol string, log *BookLog, err error)

// PipelineOption configures an EventPipeline.
type PipelineOption func(*EventPipeline)

// WithPipelineCapacity sets the ring buffer size. It must be a power of 2.
func WithPipelineCapacity(capacity int64) PipelineOption {
	return func(p *EventPipeline) {
		p.capacity = capacity
	}
}

// WithNotifiers adds downstream notifiers. Each gets its own queue and worker.
func WithNotifiers(notifiers ...Notifier) PipelineOption {
	return func(p *EventPipeline) {
		p.pending = append(p.pending, notifiers...)
	}
}

// WithPersistRetry sets how often a store write is attempted and the initial backoff.
func WithPersistRetry(attempts int, backoff time.Duration) PipelineOption {
	return func(p *EventPipeline) {
		p.persistRetry = retryPolicy{attempts: attempts, backoff: backoff}
	}
}

// WithNotifierRetry sets how many attempts make up one delivery round and the initial backoff.
// A failed round is logged and the event is tried again after a pause, until it is
// delivered or the pipeline shuts down.
func WithNotifierRetry(attempts int, backoff time.Duration) PipelineOption {
	return func(p *EventPipeline) {
		p.notifyRetry = retryPolicy{attempts: attempts, backoff: backoff}
	}
}

// WithNotifierQueue sets the per-notifier backlog above which the notifier is
// reported as lagging. Events are never dropped: a lagging notifier keeps its
// backlog while the other notifiers and the books carry on.
func WithNotifierQueue(size int) PipelineOption {
	return func(p *EventPipeline) {
		if size > 0 {
			p.queueSize = size
		}
	}
}

// WithOperationTimeout bounds a single store write or notifier delivery.
func WithOperationTimeout(d time.Duration) PipelineOption {
	return func(p *EventPipeline) {
		if d > 0 {
			p.opTimeout = d
		}
	}
}

// OnPersistFailure registers the hook run when persistence gives up on an event.
func OnPersistFailure(fn PersistFailureFunc) PipelineOption {
	return func(p *EventPipeline) {
		p.onPersistFailure = fn
	}
}

type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

const (
	maxRetryBackoff = time.Second
	redeliveryPause = 50 * time.Millisecond
)

// do runs fn until it succeeds, attempts run out or fn returns ErrUndeliverable.
// onRetry is called before each retry.
func (r retryPolicy) do(fn func() error, onRetry func(attempt int, err error)) error {
	attempts := max(r.attempts, 1)
	backoff := r.backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || errors.Is(err, ErrUndeliverable) {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if backoff > 0 {
			time.Sleep(backoff)
			backoff = min(backoff*2, maxRetryBackoff)
		}
	}
	return err
}

// EventPipeline moves book events off the matching path.
// Books publish into a ring buffer; one consumer persists each event to the
// EventStore and, once persisted, appends it to every Notifier's backlog.
// Each notifier receives every persisted event once, in order. One that fails
// or falls behind never affects the books or other notifiers.
type EventPipeline struct {
	capacity         int64
	queueSize        int
	opTimeout        time.Duration
	persistRetry     retryPolicy
	notifyRetry      retryPolicy
	onPersistFailure PersistFailureFunc

	store     EventStore
	pending   []Notifier
	notifiers []*notifierWorker
	ring      *RingBuffer[*BookLog]

	failed    map[string]error // consumer goroutine only
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEventPipeline creates a pipeline persisting to store. A nil store skips persistence.
func NewEventPipeline(store EventStore, opts ...PipelineOption) *EventPipeline {
	p := &EventPipeline{
		capacity:     1 << 14,
		queueSize:    4096,
		opTimeout:    5 * time.Second,
		persistRetry: retryPolicy{attempts: 5, backoff: 10 * time.Millisecond},
		notifyRetry:  retryPolicy{attempts: 3, backoff: 10 * time.Millisecond},
		store:        store,
		failed:       make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.ring = NewRingBuffer[*BookLog](p.capacity, p)
	for _, n := range p.pending {
		p.notifiers = append(p.notifiers, newNotifierWorker(n, p.queueSize, p.notifyRetry, p.opTimeout))
	}
	p.pending = nil
	return p
}

// Start launches the consumer and the notifier workers.
func (p *EventPipeline) Start() {
	p.startOnce.Do(func() {
		for _, w := range p.notifiers {
			go w.run()
		}
		p.ring.Start()
	})
}

// Publish implements PublishLog. It blocks while the ring buffer is full.
func (p *EventPipeline) Publish(logs ...*BookLog) {
	for _, log := range logs {
		if !p.ring.Publish(log) {
			logger.Warn("event dropped, pipeline is shut down", "symbol", log.Symbol, "seq_id", log.SequenceID, "type", log.Type)
		}
	}
}

// Backlog returns the number of events not yet persisted.
func (p *EventPipeline) Backlog() int64 {
	return p.ring.GetPendingEvents()
}

// OnEvent persists one event and fans it out. It runs on the ring buffer consumer.
func (p *EventPipeline) OnEvent(log *BookLog) {
	defer metrics.SetPipelineBacklog(p.ring.GetPendingEvents())

	if cause, ok := p.failed[log.Symbol]; ok {
		logger.Warn("event skipped, persistence for symbol has failed", "symbol", log.Symbol, "seq_id", log.SequenceID, "cause", cause)
		return
	}

	if err := p.persist(log); err != nil {
		p.failed[log.Symbol] = err
		metrics.IncPersistFailure(log.Symbol)
		logger.Error("event persistence failed", "symbol", log.Symbol, "seq_id", log.SequenceID, "type", log.Type, "error", err)
		if p.onPersistFailure != nil {
			p.onPersistFailure(log.Symbol, log, err)
		}
		return
	}

	for _, w := range p.notifiers {
		w.enqueue(log)
	}
}

func (p *EventPipeline) persist(log *BookLog) error {
	if p.store == nil {
		return nil
	}

	return p.persistRetry.do(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
		defer cancel()

		if log.Trade != nil {
			if err := p.store.RecordTrade(ctx, log.Trade); err != nil {
				return fmt.Errorf("record trade %d: %w", log.Trade.ID, err)
			}
		}
		for _, update := range log.StatusUpdates() {
			update := update
			if err := p.store.RecordOrderStatus(ctx, &update); err != nil {
				return fmt.Errorf("record status of %s: %w", update.OrderID, err)
			}
		}
		return nil
	}, func(attempt int, err error) {
		metrics.IncPersistRetry(log.Symbol)
		logger.Warn("retrying event persistence", "symbol", log.Symbol, "seq_id", log.SequenceID, "attempt", attempt, "error", err)
	})
}

// Shutdown drains the ring buffer, then every notifier backlog.
// Order books must be shut down first so nothing publishes during the drain.
// Notifiers still holding events when ctx ends are stopped and reported.
func (p *EventPipeline) Shutdown(ctx context.Context) error {
	var errs []error
	p.stopOnce.Do(func() {
		if err := p.ring.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, w := range p.notifiers {
			w.close()
		}
		for _, w := range p.notifiers {
			select {
			case <-w.done:
			case <-ctx.Done():
				w.stop()
				errs = append(errs, fmt.Errorf("notifier %s: %d events undelivered: %w", w.notifier.Name(), w.pending(), ctx.Err()))
			}
		}
	})
	return errors.Join(errs...)
}

type notifierWorker struct {
	notifier  Notifier
	lagAt     int
	retry     retryPolicy
	opTimeout time.Duration
	ctx       context.Context
	stop      context.CancelFunc
	wake      chan struct{}
	done      chan struct{}

	mu       sync.Mutex
	backlog  []*BookLog
	inflight int
	closed   bool
	lagging  bool
}

func newNotifierWorker(n Notifier, lagAt int, retry retryPolicy, opTimeout time.Duration) *notifierWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &notifierWorker{
		notifier:  n,
		lagAt:     lagAt,
		retry:     retry,
		opTimeout: opTimeout,
		ctx:       ctx,
		stop:      cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// enqueue appends log to the backlog. It never blocks on the notifier.
func (w *notifierWorker) enqueue(log *BookLog) {
	w.mu.Lock()
	w.backlog = append(w.backlog, log)
	n := len(w.backlog)
	startedLagging := n > w.lagAt && !w.lagging
	if startedLagging {
		w.lagging = true
	}
	w.mu.Unlock()

	metrics.SetNotifierBacklog(w.notifier.Name(), n)
	if startedLagging {
		logger.Warn("notifier is falling behind", "notifier", w.notifier.Name(), "backlog", n, "symbol", log.Symbol, "seq_id", log.SequenceID)
	}
	w.signal()
}

func (w *notifierWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *notifierWorker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

// pending counts events not yet delivered, including the one in flight.
func (w *notifierWorker) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.backlog) + w.inflight
}

// next blocks until an event is available. It returns false once the worker
// is closed and its backlog is empty, or when it is stopped.
func (w *notifierWorker) next() (*BookLog, bool) {
	for {
		w.mu.Lock()
		if len(w.backlog) > 0 {
			log := w.backlog[0]
			w.backlog[0] = nil
			w.backlog = w.backlog[1:]
			if len(w.backlog) == 0 {
				w.backlog = nil
				w.lagging = false
			}
			w.inflight = 1
			w.mu.Unlock()
			return log, true
		}
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-w.wake:
		case <-w.ctx.Done():
			return nil, false
		}
	}
}

func (w *notifierWorker) run() {
	defer close(w.done)
	for {
		log, ok := w.next()
		if !ok {
			return
		}
		if !w.deliver(log) {
			return
		}

		w.mu.Lock()
		w.inflight = 0
		n := len(w.backlog)
		w.mu.Unlock()
		metrics.SetNotifierBacklog(w.notifier.Name(), n)
	}
}

// deliver retries log until the notifier accepts it. It returns false if the worker was stopped first.
func (w *notifierWorker) deliver(log *BookLog) bool {
	pause := max(w.retry.backoff, redeliveryPause)
	for round := 1; ; round++ {
		err := w.retry.do(func() error {
			ctx, cancel := context.WithTimeout(w.ctx, w.opTimeout)
			defer cancel()
			return w.notifier.Notify(ctx, log)
		}, nil)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrUndeliverable) {
			metrics.IncNotifierFailure(w.notifier.Name(), "undeliverable")
			logger.Error("notifier rejected event, skipping", "notifier", w.notifier.Name(), "symbol", log.Symbol, "seq_id", log.SequenceID, "error", err)
			return true
		}

		metrics.IncNotifierFailure(w.notifier.Name(), "delivery")
		logger.Error("notifier delivery failed, retrying", "notifier", w.notifier.Name(), "symbol", log.Symbol, "seq_id", log.SequenceID, "round", round, "error", err)

		select {
		case <-w.ctx.Done():
			return false
		case <-time.After(pause):
		}
		pause = min(pause*2, maxRetryBackoff)
	}
}
