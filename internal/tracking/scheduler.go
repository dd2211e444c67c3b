package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"courier-map/internal/courier"
	"courier-map/internal/logging"
)

const (
	DefaultInterval     = 500 * time.Millisecond
	DefaultRetryDelay   = 3 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

// Fetch outcomes reported to a Recorder.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeStale   = "stale"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrStopped        = errors.New("scheduler stopped")
)

// SnapshotSink receives every delivered snapshot, one call at a time.
type SnapshotSink interface {
	Reconcile(snapshot courier.Snapshot)
}

// ErrorSink receives failed fetches. It is called from the scheduler loop and
// must not block for long or call Stop.
type ErrorSink interface {
	ReportFetchError(ctx context.Context, err *courier.FetchError)
}

// ErrorSinkFunc adapts a function to ErrorSink.
type ErrorSinkFunc func(ctx context.Context, err *courier.FetchError)

func (f ErrorSinkFunc) ReportFetchError(ctx context.Context, err *courier.FetchError) { f(ctx, err) }

// Recorder is notified of every resolved fetch.
type Recorder interface {
	ObserveFetch(outcome string, d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) ObserveFetch(string, time.Duration) {}

// Options tune a Scheduler. Zero values fall back to the defaults.
type Options struct {
	Interval     time.Duration
	RetryDelay   time.Duration
	FetchTimeout time.Duration
	Clock        clockwork.Clock
	Logger       logging.Logger
	Metrics      Recorder
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = logging.Noop()
	}
	if o.Metrics == nil {
		o.Metrics = noopRecorder{}
	}
	return o
}

// State is the externally visible lifecycle of a Scheduler.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Scheduler polls a Fetcher on a fixed cadence and hands the latest
// successful snapshot to a sink.
//
// Ticks fire every Interval starting with an immediate one. A tick that fires
// while a fetch is still in flight supersedes it: the older result is dropped
// when it arrives. A failed fetch pauses the cadence; after RetryDelay a new
// fetch is issued and the cadence restarts from that moment.
type Scheduler struct {
	fetcher courier.Fetcher
	sink    SnapshotSink
	errs    ErrorSink
	opts    Options

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

type fetchResult struct {
	gen      uint64
	snapshot courier.Snapshot
	err      error
	took     time.Duration
}

// NewScheduler wires a fetcher to its sinks. errs may be nil.
func NewScheduler(fetcher courier.Fetcher, sink SnapshotSink, errs ErrorSink, opts Options) *Scheduler {
	return &Scheduler{
		fetcher: fetcher,
		sink:    sink,
		errs:    errs,
		opts:    opts.withDefaults(),
	}
}

// State reports where the scheduler is in its lifecycle.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start issues the first fetch immediately and keeps polling until Stop or
// until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := s.opts.Clock.NewTicker(s.opts.Interval)

	s.state = StateRunning
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, ticker, s.done)
	return nil
}

// Stop is terminal. When it returns no further snapshot or error will be
// delivered. Calling it from a sink deadlocks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	prev := s.state
	s.state = StateStopped
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if prev != StateRunning {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)

	var (
		gen     uint64
		results = make(chan fetchResult)
		tickC   = ticker.Chan()
		retry   clockwork.Timer
		retryC  <-chan time.Time
		log     = s.opts.Logger
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		if retry != nil {
			retry.Stop()
		}
	}()

	launch := func() {
		gen++
		go s.fetch(ctx, gen, results)
	}
	launch()

	for {
		select {
		case <-ctx.Done():
			return

		case <-tickC:
			launch()

		case <-retryC:
			retry, retryC = nil, nil
			ticker = s.opts.Clock.NewTicker(s.opts.Interval)
			tickC = ticker.Chan()
			launch()

		case res := <-results:
			if res.gen != gen {
				s.opts.Metrics.ObserveFetch(OutcomeStale, res.took)
				log.Debug(ctx, "discarding superseded fetch",
					logging.Uint64("generation", res.gen),
					logging.Uint64("current", gen))
				continue
			}
			if ctx.Err() != nil {
				return
			}

			if res.err != nil {
				s.opts.Metrics.ObserveFetch(OutcomeFailure, res.took)
				ticker.Stop()
				ticker, tickC = nil, nil
				retry = s.opts.Clock.NewTimer(s.opts.RetryDelay)
				retryC = retry.Chan()

				ferr := asFetchError(res.err, res.gen)
				log.Warn(ctx, "courier fetch failed; retrying",
					logging.Err(ferr.Cause),
					logging.Uint64("generation", res.gen),
					logging.String("retry_in", s.opts.RetryDelay.String()))
				if s.errs != nil {
					s.errs.ReportFetchError(ctx, ferr)
				}
				continue
			}

			s.opts.Metrics.ObserveFetch(OutcomeSuccess, res.took)
			log.Debug(ctx, "fetched couriers",
				logging.Int("count", len(res.snapshot)),
				logging.Uint64("generation", res.gen))
			s.sink.Reconcile(res.snapshot)
		}
	}
}

func (s *Scheduler) fetch(ctx context.Context, gen uint64, results chan<- fetchResult) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	start := time.Now()
	snapshot, err := s.fetcher.Fetch(cctx)
	res := fetchResult{gen: gen, snapshot: snapshot, err: err, took: time.Since(start)}

	select {
	case results <- res:
	case <-ctx.Done():
	}
}

func asFetchError(err error, gen uint64) *courier.FetchError {
	var fe *courier.FetchError
	if errors.As(err, &fe) {
		return &courier.FetchError{Generation: gen, Cause: fe.Cause}
	}
	return &courier.FetchError{Generation: gen, Cause: err}
}
