package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrDispatcherClosed is returned by Dispatch after Shutdown.
var ErrDispatcherClosed = errors.New("risk dispatcher is shut down")

// ErrQueueFull is returned by Dispatch when the queue has no room.
var ErrQueueFull = errors.New("risk analysis queue is full")

// Analyzer analyzes one session.
type Analyzer interface {
	AnalyzeSession(ctx context.Context, sessionID string) (*Analysis, error)
}

// Dispatcher runs session analyses on a bounded queue drained by a fixed
// worker pool. Analyses of the same session never overlap, and a session
// already waiting in the queue is not enqueued twice.
type Dispatcher struct {
	analyzer Analyzer
	timeout  time.Duration
	queue    chan string
	locks    *keyedMutex

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	pending  map[string]struct{}
	inflight int
	idle     chan struct{}
	closed   bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAnalysisTimeout bounds each analysis. Zero disables the bound.
func WithAnalysisTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.timeout = d }
}

// NewDispatcher starts workers goroutines draining a queue of queueSize.
func NewDispatcher(analyzer Analyzer, workers, queueSize int, opts ...DispatcherOption) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		analyzer: analyzer,
		timeout:  time.Minute,
		queue:    make(chan string, queueSize),
		locks:    newKeyedMutex(),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]struct{}),
		idle:     make(chan struct{}),
	}
	close(d.idle)
	for _, opt := range opts {
		opt(d)
	}

	g, gctx := errgroup.WithContext(ctx)
	d.group = g
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	return d
}

// Dispatch enqueues an analysis of sessionID without blocking. A session
// that is already queued is accepted without a second entry.
func (d *Dispatcher) Dispatch(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if _, ok := d.pending[sessionID]; ok {
		return nil
	}
	select {
	case d.queue <- sessionID:
	default:
		log.Warn().Str("session_id", sessionID).Msg("risk_dispatch_dropped")
		return ErrQueueFull
	}
	d.pending[sessionID] = struct{}{}
	if d.inflight == 0 {
		d.idle = make(chan struct{})
	}
	d.inflight++
	return nil
}

// Wait blocks until every accepted analysis has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of accepted analyses not yet finished.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

// Shutdown stops accepting work and drains the queue. When ctx ends first,
// in-flight analyses are cancelled and Shutdown returns ctx's error after
// the workers exit.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("risk dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for sessionID := range d.queue {
		d.run(ctx, sessionID)
	}
}

func (d *Dispatcher) run(ctx context.Context, sessionID string) {
	d.mu.Lock()
	delete(d.pending, sessionID)
	d.mu.Unlock()
	defer d.finish()

	if ctx.Err() != nil {
		return
	}

	unlock := d.locks.Lock(sessionID)
	defer unlock()

	actx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			recordAnalysisFailure(actx)
			log.Error().
				Str("session_id", sessionID).
				Interface("panic", r).
				Msg("risk_analysis_panicked")
		}
	}()

	if _, err := d.analyzer.AnalyzeSession(actx, sessionID); err != nil {
		recordAnalysisFailure(actx)
		log.Error().Err(err).
			Str("session_id", sessionID).
			Msg("risk_analysis_failed")
	}
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight--
	if d.inflight == 0 {
		close(d.idle)
	}
}

// keyedMutex hands out one mutex per key, dropping it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
