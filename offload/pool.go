package offload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keymint/keyforge/keymat"
	"github.com/keymint/keyforge/seedsource"
)

const (
	// DefaultWorkers bounds concurrent derivations. A resource bound, not
	// a correctness requirement.
	DefaultWorkers = 2

	// DefaultGracePeriod is how long Close waits for in-flight stages.
	DefaultGracePeriod = 2 * time.Second

	queueDepth = 16
)

var (
	ErrPoolClosed = errors.New("offload: worker pool closed")
	ErrQueueFull  = errors.New("offload: worker queue full")
)

type Config struct {
	// Workers is the pool size. Defaults to DefaultWorkers.
	Workers int

	// Seeds converts seed sources to seed bytes. Required.
	Seeds seedsource.Deriver

	// Keys derives RSA keys from seeds. Required.
	Keys *keymat.Deriver

	Logger *slog.Logger

	// GracePeriod bounds how long Close waits for workers to observe
	// cancellation between stages. Defaults to DefaultGracePeriod.
	GracePeriod time.Duration
}

// Pool runs derivation requests on background goroutines. Each worker
// handles one request at a time; dispatch drains higher priorities first.
// Cancellation is cooperative: workers check for shutdown between stages
// only, and once they observe it they stop emitting for in-flight
// requests.
type Pool struct {
	seeds  seedsource.Deriver
	keys   *keymat.Deriver
	logger *slog.Logger
	grace  time.Duration

	high   chan *task
	normal chan *task
	low    chan *task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	// mu orders Submit enqueues against the Close drain: a Submit that
	// passed the closed check finishes enqueueing before Close drains.
	mu sync.RWMutex
}

type task struct {
	req        Request
	onProgress func(Progress)

	// terminal receives exactly one Result or Error, or is closed without
	// a message when the worker aborted (shutdown or panic).
	terminal chan Message
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.Seeds == nil {
		return nil, fmt.Errorf("offload: seed deriver is required")
	}

	if cfg.Keys == nil {
		return nil, fmt.Errorf("offload: key deriver is required")
	}

	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}

	if cfg.Workers < 0 {
		return nil, fmt.Errorf("offload: worker count must be positive, got %d", cfg.Workers)
	}

	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		seeds:  cfg.Seeds,
		keys:   cfg.Keys,
		logger: cfg.Logger,
		grace:  cfg.GracePeriod,
		high:   make(chan *task, queueDepth),
		normal: make(chan *task, queueDepth),
		low:    make(chan *task, queueDepth),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p, nil
}

// Submit queues a request. The returned channel carries the terminal
// message; it is closed without a message if the worker aborts, which
// callers must treat as worker failure.
func (p *Pool) Submit(req Request, onProgress func(Progress)) (<-chan Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	if !req.Priority.valid() {
		req.Priority = PriorityNormal
	}

	t := &task{
		req:        req,
		onProgress: onProgress,
		terminal:   make(chan Message, 1),
	}

	queue := p.normal
	switch req.Priority {
	case PriorityHigh:
		queue = p.high
	case PriorityLow:
		queue = p.low
	}

	select {
	case queue <- t:
		return t.terminal, nil
	default:
		return nil, ErrQueueFull
	}
}

// Close stops accepting requests, signals workers, and waits up to the
// grace period for them to observe cancellation. Tasks still queued when
// the workers stop are abandoned: their terminal channels are closed so
// waiters observe the abort and fall back.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.grace):
		p.logger.Warn("workers did not stop within grace period")
	}

	p.mu.Lock()
	p.drainQueues()
	p.mu.Unlock()
}

func (p *Pool) drainQueues() {
	for _, queue := range []chan *task{p.high, p.normal, p.low} {
	drain:
		for {
			select {
			case t := <-queue:
				p.logger.Warn("abandoning queued request on shutdown", "request_id", t.req.ID)
				close(t.terminal)
			default:
				break drain
			}
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		// drain high priority before considering the rest
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.high:
			p.run(t)
			continue
		default:
		}

		select {
		case <-p.ctx.Done():
			return
		case t := <-p.high:
			p.run(t)
		case t := <-p.normal:
			p.run(t)
		case t := <-p.low:
			p.run(t)
		}
	}
}

func (p *Pool) shuttingDown() bool {
	return p.ctx.Err() != nil
}

func (p *Pool) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panicked", "request_id", t.req.ID, "panic", r)
			close(t.terminal)
		}
	}()

	km, aborted, err := runStages(t.req.ID, t.req.SeedSource, p.seeds, p.keys, t.onProgress, p.shuttingDown)
	if aborted {
		// shutdown observed between stages: no further messages for this ID
		close(t.terminal)
		return
	}

	if err != nil {
		t.terminal <- newError(t.req.ID, err)
		return
	}

	t.terminal <- newResult(t.req.ID, km)
}

// runStages executes the derivation pipeline, emitting staged progress in
// the mandated order. cancelled (may be nil) is consulted between stages;
// when it reports true the pipeline stops and the outcome is discarded.
func runStages(
	id string,
	seedSource string,
	seeds seedsource.Deriver,
	keys *keymat.Deriver,
	onProgress func(Progress),
	cancelled func() bool,
) (*keymat.KeyMaterial, bool, error) {
	start := time.Now()

	emit := func(stage Stage, pct int) {
		if onProgress == nil {
			return
		}

		onProgress(newProgress(id, stage, pct, estimateRemainingMs(start, pct)))
	}

	check := func() bool {
		return cancelled != nil && cancelled()
	}

	emit(StageInitialization, 0)
	if check() {
		return nil, true, nil
	}

	seed, err := seeds.DeriveSeed(seedSource)
	if err != nil {
		return nil, false, err
	}

	emit(StageSeedGeneration, 25)
	if check() {
		return nil, true, nil
	}

	key, err := keys.KeyFromSeed(seed)
	if err != nil {
		return nil, false, err
	}

	emit(StageKeyGeneration, 50)
	if check() {
		return nil, true, nil
	}

	km, err := keymat.FromKey(key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", keymat.ErrDerivationFailed, err)
	}

	emit(StageJWKConversion, 75)
	if check() {
		return nil, true, nil
	}

	emit(StageComplete, 100)

	return km, false, nil
}

// estimateRemainingMs extrapolates remaining time from elapsed time and
// completed percentage. Zero when no basis exists yet.
func estimateRemainingMs(start time.Time, pct int) int64 {
	if pct <= 0 || pct >= 100 {
		return 0
	}

	elapsed := time.Since(start)

	return int64(float64(elapsed.Milliseconds()) * float64(100-pct) / float64(pct))
}
