package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"oss.nandlabs.io/golly/pool"

	"orchestra/internal/controller"
)

// Pool is a fixed-size set of identically-configured Workers sharing one
// Controller, for vertical scaling within a single process. Its workers
// also share a bounded execution-slot pool: normally size jobs run at
// once (one per worker), but a configured Overflow lets the pool borrow
// extra concurrent executions under load, up to Size+Overflow, before a
// worker blocks waiting for a slot.
type Pool struct {
	ctrl     controller.Controller
	size     int
	overflow int
	slotWait time.Duration
	opts     Options
	log      zerolog.Logger

	mu          sync.Mutex
	jobTypes    map[string]JobType
	workers     map[string]*Worker
	slots       pool.Pool[struct{}]
	initialized bool
}

// NewPool returns a Pool of size workers against ctrl, additionally
// willing to run up to overflow jobs beyond size concurrently (0 disables
// overflow), each waiting up to slotWait for a free slot before its
// worker gives up on the job it just claimed. Call RegisterJobType for
// every job type the pool should handle before Start or Init.
func NewPool(ctrl controller.Controller, size, overflow int, slotWait time.Duration, opts Options, log zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if overflow < 0 {
		overflow = 0
	}
	if slotWait <= 0 {
		slotWait = 30 * time.Second
	}
	return &Pool{
		ctrl:     ctrl,
		size:     size,
		overflow: overflow,
		slotWait: slotWait,
		opts:     opts,
		log:      log,
		jobTypes: map[string]JobType{},
	}
}

// RegisterJobType adds a job type to the map every worker in the pool is
// constructed with. Registering after Init has no effect on already-built
// workers; call it before Init (Start calls Init automatically).
func (p *Pool) RegisterJobType(jobType string, fn JobType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobTypes[jobType] = fn
}

// Init constructs the pool's workers and shared slot pool from the
// currently registered job types. Calling Init twice is an error.
func (p *Pool) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return fmt.Errorf("worker pool is already initialized")
	}

	slots, err := pool.NewPool(
		func() (struct{}, error) { return struct{}{}, nil },
		nil,
		p.size, p.size+p.overflow, int(p.slotWait.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("building execution-slot pool: %w", err)
	}
	if err := slots.Start(); err != nil {
		return fmt.Errorf("starting execution-slot pool: %w", err)
	}
	p.slots = slots

	jobTypes := make(map[string]JobType, len(p.jobTypes))
	for name, fn := range p.jobTypes {
		jobTypes[name] = fn
	}
	p.workers = make(map[string]*Worker, p.size)
	for i := 0; i < p.size; i++ {
		w := New(p.ctrl, jobTypes, "", p.opts, p.log)
		w.SetSlots(p.slots)
		p.workers[w.Name()] = w
	}
	p.initialized = true
	return nil
}

// Close releases the pool's shared execution-slot pool. Call after Stop.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized || p.slots == nil {
		return nil
	}
	return p.slots.Close()
}

// Workers returns a snapshot of the pool's workers, keyed by name. Returns
// nil if the pool has not been initialized yet.
func (p *Pool) Workers() map[string]*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil
	}
	out := make(map[string]*Worker, len(p.workers))
	for k, v := range p.workers {
		out[k] = v
	}
	return out
}

// Start initializes the pool if needed and starts every stopped worker.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		if err := p.Init(); err != nil {
			p.log.Error().Err(err).Msg("failed to initialize worker pool")
			return
		}
		p.mu.Lock()
	}
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		if w.State() != StateStopped {
			continue
		}
		w.Start(ctx)
	}
}

// Stop stops every worker, waiting for each if block is true. Stop is
// requested for all workers up front so a blocking wait on one doesn't
// delay the request reaching the others.
func (p *Pool) Stop(block bool) {
	p.forEachWorker(func(w *Worker) { w.Stop(false) })
	if block {
		p.forEachWorker(func(w *Worker) { w.Stop(true) })
	}
}

// StopOnIdle asks every worker to stop once its queue is empty.
func (p *Pool) StopOnIdle(block bool) {
	p.forEachWorker(func(w *Worker) { w.StopOnIdle(false) })
	if block {
		p.forEachWorker(func(w *Worker) { w.StopOnIdle(true) })
	}
}

// Kill aborts whatever every worker is currently running, attributing it
// to origin/reason, then stops the pool.
func (p *Pool) Kill(origin, reason string, block bool) {
	p.forEachWorker(func(w *Worker) { w.Kill(origin, reason) })
	p.Stop(block)
}

func (p *Pool) forEachWorker(fn func(*Worker)) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return
	}
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			fn(w)
		}(w)
	}
	wg.Wait()
}
