// Package runtime implements the top-level coordinator: it watches the
// notebook, schedules unscheduled automations, reacts to trigger events,
// runs the execution loop, and writes logs.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/beatrix-ha/beatrix/internal/execution"
	"github.com/beatrix-ha/beatrix/internal/hub"
	"github.com/beatrix-ha/beatrix/internal/llmloop"
	"github.com/beatrix-ha/beatrix/internal/model"
	"github.com/beatrix-ha/beatrix/internal/notebook"
	"github.com/beatrix-ha/beatrix/internal/scheduling"
	"github.com/beatrix-ha/beatrix/internal/store"
	"github.com/beatrix-ha/beatrix/internal/trigger"
)

// queueDepth is the default per-automation event queue depth.
const queueDepth = 16

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger overrides the runtime's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTestMode runs every execution job with call-service guarded but never
// contacting the hub.
func WithTestMode(testMode bool) Option {
	return func(r *Runtime) { r.testMode = testMode }
}

// WithVision configures the optional secondary vision provider.
func WithVision(v execution.VisionProvider) Option {
	return func(r *Runtime) { r.vision = v }
}

// WithWorkers overrides the fixed-size worker pool size (default
// runtime.NumCPU, minimum 2).
func WithWorkers(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithLoopConfig overrides the llmloop.Config used for both scheduling and
// execution jobs.
func WithLoopConfig(cfg llmloop.Config) Option {
	return func(r *Runtime) { r.loopConfig = cfg }
}

// WithProviderFactory lets automations carrying a leading "@model" directive
// run on a freshly constructed provider for the requested driver/model pair
// instead of the runtime's default instance. Without a factory, a directive
// only overrides the model name passed to the default provider.
func WithProviderFactory(f llmloop.ProviderFactory) Option {
	return func(r *Runtime) { r.factory = f }
}

// Runtime coordinates the notebook, signal store, trigger engine, and LLM
// tool-loop through the boot/reconcile/event-loop/notebook-watch lifecycle.
type Runtime struct {
	store    store.Store
	hub      hub.Hub
	notebook *notebook.Loader
	provider llmloop.LargeLanguageProvider
	factory  llmloop.ProviderFactory
	memory   *execution.Memory

	logger     *slog.Logger
	testMode   bool
	vision     execution.VisionProvider
	workers    int
	loopConfig llmloop.Config

	trigger *trigger.Engine

	mu          sync.Mutex
	automations map[string]model.Automation
	cues        map[string]model.Automation

	qmu     sync.Mutex
	queues  map[string]*hashQueue
	stopped bool

	sem chan struct{}
	wg  sync.WaitGroup
}

type jobKind int

const (
	jobScheduling jobKind = iota
	jobExecution
)

type job struct {
	kind   jobKind
	hash   string
	signal *model.Signal
	isCue  bool
}

type hashQueue struct {
	mu      sync.Mutex
	pending []job
	running bool
}

// New creates a Runtime. provider serves both scheduling and execution
// conversations; callers who need different models per job type should wrap
// provider accordingly.
func New(st store.Store, h hub.Hub, nb *notebook.Loader, provider llmloop.LargeLanguageProvider, opts ...Option) *Runtime {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	r := &Runtime{
		store:       st,
		hub:         h,
		notebook:    nb,
		provider:    provider,
		memory:      execution.NewMemory(nb.MemoryPath()),
		logger:      slog.Default(),
		workers:     workers,
		automations: make(map[string]model.Automation),
		cues:        make(map[string]model.Automation),
		queues:      make(map[string]*hashQueue),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sem = make(chan struct{}, r.workers)
	return r
}

// Boot scans the notebook, reconstitutes the trigger engine from alive
// signals, reconciles any automation with no alive signal, then starts the
// event loop and notebook watch.
func (r *Runtime) Boot(ctx context.Context) error {
	if err := r.loadNotebook(); err != nil {
		return fmt.Errorf("runtime: boot: notebook scan: %w", err)
	}

	r.trigger = trigger.New(r.store, r.hub, trigger.WithLogger(r.logger))
	if err := r.trigger.Start(ctx); err != nil {
		return fmt.Errorf("runtime: boot: start trigger engine: %w", err)
	}

	go r.consumeFired(ctx)
	r.reconcile(ctx)

	if err := r.notebook.Watch(ctx, func() {
		if err := r.rescan(ctx); err != nil {
			r.logger.Error("runtime: notebook rescan failed", "error", err)
		}
	}); err != nil {
		r.logger.Warn("runtime: notebook watch unavailable", "error", err)
	}

	return nil
}

// Shutdown stops accepting new jobs, waits (bounded by ctx) for in-flight
// jobs to finish, then checkpoints the store. Callers should derive ctx
// with their desired grace-period timeout.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.qmu.Lock()
	r.stopped = true
	r.qmu.Unlock()

	if r.notebook != nil {
		_ = r.notebook.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("runtime: shutdown grace period exceeded, in-flight jobs abandoned")
	}

	return r.store.Checkpoint(context.Background())
}

// FireCue enqueues an execution job for a cue. Cues never schedule
// signals and only run via this explicit call.
func (r *Runtime) FireCue(ctx context.Context, hash string) error {
	r.mu.Lock()
	_, ok := r.cues[hash]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: fire cue: unknown cue hash %q", hash)
	}
	r.enqueue(job{kind: jobExecution, hash: hash, isCue: true})
	return nil
}

func (r *Runtime) getAutomation(hash string) (model.Automation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.automations[hash]
	return a, ok
}

func (r *Runtime) getCue(hash string) (model.Automation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.cues[hash]
	return a, ok
}

func (r *Runtime) knownEntities(ctx context.Context) []string {
	states, err := r.hub.FetchStates(ctx)
	if err != nil {
		r.logger.Warn("runtime: known entities: fetch states failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, s.EntityID)
	}
	return out
}

func (r *Runtime) schedulingSuite(hash string) *scheduling.Suite {
	return &scheduling.Suite{
		Store:          r.store,
		AutomationHash: hash,
		KnownEntities:  r.knownEntities,
	}
}

func (r *Runtime) executionSuite(logID string) *execution.Suite {
	return &execution.Suite{
		Hub:             r.hub,
		Store:           r.store,
		AutomationLogID: logID,
		TestMode:        r.testMode,
		Memory:          r.memory,
		Vision:          r.vision,
	}
}

func newLogID() string { return uuid.NewString() }
