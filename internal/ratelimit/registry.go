package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Capability names a protected, cost-bearing operation.
type Capability string

const (
	CapabilitySessionToken    Capability = "session_token"
	CapabilityTextGeneration  Capability = "text_generation"
	CapabilitySpeechSynthesis Capability = "speech_synthesis"
	CapabilityTranscription   Capability = "transcription"
)

// DefaultSweepInterval is how often the registry evicts stale buckets.
const DefaultSweepInterval = 5 * time.Minute

// Policy is the quota applied to one capability.
type Policy struct {
	Capability Capability    `json:"capability"`
	Capacity   int           `json:"capacity"`
	Window     time.Duration `json:"window"`
}

// DefaultPolicies returns the shipped quotas. Session-token issuance is the
// tightest and transcription the loosest.
func DefaultPolicies() []Policy {
	return []Policy{
		{Capability: CapabilitySessionToken, Capacity: 5, Window: time.Minute},
		{Capability: CapabilityTextGeneration, Capacity: 10, Window: time.Minute},
		{Capability: CapabilitySpeechSynthesis, Capacity: 20, Window: time.Minute},
		{Capability: CapabilityTranscription, Capacity: 30, Window: time.Minute},
	}
}

// Registry holds one Controller per capability and runs the reclamation sweep.
// Nothing runs in the background until Start is called.
type Registry struct {
	policies    []Policy
	controllers map[Capability]*Controller

	sweepInterval time.Duration
	clock         Clock
	logger        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type registryOptions struct {
	keyFunc       KeyFunc
	grace         time.Duration
	scaleGrace    bool
	sweepInterval time.Duration
	clock         Clock
	logger        *slog.Logger
	shards        int
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

// WithKeyFunc sets the key derivation used by every controller.
func WithKeyFunc(fn KeyFunc) RegistryOption {
	return func(o *registryOptions) { o.keyFunc = fn }
}

// WithEvictionGrace sets the fixed eviction grace for every controller.
func WithEvictionGrace(d time.Duration) RegistryOption {
	return func(o *registryOptions) { o.grace = d }
}

// WithScaledGrace makes each controller use its own window as eviction grace.
func WithScaledGrace(scale bool) RegistryOption {
	return func(o *registryOptions) { o.scaleGrace = scale }
}

// WithSweepInterval sets how often stale buckets are evicted.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(o *registryOptions) { o.sweepInterval = d }
}

// WithClock sets the clock used by Allow and the sweep.
func WithClock(c Clock) RegistryOption {
	return func(o *registryOptions) { o.clock = c }
}

// WithLogger sets the logger for sweep activity.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(o *registryOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithShards sets the store shard count of every controller.
func WithShards(n int) RegistryOption {
	return func(o *registryOptions) { o.shards = n }
}

// NewRegistry builds a controller for each policy. Duplicate capabilities and
// malformed quotas are rejected.
func NewRegistry(policies []Policy, opts ...RegistryOption) (*Registry, error) {
	o := registryOptions{
		sweepInterval: DefaultSweepInterval,
		clock:         SystemClock,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sweepInterval <= 0 {
		return nil, fmt.Errorf("%w: sweep interval must be positive, got %s", ErrInvalidConfig, o.sweepInterval)
	}

	r := &Registry{
		policies:      make([]Policy, 0, len(policies)),
		controllers:   make(map[Capability]*Controller, len(policies)),
		sweepInterval: o.sweepInterval,
		clock:         o.clock,
		logger:        o.logger,
	}

	for _, p := range policies {
		if _, dup := r.controllers[p.Capability]; dup {
			return nil, fmt.Errorf("%w: duplicate capability %q", ErrInvalidConfig, p.Capability)
		}
		c, err := NewController(Config{
			Name:          string(p.Capability),
			Capacity:      p.Capacity,
			Window:        p.Window,
			KeyFunc:       o.keyFunc,
			EvictionGrace: o.grace,
			ScaleGrace:    o.scaleGrace,
			Clock:         o.clock,
			Shards:        o.shards,
		})
		if err != nil {
			return nil, err
		}
		r.controllers[p.Capability] = c
		r.policies = append(r.policies, p)
	}

	return r, nil
}

// Get returns the controller guarding capability.
func (r *Registry) Get(capability Capability) (*Controller, error) {
	c, ok := r.controllers[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
	}
	return c, nil
}

// Policies returns the configured quotas in construction order.
func (r *Registry) Policies() []Policy {
	out := make([]Policy, len(r.policies))
	copy(out, r.policies)
	return out
}

// Stats returns bucket statistics per capability.
func (r *Registry) Stats() map[Capability]StoreStats {
	out := make(map[Capability]StoreStats, len(r.controllers))
	for name, c := range r.controllers {
		out[name] = c.Stats()
	}
	return out
}

// Sweep runs one reclamation pass over every controller at now.
func (r *Registry) Sweep(now time.Time) int {
	names := make([]string, 0, len(r.controllers))
	for name := range r.controllers {
		names = append(names, string(name))
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		total += r.sweepOne(Capability(name), now)
	}
	return total
}

// sweepOne evicts for one controller. A panic is logged and swallowed so the
// next interval still runs.
func (r *Registry) sweepOne(name Capability, now time.Time) (removed int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("rate limit sweep failed",
				slog.String("capability", string(name)),
				slog.Any("panic", rec))
			removed = 0
		}
	}()

	removed = r.controllers[name].Sweep(now)
	if removed > 0 {
		r.logger.Debug("rate limit buckets evicted",
			slog.String("capability", string(name)),
			slog.Int("removed", removed))
	}
	return removed
}

// Start launches the periodic sweep. It returns immediately; the sweep runs
// until Stop is called or ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	r.logger.Info("rate limit sweep started", slog.Duration("interval", r.sweepInterval))
	go r.loop(ctx, cancel, r.done)
	return nil
}

// Stop cancels the sweep and waits for it to exit. It is safe to call more
// than once and before Start.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("rate limit sweep stopped")
}

// Run returns a function suitable for errgroup.Group.Go. It sweeps until ctx
// is cancelled, then stops and returns nil.
func (r *Registry) Run(ctx context.Context) func() error {
	return func() error {
		if err := r.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		r.Stop()
		return nil
	}
}

// loop clears the running state on exit so a sweep ended by its parent
// context can be started again without an explicit Stop.
func (r *Registry) loop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		if r.done == done {
			r.cancel, r.done = nil, nil
		}
		r.mu.Unlock()
		cancel()
		close(done)
	}()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.clock.Now())
		}
	}
}
