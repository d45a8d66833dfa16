// Package syncer reconciles the local store with the central store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rpggio/outpost/internal/central"
	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/queue"
	"github.com/rpggio/outpost/internal/repository"
	"github.com/rpggio/outpost/internal/transport"
)

// Central is the remote side of synchronization.
type Central interface {
	PullAccounts(ctx context.Context, since time.Time) ([]target.Account, error)
	PullRules(ctx context.Context, since time.Time) ([]safety.Rule, error)
	PullTargets(ctx context.Context, since time.Time) ([]target.Target, error)
	PushActivities(ctx context.Context, batch []activity.Envelope) (central.PushResult, error)
}

// Writer serializes store mutations. *queue.Queue implements it.
type Writer interface {
	Do(ctx context.Context, name string, fn queue.Job) error
}

// Broadcaster fans events out to connected gate sessions.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// Options configures an Engine.
type Options struct {
	PullInterval time.Duration
	PushInterval time.Duration
	BatchSize    int
	RetryBase    time.Duration
	RetryMax     time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

func (o *Options) setDefaults() {
	if o.PullInterval <= 0 {
		o.PullInterval = time.Minute
	}
	if o.PushInterval <= 0 {
		o.PushInterval = time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 5 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 10 * time.Minute
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = o.RetryBase
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine runs pull and push cycles on one goroutine.
type Engine struct {
	central Central
	log     repository.ActivityLog
	refs    repository.ReferenceStore
	writer  Writer
	opts    Options
	logger  *slog.Logger

	trigger chan struct{}

	mu          sync.Mutex
	status      Status
	broadcaster Broadcaster
}

// New creates an engine. Mutations of log and refs go through writer.
func New(c Central, log repository.ActivityLog, refs repository.ReferenceStore, writer Writer, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		central: c,
		log:     log,
		refs:    refs,
		writer:  writer,
		opts:    opts,
		logger:  opts.Logger,
		trigger: make(chan struct{}, 1),
		status:  Status{State: StateIdle},
	}
}

// SetBroadcaster installs the event sink. It may be nil.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcaster = b
}

// Trigger requests an early push. It never blocks.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx ends. Errors are recorded in the status and never
// stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	pullTimer := time.NewTimer(0)
	pushTimer := time.NewTimer(0)
	defer pullTimer.Stop()
	defer pushTimer.Stop()

	e.logger.Info("sync engine started",
		"pull_interval", e.opts.PullInterval,
		"push_interval", e.opts.PushInterval,
		"batch_size", e.opts.BatchSize)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopped")
			return nil
		case <-pullTimer.C:
			pullTimer.Reset(e.cycle(ctx, StatePulling, e.opts.PullInterval, e.Pull))
		case <-pushTimer.C:
			pushTimer.Reset(e.cycle(ctx, StatePushing, e.opts.PushInterval, e.pushAll))
		case <-e.trigger:
			pushTimer.Reset(e.cycle(ctx, StatePushing, e.opts.PushInterval, e.pushAll))
		}
	}
}

// RunOnce performs one pull and one push.
func (e *Engine) RunOnce(ctx context.Context) error {
	pullErr := e.Pull(ctx)
	e.finish(StatePulling, pullErr, e.opts.PullInterval)
	pushErr := e.pushAll(ctx)
	e.finish(StatePushing, pushErr, e.opts.PushInterval)
	return errors.Join(pullErr, pushErr)
}

func (e *Engine) cycle(ctx context.Context, state State, interval time.Duration, fn func(context.Context) error) time.Duration {
	if ctx.Err() != nil {
		return interval
	}
	e.setState(state)
	start := time.Now()
	err := fn(ctx)
	cycleDuration.WithLabelValues(string(state)).Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		return interval
	}
	return e.finish(state, err, interval)
}

// finish records the outcome of a cycle in that phase's status and
// returns the delay before the next cycle of the same kind.
func (e *Engine) finish(state State, err error, interval time.Duration) time.Duration {
	e.mu.Lock()
	now := e.opts.Now().UTC()
	phase := &e.status.Pull
	if state == StatePushing {
		phase = &e.status.Push
	}
	phase.LastRun = now

	var delay time.Duration
	if err == nil {
		phase.LastSuccess = now
		phase.ConsecutiveFailures = 0
		phase.CurrentBackoff = 0
		phase.LastError = ""
		phase.Fatal = false
		delay = interval
	} else {
		phase.ConsecutiveFailures++
		delay = Backoff(phase.ConsecutiveFailures, e.opts.RetryBase, e.opts.RetryMax)
		phase.CurrentBackoff = delay
		phase.LastError = err.Error()
		phase.Fatal = errors.Is(err, central.ErrStructural)
		cycleFailures.WithLabelValues(string(state)).Inc()
	}
	phase.NextAttempt = now.Add(delay)
	backoffSeconds.WithLabelValues(string(state)).Set(phase.CurrentBackoff.Seconds())
	failures := phase.ConsecutiveFailures
	fatal := phase.Fatal

	e.status.aggregate()
	e.status.State = StateIdle
	if e.status.Pull.failing() || e.status.Push.failing() {
		e.status.State = StateBackoff
	}
	snapshot := e.status
	b := e.broadcaster
	e.mu.Unlock()

	if err != nil {
		level := slog.LevelWarn
		if fatal {
			level = slog.LevelError
		}
		e.logger.Log(context.Background(), level, "sync cycle failed",
			"phase", string(state),
			"failures", failures,
			"backoff", delay,
			"error", err)
	}
	if b != nil {
		b.Broadcast(transport.EventSyncStatus, snapshot)
	}
	return delay
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.State = state
}

// Backoff returns min(base * 2^(failures-1), max).
func Backoff(failures int, base, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := base
	for i := 1; i < failures; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

func (e *Engine) broadcast(event string, data any) {
	e.mu.Lock()
	b := e.broadcaster
	e.mu.Unlock()
	if b != nil {
		b.Broadcast(event, data)
	}
}

func wrapCentral(op string, err error) error {
	return central.Classify(fmt.Errorf("%s: %w", op, err))
}
