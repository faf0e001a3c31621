// Package syncer coordinates synchronization between the local entity store
// and the remote backend: pull (fetch-and-merge), push (queue drain), retry
// with capped exponential backoff, and full resync. One worker goroutine owns
// each entity-type channel, so at most one pull+push cycle is ever in flight
// per type; requests arriving mid-cycle coalesce into a single follow-up run.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/entity"
	"github.com/hyperengineering/tether/internal/events"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/store"
)

// State is the observable phase of one entity-type sync channel.
type State string

const (
	StateIdle    State = "idle"
	StatePulling State = "pulling"
	StateMerging State = "merging"
	StatePushing State = "pushing"
)

// Store defines the store operations the orchestrator needs.
// Implemented by store.SQLiteStore.
type Store interface {
	Get(ctx context.Context, entityType, id string) (*entity.Entity, error)
	WithTx(ctx context.Context, fn func(tx *store.Tx) error) error
	DequeueBatch(ctx context.Context, entityType string, max int) ([]entity.QueueItem, error)
	MarkSucceeded(ctx context.Context, item entity.QueueItem, serverID string, version int64, etag string) error
	MarkFailed(ctx context.Context, item entity.QueueItem, cause string, nextAttempt time.Time) (bool, error)
	MarkConflicted(ctx context.Context, item entity.QueueItem) error
	MarkTerminalFailure(ctx context.Context, item entity.QueueItem, cause string) error
	NextEligibleAt(ctx context.Context, entityType string) (time.Time, bool, error)
	GetSyncState(ctx context.Context, entityType string) (store.SyncState, error)
	SetCursor(ctx context.Context, entityType, cursor string) error
	ClearCursor(ctx context.Context, entityType string) error
	RecordSyncFailure(ctx context.Context, entityType string) (int, error)
}

// Options tune the orchestrator's retry and batching behavior.
type Options struct {
	// BatchSize caps how many queue items one push pass dispatches.
	BatchSize int

	// BackoffBase is the first retry delay; it doubles per retry up to
	// BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// FetchAttempts bounds transient retries of a single fetch call within
	// one pull.
	FetchAttempts int

	// MaxRetries is the push retry budget applied to queue items that carry
	// none of their own.
	MaxRetries int

	// ResyncFailureThreshold is the failure streak after which the change
	// cursor is discarded and the next cycle refetches everything.
	ResyncFailureThreshold int
}

// DefaultOptions are the tuning values used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		BatchSize:              50,
		BackoffBase:            time.Second,
		BackoffCap:             5 * time.Minute,
		FetchAttempts:          3,
		MaxRetries:             5,
		ResyncFailureThreshold: 10,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = def.BackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = def.BackoffCap
	}
	if o.FetchAttempts <= 0 {
		o.FetchAttempts = def.FetchAttempts
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.ResyncFailureThreshold <= 0 {
		o.ResyncFailureThreshold = def.ResyncFailureThreshold
	}
	return o
}

// typeChannel is the per-entity-type sync lane.
type typeChannel struct {
	entityType string

	// trigger is buffered with size one: a request during a running cycle
	// parks exactly one follow-up instead of stacking cycles.
	trigger chan struct{}

	wantPull   atomic.Bool
	wantResync atomic.Bool
	state      atomic.Value // State
}

func (c *typeChannel) setState(s State) { c.state.Store(s) }

func (c *typeChannel) getState() State {
	if v := c.state.Load(); v != nil {
		return v.(State)
	}
	return StateIdle
}

// Orchestrator drives sync cycles for all registered entity types.
type Orchestrator struct {
	store   Store
	client  remote.Client
	creds   remote.CredentialProvider
	network NetworkMonitor
	clk     clock.Clock
	bus     *events.Bus
	opts    Options

	mu       sync.Mutex
	channels map[string]*typeChannel
	running  bool
}

// New creates an orchestrator. network, clk, and bus may be nil; they default
// to always-online, the system clock, and no notifications.
func New(s Store, client remote.Client, creds remote.CredentialProvider, network NetworkMonitor, clk clock.Clock, bus *events.Bus, opts Options) *Orchestrator {
	if network == nil {
		network = AlwaysOnline{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Orchestrator{
		store:    s,
		client:   client,
		creds:    creds,
		network:  network,
		clk:      clk,
		bus:      bus,
		opts:     opts.withDefaults(),
		channels: make(map[string]*typeChannel),
	}
}

// Register adds an entity type to be synchronized. Must be called before Run.
func (o *Orchestrator) Register(entityType string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		panic("syncer: Register after Run")
	}
	if _, ok := o.channels[entityType]; ok {
		return
	}
	ch := &typeChannel{
		entityType: entityType,
		trigger:    make(chan struct{}, 1),
	}
	ch.setState(StateIdle)
	ch.wantPull.Store(true) // first cycle always pulls
	o.channels[entityType] = ch
}

// Run starts one worker per registered entity type plus the connectivity
// listener, then blocks until ctx is cancelled and all workers have drained.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	o.running = true
	channels := make([]*typeChannel, 0, len(o.channels))
	for _, ch := range o.channels {
		channels = append(channels, ch)
	}
	o.mu.Unlock()

	slog.Info("sync orchestrator started",
		"component", "syncer",
		"entity_types", len(channels),
	)

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch *typeChannel) {
			defer wg.Done()
			o.runChannel(ctx, ch)
		}(ch)
		// Kick off the initial cycle opportunistically.
		o.TriggerSync(ch.entityType)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.watchConnectivity(ctx)
	}()

	wg.Wait()
	slog.Info("sync orchestrator stopped", "component", "syncer", "reason", "context_cancelled")
}

// TriggerSync requests a full pull+push cycle for an entity type. Non-blocking;
// a request during a running cycle coalesces into one follow-up run.
func (o *Orchestrator) TriggerSync(entityType string) {
	if ch := o.channel(entityType); ch != nil {
		ch.wantPull.Store(true)
		ch.fire()
	}
}

// TriggerPush requests a push-only cycle, used when a local mutation was just
// enqueued and no pull is needed.
func (o *Orchestrator) TriggerPush(entityType string) {
	if ch := o.channel(entityType); ch != nil {
		ch.fire()
	}
}

// TriggerFullResync discards the change cursor so the next cycle refetches
// the complete authoritative list.
func (o *Orchestrator) TriggerFullResync(entityType string) {
	if ch := o.channel(entityType); ch != nil {
		ch.wantResync.Store(true)
		ch.wantPull.Store(true)
		ch.fire()
	}
}

// ChannelState returns the current phase of an entity type's sync channel.
func (o *Orchestrator) ChannelState(entityType string) State {
	if ch := o.channel(entityType); ch != nil {
		return ch.getState()
	}
	return StateIdle
}

func (o *Orchestrator) channel(entityType string) *typeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channels[entityType]
}

func (c *typeChannel) fire() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// runChannel is the worker loop for one entity type.
func (o *Orchestrator) runChannel(ctx context.Context, ch *typeChannel) {
	var wake <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.trigger:
		case <-wake:
		}
		wake = nil

		o.runCycle(ctx, ch)
		if ctx.Err() != nil {
			return
		}

		// Items parked behind a backoff window need a scheduled wake-up, not
		// a busy wait.
		if at, ok, err := o.store.NextEligibleAt(ctx, ch.entityType); err == nil && ok {
			d := at.Sub(o.clk.Now())
			if d < o.opts.BackoffBase {
				d = o.opts.BackoffBase
			}
			wake = o.clk.After(d)
		}
	}
}

// runCycle executes one pull+push pass. Network-down short-circuits to a
// no-op that preserves all queue state.
func (o *Orchestrator) runCycle(ctx context.Context, ch *typeChannel) {
	defer ch.setState(StateIdle)

	if !o.network.Online() {
		slog.Debug("sync skipped, offline",
			"component", "syncer",
			"entity_type", ch.entityType,
		)
		return
	}

	var cycleErr error

	if ch.wantPull.Swap(false) {
		if ch.wantResync.Swap(false) {
			if err := o.store.ClearCursor(ctx, ch.entityType); err != nil {
				slog.Error("failed to clear cursor for resync",
					"component", "syncer",
					"entity_type", ch.entityType,
					"error", err,
				)
			} else {
				slog.Info("full resync requested",
					"component", "syncer",
					"entity_type", ch.entityType,
				)
			}
		}
		cycleErr = o.pull(ctx, ch)
	}

	if ctx.Err() != nil {
		return
	}

	if err := o.push(ctx, ch); err != nil {
		cycleErr = err
	}

	if ctx.Err() != nil {
		return
	}

	if cycleErr != nil {
		streak, err := o.store.RecordSyncFailure(ctx, ch.entityType)
		if err != nil {
			slog.Error("failed to record sync failure",
				"component", "syncer",
				"entity_type", ch.entityType,
				"error", err,
			)
			return
		}
		slog.Warn("sync cycle failed",
			"component", "syncer",
			"entity_type", ch.entityType,
			"failure_streak", streak,
			"error", cycleErr,
		)
		if streak >= o.opts.ResyncFailureThreshold {
			slog.Warn("failure streak exceeded threshold, scheduling full resync",
				"component", "syncer",
				"entity_type", ch.entityType,
				"failure_streak", streak,
			)
			ch.wantResync.Store(true)
			ch.wantPull.Store(true)
		}
	}
}

// watchConnectivity resumes full cycles for every channel when the network
// comes back.
func (o *Orchestrator) watchConnectivity(ctx context.Context) {
	changes := o.network.Changes()
	if changes == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-changes:
			if !ok {
				return
			}
			if !online {
				continue
			}
			slog.Info("network restored, resuming sync", "component", "syncer")
			o.mu.Lock()
			for _, ch := range o.channels {
				ch.wantPull.Store(true)
				ch.fire()
			}
			o.mu.Unlock()
		}
	}
}

// backoffDelay is the retry delay before attempt retryCount+1: base doubled
// per prior retry, capped.
func backoffDelay(base, cap time.Duration, retryCount int) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
