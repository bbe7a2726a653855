package outpost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// EngineState is the sync engine's coarse lifecycle state.
type EngineState int

const (
	// StateOffline means no connectivity has been observed.
	StateOffline EngineState = iota
	// StateIdle means the engine is online and waiting for a trigger.
	StateIdle
	// StateSyncing means a sync cycle is in progress.
	StateSyncing
)

// String returns a stable name for the state.
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	default:
		return "offline"
	}
}

// EngineStatus is the point-in-time snapshot exposed to calling UIs.
type EngineStatus struct {
	State           EngineState `json:"state"`
	Connected       bool        `json:"connected"`
	Syncing         bool        `json:"syncing"`
	PendingCount    int         `json:"pending_count"`
	DeadLetterCount int         `json:"dead_letter_count"`
	LastSyncTime    time.Time   `json:"last_sync_time"`
}

// EngineStats are cumulative counters since engine construction.
type EngineStats struct {
	Cycles           int64 `json:"cycles"`
	Pushed           int64 `json:"pushed"`
	Pulled           int64 `json:"pulled"`
	Applied          int64 `json:"applied"`
	Conflicts        int64 `json:"conflicts"`
	DeadLettered     int64 `json:"dead_lettered"`
	EchoesSuppressed int64 `json:"echoes_suppressed"`
	Errors           int64 `json:"errors"`
}

// SyncResult summarizes one sync cycle.
type SyncResult struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Pushed     int              `json:"pushed"`
	Pulled     int              `json:"pulled"`
	Conflicts  []ConflictRecord `json:"conflicts,omitempty"`
	Errors     []error          `json:"-"`
}

// Deps are the engine's injected collaborators. Local, Remote and State are
// required; Realtime and Clock are optional.
type Deps struct {
	Local    LocalStore
	Remote   RemoteClient
	Realtime RealtimeChannel
	State    StateStore
	Clock    Clock
}

// Engine orchestrates synchronization for a device: it drains the durable
// mutation queue to the server, reconciles remote changes into the local
// replica, applies realtime pushes, and exposes status and stats.
//
// The engine runs one logical sync loop; overlapping cycles are rejected by
// a guard so the same queued mutation is never pushed twice concurrently.
// The local-write path (Put/Delete) and the realtime handler share a lock
// with the cycle's apply phase, so replica and version state mutate
// serially.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	clock    Clock
	local    LocalStore
	remote   RemoteClient
	channel  RealtimeChannel
	state    StateStore
	queue    *MutationQueue
	versions *VersionStore
	clientID string

	collections map[string]bool

	// applyMu serializes every mutation of the local replica and version
	// store between the write path, the cycle's apply phase, the realtime
	// handler, and restore.
	applyMu sync.Mutex

	// syncGuard rejects overlapping sync cycles.
	syncGuard atomic.Bool

	// suppress drops store change notifications caused by the engine's own
	// writes so applying remote state cannot re-trigger a cycle.
	suppress atomic.Bool

	mu        sync.Mutex
	engState  EngineState
	connected bool
	lastSync  time.Time
	stats     EngineStats
	started   bool
	closed    bool
	cancel    context.CancelFunc

	coalescer *coalescer
	backup    *BackupManager
	triggerCh chan struct{}
	unsubs    []func()
	wg        sync.WaitGroup
}

// NewEngine constructs a sync engine. It loads persisted state (queue,
// versions, client identity) but does not start any background work until
// Start is called.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	cfg.fixup()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Local == nil || deps.Remote == nil || deps.State == nil {
		return nil, errors.New("engine: local store, remote client and state store are required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}

	clientID, err := loadOrCreateClientID(deps.State)
	if err != nil {
		return nil, err
	}
	queue, err := NewMutationQueue(deps.State, deps.Clock, cfg.MaxRetries)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		log:         cfg.Logger,
		clock:       deps.Clock,
		local:       deps.Local,
		remote:      deps.Remote,
		channel:     deps.Realtime,
		state:       deps.State,
		queue:       queue,
		versions:    NewVersionStore(deps.State, cfg.Logger),
		clientID:    clientID,
		collections: make(map[string]bool, len(cfg.Collections)),
		engState:    StateOffline,
		triggerCh:   make(chan struct{}, 1),
	}
	for _, c := range cfg.Collections {
		e.collections[c] = true
	}
	e.coalescer = newCoalescer(cfg.DebounceWindow, func([]string) { e.trigger() })
	if cfg.Backup != nil && cfg.Backup.Enabled {
		backup, err := NewBackupManager(*cfg.Backup, cfg.Collections, deps.Local, deps.State, deps.Clock, cfg.Logger)
		if err != nil {
			return nil, err
		}
		e.backup = backup
	}
	queue.onDeadLetter = func(m *QueuedMutation) {
		e.mu.Lock()
		e.stats.DeadLettered++
		e.mu.Unlock()
		e.log.Warn("mutation moved to dead letter set",
			"mutation", m.ID, "collection", m.Collection, "action", m.Action,
			"record", m.RecordID, "reason", m.FailureReason)
	}
	return e, nil
}

// Start launches the sync loop, the realtime consumer and the local change
// listener.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for c := range e.collections {
		collection := c
		cancelSub := e.local.OnChange(collection, func(ev ChangeEvent) {
			if e.suppress.Load() {
				return
			}
			e.coalescer.Touch(ev.Collection)
		})
		e.unsubs = append(e.unsubs, cancelSub)
	}
	e.mu.Unlock()

	if e.channel != nil {
		if err := e.channel.Start(runCtx); err != nil {
			return fmt.Errorf("start realtime channel: %w", err)
		}
		e.wg.Add(1)
		go e.consumeRealtime(runCtx)
	}

	if e.backup != nil {
		e.backup.Start(runCtx)
	}

	e.wg.Add(1)
	go e.run(runCtx)
	return nil
}

// Stop halts background work. Queued mutations stay durable and resume
// syncing after a restart.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	e.coalescer.Stop()
	if e.backup != nil {
		e.backup.Stop()
	}
	cancel()
	e.wg.Wait()
}

// Backups returns the engine-owned backup manager, for on-demand snapshots
// and restores. It is nil unless Config.Backup enables backups.
func (e *Engine) Backups() *BackupManager { return e.backup }

// ClientID returns this device's stable identity.
func (e *Engine) ClientID() string { return e.clientID }

// Put writes a record locally and durably queues it for synchronization.
// The local write always applies immediately and is never rolled back;
// reconciliation is forward-only.
func (e *Engine) Put(ctx context.Context, collection string, rec *Record) error {
	if !e.collections[collection] {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	if rec == nil || rec.ID == "" {
		return errors.New("put: record with an id is required")
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	now := e.clock.Now()
	action := ActionUpdate
	existing, err := e.local.Get(ctx, collection, rec.ID)
	if errors.Is(err, ErrNotFound) {
		action = ActionCreate
		existing = nil
	} else if err != nil {
		return newSyncError(KindStorage, "put", collection, err)
	}

	rec = rec.Clone()
	if existing == nil {
		rec.CreatedAt = now
		for field := range rec.Fields {
			rec.Touch(field, now)
		}
	} else {
		rec.CreatedAt = existing.CreatedAt
		rec.SyncedAt = existing.SyncedAt
		if rec.Version == 0 {
			rec.Version = existing.Version
		}
		// Only fields that actually changed get a new clock, so the
		// resolver can tell edits from carried-over values.
		for field, v := range rec.Fields {
			if prev, ok := existing.Fields[field]; ok && equalValue(prev, v) {
				if t, ok := existing.FieldTimes[field]; ok {
					rec.Touch(field, t)
				}
				continue
			}
			rec.Touch(field, now)
		}
	}
	if rec.UpdatedAt.Before(now) {
		rec.UpdatedAt = now
	}

	e.suppress.Store(true)
	err = e.local.Put(ctx, collection, rec)
	e.suppress.Store(false)
	if err != nil {
		return newSyncError(KindStorage, "put", collection, err)
	}

	if _, err := e.queue.Enqueue(collection, action, rec, e.versions.Get(collection)); err != nil {
		return err
	}
	e.coalescer.Touch(collection)
	return nil
}

// Delete removes a record locally and durably queues the deletion.
func (e *Engine) Delete(ctx context.Context, collection, id string) error {
	if !e.collections[collection] {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.suppress.Store(true)
	err := e.local.Delete(ctx, collection, id)
	e.suppress.Store(false)
	if err != nil {
		return newSyncError(KindStorage, "delete", collection, err)
	}

	if _, err := e.queue.Enqueue(collection, ActionDelete, &Record{ID: id}, e.versions.Get(collection)); err != nil {
		return err
	}
	e.coalescer.Touch(collection)
	return nil
}

// SetConnectivity informs the engine about network availability, for hosts
// with their own connectivity detector. Coming online triggers a sync
// cycle.
func (e *Engine) SetConnectivity(online bool) {
	e.mu.Lock()
	was := e.connected
	e.connected = online
	if online && e.engState == StateOffline {
		e.engState = StateIdle
	}
	if !online && e.engState == StateIdle {
		e.engState = StateOffline
	}
	e.mu.Unlock()

	if online && !was {
		e.trigger()
	}
}

// Status returns the current engine snapshot.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStatus{
		State:           e.engState,
		Connected:       e.connected,
		Syncing:         e.engState == StateSyncing,
		PendingCount:    e.queue.Len(),
		DeadLetterCount: e.queue.DeadLetterCount(),
		LastSyncTime:    e.lastSync,
	}
}

// Stats returns cumulative engine counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// DeadLetters returns the quarantined mutations.
func (e *Engine) DeadLetters() []*QueuedMutation {
	return e.queue.DeadLetters()
}

// CollectionVersion returns the last fully incorporated server version for
// a collection.
func (e *Engine) CollectionVersion(collection string) int64 {
	return e.versions.Get(collection)
}

// trigger schedules a sync cycle; duplicate triggers collapse into one.
func (e *Engine) trigger() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// run is the engine's single sync loop.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.triggerCh:
		}

		if _, err := e.Sync(ctx); err != nil {
			if errors.Is(err, ErrOffline) || errors.Is(err, ErrSyncInProgress) {
				continue
			}
			e.log.Warn("sync cycle failed", "error", err)
		}
	}
}

func (e *Engine) isConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func equalValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
