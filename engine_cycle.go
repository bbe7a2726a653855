package outpost

import (
	"context"
	"errors"
	"fmt"
)

// Sync runs one sync cycle across all configured collections and blocks
// until it finishes. It returns ErrOffline when no connectivity is
// available and ErrSyncInProgress when a cycle is already running.
//
// Collections are processed independently; a failure in one is recorded in
// the result and does not stop the others.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.isConnected() {
		return nil, ErrOffline
	}
	if !e.syncGuard.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.syncGuard.Store(false)

	e.setState(StateSyncing)
	defer func() {
		if e.isConnected() {
			e.setState(StateIdle)
		} else {
			e.setState(StateOffline)
		}
	}()

	res := &SyncResult{StartedAt: e.clock.Now()}
	for _, collection := range e.cfg.Collections {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, err)
			break
		}
		if err := e.syncCollection(ctx, collection, res); err != nil {
			res.Errors = append(res.Errors, err)
			e.mu.Lock()
			e.stats.Errors++
			e.mu.Unlock()
			e.log.Warn("collection sync failed", "collection", collection, "error", err)
		}
	}
	res.FinishedAt = e.clock.Now()

	e.mu.Lock()
	e.stats.Cycles++
	e.stats.Pushed += int64(res.Pushed)
	e.stats.Pulled += int64(res.Pulled)
	e.stats.Conflicts += int64(len(res.Conflicts))
	e.lastSync = res.FinishedAt
	e.mu.Unlock()

	if len(res.Errors) > 0 {
		return res, fmt.Errorf("sync: %d of %d collections failed", len(res.Errors), len(e.cfg.Collections))
	}
	return res, nil
}

// syncCollection pulls remote changes, applies them through the conflict
// resolver, then drains this collection's queued mutations.
func (e *Engine) syncCollection(ctx context.Context, collection string, res *SyncResult) error {
	if err := e.pullPhase(ctx, collection, res); err != nil {
		return err
	}
	return e.pushPhase(ctx, collection, res)
}

// pullPhase brings the local replica up to the server's current version. A
// collection at version zero gets a full pull; otherwise changes are paged
// from the last incorporated version, bounded by MaxPullPages so a single
// cycle cannot spin forever against a hot collection.
func (e *Engine) pullPhase(ctx context.Context, collection string, res *SyncResult) error {
	version := e.versions.Get(collection)

	if version == 0 {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
		defer cancel()
		pr, err := e.remote.PullAll(ctx, collection)
		if err != nil {
			return err
		}
		if err := e.applyRemote(ctx, collection, pr.Records, res); err != nil {
			return err
		}
		return e.versions.Set(collection, pr.CurrentVersion)
	}

	for page := 0; page < e.cfg.MaxPullPages; page++ {
		pullCtx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
		pr, err := e.remote.Pull(pullCtx, collection, version)
		cancel()
		if err != nil {
			return err
		}
		if err := e.applyRemote(ctx, collection, pr.Records, res); err != nil {
			return err
		}
		if pr.CurrentVersion > version {
			if err := e.versions.Set(collection, pr.CurrentVersion); err != nil {
				return err
			}
			version = pr.CurrentVersion
		}
		if !pr.HasMore {
			return nil
		}
	}
	e.log.Warn("pull page budget exhausted, remainder deferred to next cycle",
		"collection", collection, "pages", e.cfg.MaxPullPages)
	return nil
}

// applyRemote folds a batch of remote records into the local replica. Each
// record is resolved against its local counterpart under the configured
// strategy; the winner is stamped as having incorporated server state up to
// the remote record's update time, so fields edited after that moment stay
// marked dirty and keep flowing through the queue.
func (e *Engine) applyRemote(ctx context.Context, collection string, records []*Record, res *SyncResult) error {
	if len(records) == 0 {
		return nil
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	e.suppress.Store(true)
	defer e.suppress.Store(false)

	now := e.clock.Now()
	for _, remote := range records {
		local, err := e.local.Get(ctx, collection, remote.ID)
		if errors.Is(err, ErrNotFound) {
			local = nil
		} else if err != nil {
			return newSyncError(KindStorage, "apply", collection, err)
		}

		winner, conflict := Resolve(local, remote, e.cfg.Strategy)
		if conflict != nil {
			conflict.Collection = collection
			conflict.ResolvedAt = now
			res.Conflicts = append(res.Conflicts, *conflict)
			e.log.Info("conflict resolved",
				"collection", collection, "record", remote.ID,
				"strategy", conflict.Strategy, "fields", conflict.Fields,
				"mismatched", conflict.Mismatched)
		}

		// SyncedAt only ever advances. A redelivered page carrying server
		// state the record already incorporated must not roll it back and
		// make clean fields look dirty again.
		if local != nil && local.SyncedAt.After(winner.SyncedAt) {
			winner.SyncedAt = local.SyncedAt
		}
		syncedAt := remote.UpdatedAt
		if syncedAt.IsZero() {
			syncedAt = now
		}
		if syncedAt.After(winner.SyncedAt) {
			winner.SyncedAt = syncedAt
		}
		if err := e.local.Put(ctx, collection, winner); err != nil {
			return newSyncError(KindStorage, "apply", collection, err)
		}
		res.Pulled++
		e.mu.Lock()
		e.stats.Applied++
		e.mu.Unlock()
	}
	return nil
}

// pushPhase drains this collection's queued mutations in FIFO order,
// batched. Accepted mutations leave the queue and are broadcast to peers;
// rejected ones go straight to the dead-letter set; mutations the server
// ignored accrue a retry strike.
func (e *Engine) pushPhase(ctx context.Context, collection string, res *SyncResult) error {
	extraPull := false
	pending := e.queue.ListCollection(collection)
	for len(pending) > 0 {
		batch := pending
		if len(batch) > e.cfg.PushBatchSize {
			batch = batch[:e.cfg.PushBatchSize]
		}
		pending = pending[len(batch):]

		pushCtx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
		pr, err := e.remote.Push(pushCtx, collection, batch, e.clientID, e.cfg.Strategy)
		cancel()
		if err != nil {
			if Classify(err) == KindVersionConflict {
				// The server moved past our expected version. The batch
				// stays queued untouched for the next cycle; reconcile
				// now so that cycle pushes against current state.
				e.log.Info("push rejected on version conflict, reconciling",
					"collection", collection, "error", err)
				return e.pullPhase(ctx, collection, res)
			}
			return e.pushFailed(collection, batch, err)
		}

		if err := e.pushAccepted(ctx, collection, batch, pr, res); err != nil {
			return err
		}

		// The server resolved some records against newer state; fold its
		// copies back in so both sides converge.
		if len(pr.Conflicts) > 0 {
			if err := e.applyRemote(ctx, collection, pr.Conflicts, res); err != nil {
				return err
			}
			extraPull = true
		}
		if pr.CurrentVersion > 0 {
			if err := e.versions.Set(collection, pr.CurrentVersion); err != nil {
				return err
			}
		}
	}

	if extraPull {
		return e.pullPhase(ctx, collection, res)
	}
	return nil
}

// pushAccepted settles one pushed batch against the server's verdict.
func (e *Engine) pushAccepted(ctx context.Context, collection string, batch []*QueuedMutation, pr *PushResult, res *SyncResult) error {
	accepted := make(map[string]bool, len(pr.AcceptedIDs))
	for _, id := range pr.AcceptedIDs {
		accepted[id] = true
	}

	if err := e.queue.Remove(pr.AcceptedIDs); err != nil {
		return err
	}
	res.Pushed += len(pr.AcceptedIDs)

	for id, reason := range pr.RejectedIDs {
		if err := e.queue.DeadLetter(id, reason); err != nil {
			return err
		}
	}

	for _, m := range batch {
		if accepted[m.ID] {
			if err := e.markSynced(ctx, collection, m); err != nil {
				return err
			}
			e.broadcast(ctx, m)
			continue
		}
		if _, ok := pr.RejectedIDs[m.ID]; ok {
			continue
		}
		if _, err := e.queue.IncrementRetry(m.ID, "not acknowledged by server"); err != nil {
			return err
		}
	}
	return nil
}

// pushFailed handles a failed push call for a whole batch. Validation
// failures quarantine the batch immediately; anything else earns a retry
// strike and surfaces the error so the cycle records it.
func (e *Engine) pushFailed(collection string, batch []*QueuedMutation, err error) error {
	kind := Classify(err)
	for _, m := range batch {
		if kind == KindValidation {
			if dlErr := e.queue.DeadLetter(m.ID, err.Error()); dlErr != nil {
				return dlErr
			}
			continue
		}
		if _, incErr := e.queue.IncrementRetry(m.ID, err.Error()); incErr != nil {
			return incErr
		}
	}
	return err
}

// markSynced stamps the local record clean after the server acknowledged
// the mutation, provided no newer local edit landed in the meantime.
func (e *Engine) markSynced(ctx context.Context, collection string, m *QueuedMutation) error {
	if m.Action == ActionDelete {
		return nil
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	local, err := e.local.Get(ctx, collection, m.RecordID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return newSyncError(KindStorage, "mark synced", collection, err)
	}
	if m.Record != nil && local.UpdatedAt.After(m.Record.UpdatedAt) {
		return nil
	}

	local.SyncedAt = e.clock.Now()
	e.suppress.Store(true)
	err = e.local.Put(ctx, collection, local)
	e.suppress.Store(false)
	if err != nil {
		return newSyncError(KindStorage, "mark synced", collection, err)
	}
	return nil
}

// broadcast announces an acknowledged mutation to peer devices over the
// realtime channel. Best effort only; peers that miss it converge on their
// next pull.
func (e *Engine) broadcast(ctx context.Context, m *QueuedMutation) {
	if e.channel == nil {
		return
	}
	ev := ChangeEvent{
		Collection:     m.Collection,
		Action:         m.Action,
		Record:         m.Record,
		RecordID:       m.RecordID,
		OriginClientID: e.clientID,
	}
	if err := e.channel.Emit(ctx, ev); err != nil {
		e.log.Debug("realtime broadcast skipped", "mutation", m.ID, "error", err)
	}
}

// consumeRealtime drives the engine from the realtime channel's event
// stream.
func (e *Engine) consumeRealtime(ctx context.Context) {
	defer e.wg.Done()
	events := e.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case EventConnected:
				e.SetConnectivity(true)
			case EventDisconnected:
				e.SetConnectivity(false)
			case EventChange:
				if ev.Change != nil {
					e.handleRemoteChange(ctx, *ev.Change)
				}
			}
		}
	}
}

// handleRemoteChange applies a single pushed mutation from a peer device.
// The engine's own mutations come back annotated with its client id and are
// dropped so a device never reapplies its own writes.
func (e *Engine) handleRemoteChange(ctx context.Context, ev ChangeEvent) {
	if ev.OriginClientID == e.clientID {
		e.mu.Lock()
		e.stats.EchoesSuppressed++
		e.mu.Unlock()
		return
	}
	if !e.collections[ev.Collection] {
		e.log.Debug("realtime change for unknown collection dropped", "collection", ev.Collection)
		return
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	e.suppress.Store(true)
	defer e.suppress.Store(false)

	if ev.Action == ActionDelete {
		if err := e.local.Delete(ctx, ev.Collection, ev.RecordID); err != nil {
			e.log.Warn("realtime delete failed", "collection", ev.Collection, "record", ev.RecordID, "error", err)
		}
		return
	}
	if ev.Record == nil {
		return
	}

	local, err := e.local.Get(ctx, ev.Collection, ev.Record.ID)
	if errors.Is(err, ErrNotFound) {
		local = nil
	} else if err != nil {
		e.log.Warn("realtime apply failed", "collection", ev.Collection, "record", ev.Record.ID, "error", err)
		return
	}

	winner, conflict := Resolve(local, ev.Record, e.cfg.Strategy)
	now := e.clock.Now()
	if conflict != nil {
		conflict.Collection = ev.Collection
		conflict.ResolvedAt = now
		e.mu.Lock()
		e.stats.Conflicts++
		e.mu.Unlock()
		e.log.Info("realtime conflict resolved",
			"collection", ev.Collection, "record", ev.Record.ID,
			"strategy", conflict.Strategy, "fields", conflict.Fields)
	}
	if local != nil && local.SyncedAt.After(winner.SyncedAt) {
		winner.SyncedAt = local.SyncedAt
	}
	syncedAt := ev.Record.UpdatedAt
	if syncedAt.IsZero() {
		syncedAt = now
	}
	if syncedAt.After(winner.SyncedAt) {
		winner.SyncedAt = syncedAt
	}
	if err := e.local.Put(ctx, ev.Collection, winner); err != nil {
		e.log.Warn("realtime apply failed", "collection", ev.Collection, "record", ev.Record.ID, "error", err)
		return
	}
	e.mu.Lock()
	e.stats.Applied++
	e.mu.Unlock()
}

func (e *Engine) setState(s EngineState) {
	e.mu.Lock()
	e.engState = s
	e.mu.Unlock()
}
