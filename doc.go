// Package outpost provides an offline-first synchronization engine for
// applications that must keep working without connectivity and converge
// with a central server when the network returns.
//
// Local writes land immediately in a pluggable local store and are queued
// durably until the server acknowledges them. Remote changes arrive through
// versioned pulls and an optional realtime channel, and conflicting edits
// are settled by a configurable strategy.
//
// # Basic Usage
//
// Construct an engine from a config and its collaborators:
//
//	cfg := outpost.DefaultConfig()
//	cfg.Collections = []string{"products", "orders"}
//
//	stateCfg := outpost.DefaultSQLiteStateConfig()
//	stateCfg.Path = "sync-state.db"
//	state, err := outpost.NewSQLiteStateStore(stateCfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	remote, err := outpost.NewHTTPRemoteClient(outpost.HTTPRemoteConfig{BaseURL: "https://api.example.com"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine, err := outpost.NewEngine(cfg, outpost.Deps{
//	    Local:  outpost.NewMemoryStore(),
//	    Remote: remote,
//	    State:  state,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// Write through the engine so mutations are queued for sync:
//
//	err = engine.Put(ctx, "orders", &outpost.Record{
//	    ID:     "order-17",
//	    Fields: map[string]any{"status": "packed"},
//	})
//
// # Features
//
// Offline operation:
//   - Durable FIFO mutation queue, persisted in SQLite
//   - Dead-letter quarantine for mutations that fail repeatedly
//   - Monotonic per-collection version tracking
//
// Convergence:
//   - Full pull on first sync, incremental paged pulls afterwards
//   - Deterministic conflict resolution (server-wins, client-wins,
//     field-level merge)
//   - Websocket realtime channel with echo suppression
//
// Protection:
//   - Periodic snapshot backups (memory, file or S3 backends)
//   - Snappy compression and optional AES-256-GCM encryption
package outpost
