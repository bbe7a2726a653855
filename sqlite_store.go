package outpost

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a LocalStore backed by a SQLite file, for hosts that do not
// bring their own replica storage. Records are stored as JSON documents so
// collection schemas can evolve without migrations.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.Mutex
	subs    map[string]map[int]func(ChangeEvent)
	nextSub int
	closed  bool
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed local store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "outpost_replica.db"
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body TEXT NOT NULL,  -- JSON encoded record
			PRIMARY KEY (collection, id)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records schema: %w", err)
	}
	return &SQLiteStore{db: db, subs: make(map[string]map[int]func(ChangeEvent))}, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, collection string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM records WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, &SyncError{Kind: KindStorage, Op: "get all", Collection: collection, Err: err}
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, &SyncError{Kind: KindStorage, Op: "get all", Collection: collection, Err: err}
		}
		var rec Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*Record, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &SyncError{Kind: KindStorage, Op: "get", Collection: collection, Err: err}
	}
	var rec Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Put(ctx context.Context, collection string, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET body = ? WHERE collection = ? AND id = ?`,
		string(body), collection, rec.ID)
	if err != nil {
		return &SyncError{Kind: KindStorage, Op: "put", Collection: collection, Err: err}
	}
	action := ActionUpdate
	if n, _ := res.RowsAffected(); n == 0 {
		action = ActionCreate
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO records (collection, id, body) VALUES (?, ?, ?)`,
			collection, rec.ID, string(body)); err != nil {
			return &SyncError{Kind: KindStorage, Op: "put", Collection: collection, Err: err}
		}
	}

	s.notify(ChangeEvent{Collection: collection, Action: action, Record: rec.Clone(), RecordID: rec.ID})
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return &SyncError{Kind: KindStorage, Op: "delete", Collection: collection, Err: err}
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(ChangeEvent{Collection: collection, Action: ActionDelete, RecordID: id})
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, collection string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return &SyncError{Kind: KindStorage, Op: "clear", Collection: collection, Err: err}
	}
	return nil
}

func (s *SQLiteStore) OnChange(collection string, fn func(ChangeEvent)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.subs[collection]
	if !ok {
		subs = make(map[int]func(ChangeEvent))
		s.subs[collection] = subs
	}
	id := s.nextSub
	s.nextSub++
	subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[collection], id)
	}
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) notify(ev ChangeEvent) {
	s.mu.Lock()
	subs := s.subs[ev.Collection]
	fns := make([]func(ChangeEvent), 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
