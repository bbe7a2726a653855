package outpost

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStateConfig configures the SQLite-backed state store.
type SQLiteStateConfig struct {
	// Path to the SQLite database file.
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int
}

// DefaultSQLiteStateConfig returns default configuration.
func DefaultSQLiteStateConfig() SQLiteStateConfig {
	return SQLiteStateConfig{
		Path:        "outpost_state.db",
		JournalMode: "WAL",
		Synchronous: "FULL",
		BusyTimeout: 5000,
	}
}

// SQLiteStateStore implements StateStore on a local SQLite file. Durability
// of Enqueue depends on the synchronous mode; the default FULL setting
// guarantees a mutation survives a crash once AppendMutation returns.
type SQLiteStateStore struct {
	db     *sql.DB
	config SQLiteStateConfig
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStateStore opens (creating if needed) a SQLite state store.
func NewSQLiteStateStore(config SQLiteStateConfig) (*SQLiteStateStore, error) {
	if config.Path == "" {
		config.Path = "outpost_state.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "FULL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite state store: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the write path and the
	// drain loop.
	db.SetMaxOpenConns(1)

	s := &SQLiteStateStore{db: db, config: config}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStateStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS mutations (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			action TEXT NOT NULL,
			record_id TEXT NOT NULL,
			record TEXT,  -- JSON encoded record payload
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			local_version INTEGER NOT NULL DEFAULT 0,
			seq INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			action TEXT NOT NULL,
			record_id TEXT NOT NULL,
			record TEXT,
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL,
			local_version INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT,
			failed_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS versions (
			collection TEXT PRIMARY KEY,
			version INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_mutations_seq ON mutations(seq);
		CREATE INDEX IF NOT EXISTS idx_mutations_collection ON mutations(collection, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStateStore) AppendMutation(m *QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	payload, err := encodeRecord(m.Record)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO mutations (id, collection, action, record_id, record, enqueued_at, retry_count, local_version, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT MAX(seq) FROM mutations), 0) + 1)`,
		m.ID, m.Collection, string(m.Action), m.RecordID, payload,
		m.EnqueuedAt.UnixMilli(), m.RetryCount, m.LocalVersionAtEnqueue)
	if err != nil {
		return &SyncError{Kind: KindStorage, Op: "append mutation", Collection: m.Collection, Err: err}
	}
	return nil
}

func (s *SQLiteStateStore) UpdateMutation(m *QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	payload, err := encodeRecord(m.Record)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE mutations SET record = ?, retry_count = ? WHERE id = ?`,
		payload, m.RetryCount, m.ID)
	if err != nil {
		return &SyncError{Kind: KindStorage, Op: "update mutation", Collection: m.Collection, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStateStore) ListMutations() ([]*QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`
		SELECT id, collection, action, record_id, record, enqueued_at, retry_count, local_version
		FROM mutations ORDER BY seq ASC`)
	if err != nil {
		return nil, &SyncError{Kind: KindStorage, Op: "list mutations", Err: err}
	}
	defer rows.Close()
	return scanMutations(rows, false)
}

func (s *SQLiteStateStore) DeleteMutations(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return &SyncError{Kind: KindStorage, Op: "delete mutations", Err: err}
	}
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM mutations WHERE id = ?`, id); err != nil {
			tx.Rollback()
			return &SyncError{Kind: KindStorage, Op: "delete mutations", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &SyncError{Kind: KindStorage, Op: "delete mutations", Err: err}
	}
	return nil
}

func (s *SQLiteStateStore) AppendDeadLetter(m *QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	payload, err := encodeRecord(m.Record)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO dead_letters
			(id, collection, action, record_id, record, enqueued_at, retry_count, local_version, failure_reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Collection, string(m.Action), m.RecordID, payload,
		m.EnqueuedAt.UnixMilli(), m.RetryCount, m.LocalVersionAtEnqueue,
		m.FailureReason, time.Now().UnixMilli())
	if err != nil {
		return &SyncError{Kind: KindStorage, Op: "append dead letter", Collection: m.Collection, Err: err}
	}
	return nil
}

func (s *SQLiteStateStore) ListDeadLetters() ([]*QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`
		SELECT id, collection, action, record_id, record, enqueued_at, retry_count, local_version, failure_reason
		FROM dead_letters ORDER BY failed_at ASC`)
	if err != nil {
		return nil, &SyncError{Kind: KindStorage, Op: "list dead letters", Err: err}
	}
	defer rows.Close()
	return scanMutations(rows, true)
}

func (s *SQLiteStateStore) GetVersion(collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var v int64
	err := s.db.QueryRow(`SELECT version FROM versions WHERE collection = ?`, collection).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, &SyncError{Kind: KindStorage, Op: "get version", Collection: collection, Err: err}
	}
	return v, nil
}

func (s *SQLiteStateStore) SetVersion(collection string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO versions (collection, version) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET version = excluded.version`,
		collection, version)
	if err != nil {
		return &SyncError{Kind: KindStorage, Op: "set version", Collection: collection, Err: err}
	}
	return nil
}

func (s *SQLiteStateStore) GetMeta(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &SyncError{Kind: KindStorage, Op: "get meta", Err: err}
	}
	return v, nil
}

func (s *SQLiteStateStore) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return &SyncError{Kind: KindStorage, Op: "set meta", Err: err}
	}
	return nil
}

func (s *SQLiteStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func encodeRecord(r *Record) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode record: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanMutations(rows *sql.Rows, withReason bool) ([]*QueuedMutation, error) {
	var out []*QueuedMutation
	for rows.Next() {
		var (
			m        QueuedMutation
			action   string
			payload  sql.NullString
			enqueued int64
			reason   sql.NullString
		)
		dest := []any{&m.ID, &m.Collection, &action, &m.RecordID, &payload, &enqueued, &m.RetryCount, &m.LocalVersionAtEnqueue}
		if withReason {
			dest = append(dest, &reason)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, &SyncError{Kind: KindStorage, Op: "scan mutation", Err: err}
		}
		m.Action = Action(action)
		m.EnqueuedAt = time.UnixMilli(enqueued)
		m.FailureReason = reason.String
		if payload.Valid {
			var rec Record
			if err := json.Unmarshal([]byte(payload.String), &rec); err != nil {
				return nil, fmt.Errorf("decode record payload: %w", err)
			}
			m.Record = &rec
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
