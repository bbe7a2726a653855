package outpost

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// snapshotNonceSize is the nonce size for AES-GCM.
	snapshotNonceSize = 12
	// snapshotSaltSize is the salt size for key derivation.
	snapshotSaltSize = 32
	// snapshotKeySize is the AES-256 key size.
	snapshotKeySize = 32
	// snapshotKDFIterations is the PBKDF2 iteration count.
	snapshotKDFIterations = 100000
)

// BackupConfig configures periodic collection snapshots.
type BackupConfig struct {
	// Enabled turns on the periodic backup loop.
	Enabled bool

	// Interval between snapshot passes. Default: 5m.
	Interval time.Duration

	// Compression enables snappy compression of snapshots. Default when
	// constructed via DefaultBackupConfig: true.
	Compression bool

	// Password, if set, encrypts snapshots with a key derived from it.
	Password string

	// Backend stores the snapshots. Required when Enabled.
	Backend SnapshotBackend
}

// DefaultBackupConfig returns backup defaults (a Backend must still be set).
func DefaultBackupConfig() BackupConfig {
	return BackupConfig{
		Enabled:     true,
		Interval:    5 * time.Minute,
		Compression: true,
	}
}

// snapshotEnvelope is the serialized form of a collection snapshot.
type snapshotEnvelope struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	TakenAt    time.Time `json:"taken_at"`
	Records    []*Record `json:"records"`
}

// BackupManager periodically snapshots each collection to a side-channel
// store, retaining only the latest snapshot per collection. Restore is a
// local-only disaster-recovery action: it replaces the collection's replica
// content and deliberately leaves the mutation queue and version store
// untouched.
type BackupManager struct {
	config      BackupConfig
	collections []string
	local       LocalStore
	state       StateStore
	clock       Clock
	log         *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBackupManager creates a backup manager for the given collections.
func NewBackupManager(config BackupConfig, collections []string, local LocalStore, state StateStore, clock Clock, log *slog.Logger) (*BackupManager, error) {
	if config.Backend == nil {
		return nil, errors.New("backup: a snapshot backend is required")
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if clock == nil {
		clock = SystemClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &BackupManager{
		config:      config,
		collections: collections,
		local:       local,
		state:       state,
		clock:       clock,
		log:         log,
	}, nil
}

// Start begins the periodic backup loop.
func (b *BackupManager) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := b.BackupAll(runCtx); err != nil {
					b.log.Warn("backup pass failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the backup loop.
func (b *BackupManager) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
}

// BackupAll snapshots every configured collection. A failure on one
// collection does not stop the others.
func (b *BackupManager) BackupAll(ctx context.Context) error {
	var firstErr error
	for _, collection := range b.collections {
		if err := b.BackupCollection(ctx, collection); err != nil {
			b.log.Warn("collection backup failed", "collection", collection, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// BackupCollection snapshots a single collection and drops the previous
// snapshot once the new one is durably written.
func (b *BackupManager) BackupCollection(ctx context.Context, collection string) error {
	records, err := b.local.GetAll(ctx, collection)
	if err != nil {
		return newSyncError(KindStorage, "backup read", collection, err)
	}

	env := snapshotEnvelope{
		ID:         uuid.NewString(),
		Collection: collection,
		TakenAt:    b.clock.Now(),
		Records:    records,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if b.config.Compression {
		data = snappy.Encode(nil, data)
	}
	if b.config.Password != "" {
		data, err = encryptSnapshot(data, b.config.Password)
		if err != nil {
			return fmt.Errorf("encrypt snapshot: %w", err)
		}
	}

	key := snapshotKey(collection, env.ID)
	if err := b.config.Backend.Write(ctx, key, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	prev, err := b.state.GetMeta(snapshotMetaKey(collection))
	if err == nil && prev != "" && prev != key {
		if err := b.config.Backend.Delete(ctx, prev); err != nil {
			b.log.Warn("failed to delete previous snapshot", "collection", collection, "key", prev, "error", err)
		}
	}
	if err := b.state.SetMeta(snapshotMetaKey(collection), key); err != nil {
		return err
	}
	if err := b.state.SetMeta(snapshotTimeKey(collection), env.TakenAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}

	b.log.Info("collection snapshot written",
		"collection", collection, "records", len(records), "bytes", len(data))
	return nil
}

// Restore replaces a collection's local content with the latest snapshot.
func (b *BackupManager) Restore(ctx context.Context, collection string) error {
	key, err := b.state.GetMeta(snapshotMetaKey(collection))
	if err != nil {
		return err
	}
	if key == "" {
		return ErrNoSnapshot
	}

	data, err := b.config.Backend.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if b.config.Password != "" {
		data, err = decryptSnapshot(data, b.config.Password)
		if err != nil {
			return fmt.Errorf("decrypt snapshot: %w", err)
		}
	}
	if b.config.Compression {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return fmt.Errorf("decompress snapshot: %w", err)
		}
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Collection != collection {
		return fmt.Errorf("snapshot collection mismatch: got %q, want %q", env.Collection, collection)
	}

	if err := b.local.Clear(ctx, collection); err != nil {
		return newSyncError(KindStorage, "restore clear", collection, err)
	}
	for _, rec := range env.Records {
		if err := b.local.Put(ctx, collection, rec); err != nil {
			return newSyncError(KindStorage, "restore put", collection, err)
		}
	}

	b.log.Info("collection restored from snapshot",
		"collection", collection, "records", len(env.Records), "taken_at", env.TakenAt)
	return nil
}

// LastBackupTime returns when the collection was last snapshotted, zero if
// never.
func (b *BackupManager) LastBackupTime(collection string) time.Time {
	v, err := b.state.GetMeta(snapshotTimeKey(collection))
	if err != nil || v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func snapshotKey(collection, id string) string {
	return fmt.Sprintf("snapshots/%s/%s.snap", collection, id)
}

func snapshotMetaKey(collection string) string { return "backup_key/" + collection }
func snapshotTimeKey(collection string) string { return "backup_time/" + collection }

// encryptSnapshot seals data with AES-256-GCM using a PBKDF2-derived key.
// Layout: salt | nonce | ciphertext.
func encryptSnapshot(data []byte, password string) ([]byte, error) {
	salt := make([]byte, snapshotSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := snapshotAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, snapshotNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, snapshotSaltSize+snapshotNonceSize+len(data)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

func decryptSnapshot(data []byte, password string) ([]byte, error) {
	if len(data) < snapshotSaltSize+snapshotNonceSize {
		return nil, errors.New("snapshot too short to be encrypted")
	}
	salt := data[:snapshotSaltSize]
	nonce := data[snapshotSaltSize : snapshotSaltSize+snapshotNonceSize]
	gcm, err := snapshotAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, data[snapshotSaltSize+snapshotNonceSize:], nil)
}

func snapshotAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, snapshotKDFIterations, snapshotKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
