package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"retcause/domain/core"
	"retcause/models"
)

// Store persists terminal session snapshots for the report surface. Live
// sessions stay in memory; persistence is snapshot-based so the engine never
// shares mutable state with readers.
type Store interface {
	Save(ctx context.Context, snapshot models.SessionSnapshot) error
	Get(ctx context.Context, id core.SessionID) (models.SessionSnapshot, error)
	List(ctx context.Context) ([]models.SessionSnapshot, error)
}

// MemoryStore is the default in-process store
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[core.SessionID]models.SessionSnapshot
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[core.SessionID]models.SessionSnapshot)}
}

// Save stores or replaces a snapshot
func (s *MemoryStore) Save(_ context.Context, snapshot models.SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.ID] = snapshot
	return nil
}

// Get fetches a snapshot by id
func (s *MemoryStore) Get(_ context.Context, id core.SessionID) (models.SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return models.SessionSnapshot{}, core.NewNotFoundError("session", id.String())
	}
	return snap, nil
}

// List returns snapshots newest-first
func (s *MemoryStore) List(_ context.Context) ([]models.SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SessionSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// PostgresStore persists snapshots as JSONB rows
type PostgresStore struct {
	db *sqlx.DB
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS reasoning_sessions (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    snapshot    JSONB NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresStore connects and ensures the schema exists
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)
	if _, err := db.Exec(sessionSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure session schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Save upserts the snapshot row
func (s *PostgresStore) Save(ctx context.Context, snapshot models.SessionSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reasoning_sessions (id, status, snapshot, started_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET status = $2, snapshot = $3, updated_at = now()`,
		snapshot.ID.String(), string(snapshot.Status), payload, snapshot.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", snapshot.ID, err)
	}
	return nil
}

// Get fetches one snapshot
func (s *PostgresStore) Get(ctx context.Context, id core.SessionID) (models.SessionSnapshot, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload, `SELECT snapshot FROM reasoning_sessions WHERE id = $1`, id.String())
	if err != nil {
		return models.SessionSnapshot{}, core.NewNotFoundError("session", id.String())
	}
	var snap models.SessionSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return snap, nil
}

// List returns snapshots newest-first
func (s *PostgresStore) List(ctx context.Context) ([]models.SessionSnapshot, error) {
	var payloads [][]byte
	err := s.db.SelectContext(ctx, &payloads, `SELECT snapshot FROM reasoning_sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]models.SessionSnapshot, 0, len(payloads))
	for _, payload := range payloads {
		var snap models.SessionSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}
