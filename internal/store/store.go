package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/truthlens/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a run ID is unknown.
var ErrNotFound = errors.New("run not found")

// DefaultListLimit caps history listings when the caller passes no limit.
const DefaultListLimit = 50

// Run is one stored analysis. Evidence crops are not persisted, so FaceImagesB64 is always empty.
type Run struct {
	ID        string    `json:"id"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
	types.RunResult
}

// Store manages the PostgreSQL pool holding run history.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS analysis_runs (
			id TEXT PRIMARY KEY,
			sha256 TEXT NOT NULL,
			filename TEXT NOT NULL,
			is_deepfake BOOLEAN NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			probabilities DOUBLE PRECISION[] NOT NULL,
			total_frames INT NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL,
			windows_analyzed INT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS analysis_runs_sha256_idx ON analysis_runs (sha256);
		CREATE INDEX IF NOT EXISTS analysis_runs_created_at_idx ON analysis_runs (created_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

func (s *Store) Close() {
	s.pool.Close()
}

// SaveRun records a finished run. Saving the same ID twice overwrites the earlier row.
func (s *Store) SaveRun(ctx context.Context, id, sha256 string, r *types.RunResult) error {
	probs := r.Probabilities
	if probs == nil {
		probs = []float64{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_runs
			(id, sha256, filename, is_deepfake, confidence, probabilities, total_frames, duration_seconds, windows_analyzed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			is_deepfake = EXCLUDED.is_deepfake,
			confidence = EXCLUDED.confidence,
			probabilities = EXCLUDED.probabilities,
			total_frames = EXCLUDED.total_frames,
			duration_seconds = EXCLUDED.duration_seconds,
			windows_analyzed = EXCLUDED.windows_analyzed
	`, id, sha256, r.Filename, r.IsDeepfake, r.Confidence, probs, r.TotalFrames, r.VideoDurationSeconds, r.WindowsAnalyzed)
	return err
}

const selectRuns = `
	SELECT id, sha256, filename, is_deepfake, confidence, probabilities,
		total_frames, duration_seconds, windows_analyzed, created_at
	FROM analysis_runs`

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.pool.Query(ctx, selectRuns+` ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

// RunsForFile returns every stored run of the file with the given content hash, newest first.
func (s *Store) RunsForFile(ctx context.Context, sha256 string) ([]Run, error) {
	rows, err := s.pool.Query(ctx, selectRuns+` WHERE sha256 = $1 ORDER BY created_at DESC, id`, sha256)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := s.pool.Query(ctx, selectRuns+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}

func collectRuns(rows pgx.Rows) ([]Run, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Run, error) {
		var r Run
		err := row.Scan(&r.ID, &r.SHA256, &r.Filename, &r.IsDeepfake, &r.Confidence, &r.Probabilities,
			&r.TotalFrames, &r.VideoDurationSeconds, &r.WindowsAnalyzed, &r.CreatedAt)
		r.FaceImagesB64 = []string{}
		return r, err
	})
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS analysis_runs CASCADE;`)
	return err
}
