package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/farm-engine/internal/model"
)

// SQLiteRecorder writes the journal to a SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// NewSQLiteRecorder opens (or creates) the database and runs migrations.
func NewSQLiteRecorder(dbPath string, log zerolog.Logger) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets readers of the journal run while the engine appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, log: log.With().Str("component", "recorder").Logger()}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.log.Info().Str("path", dbPath).Msg("sqlite recorder opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS activities (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			kind       TEXT NOT NULL,
			pool_id    TEXT NOT NULL DEFAULT '',
			user_id    TEXT NOT NULL DEFAULT '',
			amount     TEXT NOT NULL,
			reward     TEXT NOT NULL,
			escrow     TEXT NOT NULL,
			timestamp  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_user ON activities(user_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_pool ON activities(pool_id, seq)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// Record appends activities in one SQL transaction.
func (r *SQLiteRecorder) Record(ctx context.Context, activities []model.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO activities
		(id, kind, pool_id, user_id, amount, reward, escrow, timestamp)
		VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, a := range activities {
		if _, err := stmt.ExecContext(ctx, a.ID, a.Kind, a.PoolID, a.UserID,
			a.Amount.String(), a.Reward.String(), a.Escrow.String(), a.Timestamp.Unix()); err != nil {
			return fmt.Errorf("insert activity %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// List returns matching activities, newest first.
func (r *SQLiteRecorder) List(ctx context.Context, f Filter) ([]model.Activity, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.PoolID != "" {
		where = append(where, "pool_id = ?")
		args = append(args, f.PoolID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	query := `SELECT id, kind, pool_id, user_id, amount, reward, escrow, timestamp FROM activities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	out := []model.Activity{}
	for rows.Next() {
		var (
			a                      model.Activity
			amount, reward, escrow string
			ts                     int64
		)
		if err := rows.Scan(&a.ID, &a.Kind, &a.PoolID, &a.UserID, &amount, &reward, &escrow, &ts); err != nil {
			return nil, err
		}
		a.Amount = decimal.RequireFromString(amount)
		a.Reward = decimal.RequireFromString(reward)
		a.Escrow = decimal.RequireFromString(escrow)
		a.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	r.log.Info().Msg("closing sqlite recorder")
	return r.db.Close()
}
