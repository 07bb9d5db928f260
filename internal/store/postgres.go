package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/chess-match-server/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the durable Store backed by database/sql and lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a pool, verifies connectivity and returns the store.
func NewPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing pool.
func NewPostgresFromDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

// Migrate creates the tables if they do not exist yet.
func (r *Postgres) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (r *Postgres) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Postgres) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Postgres) CreateMatch(ctx context.Context, m NewMatch) error {
	const q = `
		INSERT INTO matches (
			id, participant_a, participant_b, status, initial_position,
			current_position, move_count, created_at, started_at, last_move_at
		)
		VALUES ($1, $2, $3, $4, $5, $5, 0, $6, $6, $6)
		ON CONFLICT (id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, q,
		m.ID, m.A.ID, nullString(m.B.ID), string(domain.StatusInProgress), m.InitialPosition, m.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// A retried insert whose first attempt committed lands here.
	var a, b string
	err = r.db.QueryRowContext(ctx,
		`SELECT participant_a, COALESCE(participant_b, '') FROM matches WHERE id = $1`, m.ID,
	).Scan(&a, &b)
	if err != nil {
		return fmt.Errorf("check existing match: %w", err)
	}
	if a == m.A.ID && b == m.B.ID {
		return nil
	}
	return ErrDuplicate
}

func (r *Postgres) RecordMove(ctx context.Context, matchID string, mv domain.Move) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updatePosition(ctx, tx, matchID, mv); err != nil {
		return err
	}
	inserted, err := appendMove(ctx, tx, matchID, mv)
	if err != nil {
		return err
	}
	if !inserted {
		// replay of a committed attempt; the rollback keeps the stored position
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move tx: %w", err)
	}
	return nil
}

func updatePosition(ctx context.Context, tx *sql.Tx, matchID string, mv domain.Move) error {
	const q = `
		UPDATE matches
		SET current_position = $2,
			move_count = GREATEST(move_count, $3),
			last_move_at = $4
		WHERE id = $1`
	res, err := tx.ExecContext(ctx, q, matchID, mv.After, mv.Seq, mv.At)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// appendMove reports false when the move number was already recorded with
// the same move.
func appendMove(ctx context.Context, tx *sql.Tx, matchID string, mv domain.Move) (bool, error) {
	const q = `
		INSERT INTO match_moves (
			match_id, move_number, move_from, move_to, promotion, san,
			position_before, position_after, time_taken_ms, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (match_id, move_number) DO NOTHING`
	res, err := tx.ExecContext(ctx, q,
		matchID, mv.Seq, mv.From, mv.To, mv.Promotion, mv.SAN,
		mv.Before, mv.After, mv.TimeTaken.Milliseconds(), mv.At,
	)
	if err != nil {
		return false, fmt.Errorf("append move: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	var from, to, promotion string
	err = tx.QueryRowContext(ctx,
		`SELECT move_from, move_to, promotion FROM match_moves WHERE match_id = $1 AND move_number = $2`,
		matchID, mv.Seq,
	).Scan(&from, &to, &promotion)
	if err != nil {
		return false, fmt.Errorf("check existing move: %w", err)
	}
	if from != mv.From || to != mv.To || promotion != mv.Promotion {
		return false, fmt.Errorf("%w: move %d is %s%s%s", ErrMoveConflict, mv.Seq, from, to, promotion)
	}
	return false, nil
}

func (r *Postgres) UpdateStatus(ctx context.Context, matchID string, status domain.Status, result domain.Result, reason string) error {
	var endedAt sql.NullTime
	if status.Terminal() {
		endedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}
	const q = `
		UPDATE matches
		SET status = $2, result = $3, end_reason = $4, ended_at = COALESCE(ended_at, $5)
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'ABANDONED', 'TIMED_OUT')`
	res, err := r.db.ExecContext(ctx, q, matchID, string(status), string(result), reason, endedAt)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var curStatus, curResult string
	err = r.db.QueryRowContext(ctx, `SELECT status, result FROM matches WHERE id = $1`, matchID).Scan(&curStatus, &curResult)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check status: %w", err)
	}
	if domain.Status(curStatus) == status && domain.Result(curResult) == result {
		return nil
	}
	return ErrTerminal
}

func (r *Postgres) LoadMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	const q = `
		SELECT
			m.id,
			m.participant_a, COALESCE(ua.name, ''), COALESCE(ua.is_guest, TRUE),
			COALESCE(m.participant_b, ''), COALESCE(ub.name, ''), COALESCE(ub.is_guest, TRUE),
			m.status, m.result, m.end_reason,
			m.initial_position, m.current_position,
			m.created_at, m.started_at, m.last_move_at, m.ended_at
		FROM matches m
		LEFT JOIN users ua ON ua.id = m.participant_a
		LEFT JOIN users ub ON ub.id = m.participant_b
		WHERE m.id = $1`

	var (
		m          domain.Match
		status     string
		result     string
		lastMoveAt sql.NullTime
		endedAt    sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, matchID).Scan(
		&m.ID,
		&m.A.ID, &m.A.Name, &m.A.Guest,
		&m.B.ID, &m.B.Name, &m.B.Guest,
		&status, &result, &m.Reason,
		&m.InitialPosition, &m.Position,
		&m.CreatedAt, &m.StartedAt, &lastMoveAt, &endedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load match: %w", err)
	}
	m.Status = domain.Status(status)
	m.Result = domain.Result(result)
	if lastMoveAt.Valid {
		m.LastMoveAt = lastMoveAt.Time
	}
	if endedAt.Valid {
		m.EndedAt = endedAt.Time
	}

	moves, err := r.loadMoves(ctx, matchID)
	if err != nil {
		return nil, err
	}
	m.Moves = moves
	return &m, nil
}

func (r *Postgres) loadMoves(ctx context.Context, matchID string) ([]domain.Move, error) {
	const q = `
		SELECT move_number, move_from, move_to, promotion, san,
			position_before, position_after, time_taken_ms, created_at
		FROM match_moves
		WHERE match_id = $1
		ORDER BY move_number ASC`
	rows, err := r.db.QueryContext(ctx, q, matchID)
	if err != nil {
		return nil, fmt.Errorf("query moves: %w", err)
	}
	defer rows.Close()

	var out []domain.Move
	for rows.Next() {
		var (
			mv      domain.Move
			takenMS int64
		)
		if err := rows.Scan(&mv.Seq, &mv.From, &mv.To, &mv.Promotion, &mv.SAN,
			&mv.Before, &mv.After, &takenMS, &mv.At); err != nil {
			return nil, fmt.Errorf("scan move: %w", err)
		}
		mv.TimeTaken = time.Duration(takenMS) * time.Millisecond
		out = append(out, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate moves: %w", err)
	}
	return out, nil
}

func (r *Postgres) UpsertParticipant(ctx context.Context, p domain.Participant) error {
	const q = `
		INSERT INTO users (id, name, is_guest, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_guest = EXCLUDED.is_guest,
			updated_at = now()`
	if _, err := r.db.ExecContext(ctx, q, p.ID, p.Name, p.Guest); err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
