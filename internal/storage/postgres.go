package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/menubot/internal/pipeline"
	"github.com/m3rciful/menubot/internal/session"
)

// Postgres persists sessions and jobs in the bot database.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an already-connected pool.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// sessionRow mirrors the sessions table; history and last_reply are JSONB.
type sessionRow struct {
	UserID       int64     `db:"user_id"`
	State        string    `db:"state"`
	CurrentNode  string    `db:"current_node"`
	History      []byte    `db:"history"`
	PendingJobID string    `db:"pending_job_id"`
	ActionTarget string    `db:"action_target"`
	LastEventKey string    `db:"last_event_key"`
	LastReply    []byte    `db:"last_reply"`
	Version      int64     `db:"version"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// LoadSession implements session.Store.
func (p *Postgres) LoadSession(ctx context.Context, userID int64) (*session.Session, error) {
	const q = `SELECT user_id, state, current_node, history, pending_job_id,
		action_target, last_event_key, last_reply, version, updated_at
		FROM sessions WHERE user_id = $1`

	var row sessionRow
	if err := p.db.GetContext(ctx, &row, q, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("storage: load session %d: %w", userID, err)
	}

	s := &session.Session{
		UserID:       row.UserID,
		State:        session.State(row.State),
		CurrentNode:  row.CurrentNode,
		PendingJobID: row.PendingJobID,
		ActionTarget: row.ActionTarget,
		LastEventKey: row.LastEventKey,
		Version:      row.Version,
		UpdatedAt:    row.UpdatedAt,
	}
	if len(row.History) > 0 {
		if err := json.Unmarshal(row.History, &s.History); err != nil {
			return nil, fmt.Errorf("storage: session %d history: %w", userID, err)
		}
	}
	if len(row.LastReply) > 0 {
		var r session.Reply
		if err := json.Unmarshal(row.LastReply, &r); err != nil {
			return nil, fmt.Errorf("storage: session %d last_reply: %w", userID, err)
		}
		s.LastReply = &r
	}
	return s, nil
}

// SaveSession implements session.Store. Version 0 inserts a fresh row;
// anything else updates only the expected version. Either way a lost race
// surfaces as session.ErrVersionConflict and the caller reloads.
func (p *Postgres) SaveSession(ctx context.Context, s *session.Session) error {
	history, err := json.Marshal(s.History)
	if err != nil {
		return fmt.Errorf("storage: marshal history: %w", err)
	}
	var lastReply []byte
	if s.LastReply != nil {
		if lastReply, err = json.Marshal(s.LastReply); err != nil {
			return fmt.Errorf("storage: marshal last_reply: %w", err)
		}
	}

	if s.Version == 0 {
		const q = `INSERT INTO sessions
			(user_id, state, current_node, history, pending_job_id,
			 action_target, last_event_key, last_reply, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)
			ON CONFLICT (user_id) DO NOTHING`
		res, err := p.db.ExecContext(ctx, q,
			s.UserID, s.State, s.CurrentNode, history, s.PendingJobID,
			s.ActionTarget, s.LastEventKey, lastReply, s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("storage: insert session %d: %w", s.UserID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return session.ErrVersionConflict
		}
		s.Version = 1
		return nil
	}

	const q = `UPDATE sessions SET
		state = $1, current_node = $2, history = $3, pending_job_id = $4,
		action_target = $5, last_event_key = $6, last_reply = $7,
		version = version + 1, updated_at = $8
		WHERE user_id = $9 AND version = $10`
	res, err := p.db.ExecContext(ctx, q,
		s.State, s.CurrentNode, history, s.PendingJobID,
		s.ActionTarget, s.LastEventKey, lastReply, s.UpdatedAt,
		s.UserID, s.Version)
	if err != nil {
		return fmt.Errorf("storage: update session %d: %w", s.UserID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrVersionConflict
	}
	s.Version++
	return nil
}

// CreateJob implements pipeline.Store.
func (p *Postgres) CreateJob(ctx context.Context, j *pipeline.Job) error {
	const q = `INSERT INTO media_jobs
		(id, user_id, input_ref, output_ref, status, error, attempts, created_at, updated_at)
		VALUES (:id, :user_id, :input_ref, :output_ref, :status, :error, :attempts, :created_at, :updated_at)`
	if _, err := p.db.NamedExecContext(ctx, q, j); err != nil {
		return fmt.Errorf("storage: insert job %s: %w", j.ID, err)
	}
	return nil
}

// UpdateJob implements pipeline.Store.
func (p *Postgres) UpdateJob(ctx context.Context, j *pipeline.Job) error {
	const q = `UPDATE media_jobs SET
		output_ref = :output_ref, status = :status, error = :error,
		attempts = :attempts, updated_at = :updated_at
		WHERE id = :id`
	res, err := p.db.NamedExecContext(ctx, q, j)
	if err != nil {
		return fmt.Errorf("storage: update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// GetJob implements pipeline.Store.
func (p *Postgres) GetJob(ctx context.Context, id string) (*pipeline.Job, error) {
	const q = `SELECT id, user_id, input_ref, output_ref, status, error, attempts,
		created_at, updated_at FROM media_jobs WHERE id = $1`
	var j pipeline.Job
	if err := p.db.GetContext(ctx, &j, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pipeline.ErrJobNotFound
		}
		return nil, fmt.Errorf("storage: get job %s: %w", id, err)
	}
	return &j, nil
}
