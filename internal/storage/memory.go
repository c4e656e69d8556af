// Package storage provides the persistence adapters behind the session and
// pipeline store contracts: an in-memory map for tests and single-node runs,
// and Postgres for everything else. Both enforce the same compare-and-swap
// semantics on Session.Version.
package storage

import (
	"context"
	"sync"

	"github.com/m3rciful/menubot/internal/pipeline"
	"github.com/m3rciful/menubot/internal/session"
)

// Memory keeps sessions and jobs in process memory.
type Memory struct {
	mu       sync.RWMutex
	sessions map[int64]*session.Session
	jobs     map[string]*pipeline.Job
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[int64]*session.Session),
		jobs:     make(map[string]*pipeline.Job),
	}
}

// LoadSession implements session.Store.
func (m *Memory) LoadSession(_ context.Context, userID int64) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Clone(), nil
}

// SaveSession implements session.Store with compare-and-swap on Version:
// a session loaded at version N saves only if the stored version is still N,
// and the stored version becomes N+1. Version 0 means "must not exist yet".
func (m *Memory) SaveSession(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.sessions[s.UserID]
	switch {
	case s.Version == 0:
		if exists {
			return session.ErrVersionConflict
		}
	case !exists || stored.Version != s.Version:
		return session.ErrVersionConflict
	}

	s.Version++
	m.sessions[s.UserID] = s.Clone()
	return nil
}

// CreateJob implements pipeline.Store.
func (m *Memory) CreateJob(_ context.Context, j *pipeline.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

// UpdateJob implements pipeline.Store.
func (m *Memory) UpdateJob(_ context.Context, j *pipeline.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return pipeline.ErrJobNotFound
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

// GetJob implements pipeline.Store.
func (m *Memory) GetJob(_ context.Context, id string) (*pipeline.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, pipeline.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}
