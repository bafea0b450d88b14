package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Backland-Labs/conductor/internal/run"
)

// Memory is an in-process Store used by tests and single-process dev mode.
type Memory struct {
	mu    sync.Mutex
	runs  map[string]*run.Run
	files map[string]*FileExtraction
	now   func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:  make(map[string]*run.Run),
		files: make(map[string]*FileExtraction),
		now:   utcNow,
	}
}

// WithClock overrides the clock used for UpdatedAt and soft deletes.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// CreateRun implements Store.
func (m *Memory) CreateRun(_ context.Context, r *run.Run) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	m.runs[r.ID] = r.Clone()
	return nil
}

// LoadRun implements Store.
func (m *Memory) LoadRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	return r.Clone(), nil
}

// UpdateRun implements Store.
func (m *Memory) UpdateRun(_ context.Context, id string, fn MutateFunc) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.runs[id]
	if !ok || current.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	next, err := applyMutation(current, fn, m.now())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current.Clone(), nil
	}
	m.runs[id] = next
	return next.Clone(), nil
}

// DeleteRun implements Store.
func (m *Memory) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.IsDeleted() {
		return fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	now := m.now()
	r.DeletedAt = &now
	r.Version++
	return nil
}

// CountActiveRuns implements Store.
func (m *Memory) CountActiveRuns(_ context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.OwnerID == ownerID && !r.IsDeleted() && r.Status.IsActive() {
			n++
		}
	}
	return n, nil
}

// ExpireOverdue implements Store.
func (m *Memory) ExpireOverdue(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.runs {
		if r.IsDeleted() || r.Status.IsTerminal() || !r.ExpiresAt.Before(now) {
			continue
		}
		r.Status = run.StatusExpired
		r.RequiredAction = nil
		r.UpdatedAt = now
		r.Version++
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// FindFileExtraction implements Store.
func (m *Memory) FindFileExtraction(_ context.Context, fileID string) (*FileExtraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fe, ok := m.files[fileID]
	if !ok {
		return nil, nil
	}
	out := *fe
	return &out, nil
}

// PutFileExtraction implements Store.
func (m *Memory) PutFileExtraction(_ context.Context, fe *FileExtraction) error {
	if fe == nil || fe.FileID == "" {
		return fmt.Errorf("file id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *fe
	out.UpdatedAt = m.now()
	m.files[fe.FileID] = &out
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
