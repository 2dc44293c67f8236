package database

import (
	"context"
	"sync"
	"time"
)

// MockRepo is an in-memory implementation of Repo for testing.
type MockRepo struct {
	mu   sync.Mutex
	runs map[string]*MeasurementRun
}

// NewMockRepo creates a new MockRepo.
func NewMockRepo() *MockRepo {
	return &MockRepo{runs: make(map[string]*MeasurementRun)}
}

// RunStatus returns the current status of a run (for test assertions).
func (m *MockRepo) RunStatus(runID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		return r.Status
	}
	return ""
}

// Runs returns a snapshot of every recorded run (for test assertions).
func (m *MockRepo) Runs() []*MeasurementRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MeasurementRun, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func (m *MockRepo) CreateRun(_ context.Context, run *MeasurementRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *run
	stored.Status = StatusPending
	stored.CreatedAt = time.Now()
	m.runs[run.ID] = &stored
	return nil
}

func (m *MockRepo) CompleteRun(_ context.Context, runID string, report map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		now := time.Now()
		r.Status = StatusCompleted
		r.Report = report
		r.FinishedAt = &now
	}
	return nil
}

func (m *MockRepo) FailRun(_ context.Context, runID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		now := time.Now()
		r.Status = StatusFailed
		r.Error = message
		r.FinishedAt = &now
	}
	return nil
}

func (m *MockRepo) GetRun(_ context.Context, runID string) (*MeasurementRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}
