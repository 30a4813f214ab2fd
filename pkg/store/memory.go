package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edwingeng/deque"
	"github.com/google/uuid"

	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// Memory is a thread-safe in-memory Store. It keeps at most maxRuns
// finished runs, evicting the oldest first.
type Memory struct {
	mu      sync.RWMutex
	scripts map[string]*Script
	runs    map[string]*Run
	order   deque.Deque // run ids, oldest first
	maxRuns int
	now     func() time.Time
}

// NewMemory creates an empty store. maxRuns <= 0 keeps every run.
func NewMemory(maxRuns int) *Memory {
	return &Memory{
		scripts: make(map[string]*Script),
		runs:    make(map[string]*Run),
		order:   deque.NewDeque(),
		maxRuns: maxRuns,
		now:     time.Now,
	}
}

// CreateScript stores a new script as revision 1.
func (m *Memory) CreateScript(s *Script) (*Script, error) {
	if err := ValidateID(s.ID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.scripts[s.ID]; exists {
		return nil, fmt.Errorf("script '%s' %w", s.ID, ErrAlreadyExists)
	}
	now := m.now()
	stored := *s
	stored.Revision = 1
	stored.RevisionID = RevisionID(1, s.Source)
	stored.CreateTime = now
	stored.UpdateTime = now
	m.scripts[s.ID] = &stored

	out := stored
	return &out, nil
}

// GetScript retrieves a script by id.
func (m *Memory) GetScript(id string) (*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scripts[id]
	if !ok {
		return nil, notFound("script", id)
	}
	out := *s
	return &out, nil
}

// ListScripts returns all scripts ordered by id.
func (m *Memory) ListScripts() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		out := *s
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateScript applies u and starts a new revision.
func (m *Memory) UpdateScript(id string, u ScriptUpdate) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scripts[id]
	if !ok {
		return nil, notFound("script", id)
	}
	applyUpdate(s, u)
	s.Revision++
	s.RevisionID = RevisionID(s.Revision, s.Source)
	s.UpdateTime = m.now()

	out := *s
	return &out, nil
}

func applyUpdate(s *Script, u ScriptUpdate) {
	if u.Description != nil {
		s.Description = *u.Description
	}
	if u.Source != nil {
		s.Source = *u.Source
	}
	if u.Schedule != nil {
		s.Schedule = *u.Schedule
	}
	if u.Variables != nil {
		s.Variables = *u.Variables
	}
}

// DeleteScript removes a script. Its runs are kept.
func (m *Memory) DeleteScript(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scripts[id]; !ok {
		return notFound("script", id)
	}
	delete(m.scripts, id)
	return nil
}

// CreateRun records a new active run of a script.
func (m *Memory) CreateRun(scriptID string, variables types.Value) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scripts[scriptID]
	if !ok {
		return nil, notFound("script", scriptID)
	}

	r := &Run{
		ID:         uuid.NewString(),
		Script:     scriptID,
		RevisionID: s.RevisionID,
		State:      RunActive,
		Variables:  EncodeValue(variables),
		StartTime:  m.now(),
	}
	m.runs[r.ID] = r
	m.order.PushBack(r.ID)
	m.evict()

	out := *r
	return &out, nil
}

// evict drops the oldest finished runs beyond maxRuns. Active runs are
// never evicted.
func (m *Memory) evict() {
	if m.maxRuns <= 0 {
		return
	}
	for n := m.order.Len(); n > 0 && len(m.runs) > m.maxRuns; n-- {
		id := m.order.PopFront().(string)
		r, ok := m.runs[id]
		if !ok {
			continue
		}
		if !r.State.Terminal() {
			m.order.PushBack(id)
			continue
		}
		delete(m.runs, id)
	}
}

// GetRun retrieves a run by id.
func (m *Memory) GetRun(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	out := *r
	return &out, nil
}

// ListRuns returns the runs of a script, newest first.
func (m *Memory) ListRuns(scriptID string) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Run
	for _, r := range m.runs {
		if scriptID == "" || r.Script == scriptID {
			out := *r
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].ID > result[j].ID
		}
		return result[i].StartTime.After(result[j].StartTime)
	})
	return result, nil
}

// FinishRun records the outcome of an active run. A run cancelled in the
// meantime keeps its cancelled state.
func (m *Memory) FinishRun(id string, out Outcome) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	if r.State == RunActive {
		finish(r, out, m.now())
		m.evict()
	}
	cp := *r
	return &cp, nil
}

// CancelRun marks an active run as cancelled.
func (m *Memory) CancelRun(id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	if r.State != RunActive {
		return nil, fmt.Errorf("run '%s' (state %s): %w", id, r.State, ErrNotActive)
	}
	r.State = RunCancelled
	r.EndTime = m.now()
	out := *r
	return &out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
