package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slate-ai/slate/pkg/blackboard"
	"github.com/slate-ai/slate/pkg/event"
)

// MemoryStore is an in-memory implementation of every blackboard store
// interface, with the same version-check semantics as the Postgres
// implementation. Unit tests across the module use it in place of a running
// database; miniredis plays the matching role for the Redis-backed pieces.
type MemoryStore struct {
	mu        sync.Mutex
	projects  map[string]*blackboard.Project
	tasks     map[string]*blackboard.Task
	approvals map[string]*blackboard.ApprovalRequest
	events    map[string]*event.Event
	eventSeq  []string // insertion order, for stable listing
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:  map[string]*blackboard.Project{},
		tasks:     map[string]*blackboard.Task{},
		approvals: map[string]*blackboard.ApprovalRequest{},
		events:    map[string]*event.Event{},
	}
}

// deepCopy round-trips a value through JSON so callers never share memory
// with the store, mirroring the isolation a real database gives.
func deepCopy[T any](in T, out *T) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// InsertProject implements blackboard.ProjectStore.
func (m *MemoryStore) InsertProject(_ context.Context, p *blackboard.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.projects[p.ProjectID]; exists {
		return fmt.Errorf("%w: %s", blackboard.ErrProjectExists, p.ProjectID)
	}

	var stored blackboard.Project
	if err := deepCopy(*p, &stored); err != nil {
		return err
	}
	m.projects[p.ProjectID] = &stored
	return nil
}

// GetProject implements blackboard.ProjectStore.
func (m *MemoryStore) GetProject(_ context.Context, projectID string) (*blackboard.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blackboard.ErrProjectNotFound, projectID)
	}

	var out blackboard.Project
	if err := deepCopy(*p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProject implements blackboard.ProjectStore with compare-and-swap on
// the version column.
func (m *MemoryStore) UpdateProject(_ context.Context, p *blackboard.Project, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.projects[p.ProjectID]
	if !ok {
		return fmt.Errorf("%w: %s", blackboard.ErrProjectNotFound, p.ProjectID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: project %s expected version %d, have %d",
			blackboard.ErrVersionConflict, p.ProjectID, expectedVersion, current.Version)
	}

	var stored blackboard.Project
	if err := deepCopy(*p, &stored); err != nil {
		return err
	}
	m.projects[p.ProjectID] = &stored
	return nil
}

// ListActiveProjects implements blackboard.ProjectStore.
func (m *MemoryStore) ListActiveProjects(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]*blackboard.Project, 0, len(m.projects))
	for _, p := range m.projects {
		if !p.Status.Terminal() {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	ids := make([]string, len(active))
	for i, p := range active {
		ids[i] = p.ProjectID
	}
	return ids, nil
}

// PutTask implements blackboard.TaskStore.
func (m *MemoryStore) PutTask(_ context.Context, t *blackboard.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored blackboard.Task
	if err := deepCopy(*t, &stored); err != nil {
		return err
	}
	m.tasks[t.TaskID] = &stored
	return nil
}

// GetTask implements blackboard.TaskStore.
func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*blackboard.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blackboard.ErrTaskNotFound, taskID)
	}

	var out blackboard.Task
	if err := deepCopy(*t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasksByProject implements blackboard.TaskStore.
func (m *MemoryStore) ListTasksByProject(_ context.Context, projectID string) ([]*blackboard.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []*blackboard.Task
	for _, t := range m.tasks {
		if t.ProjectID != projectID {
			continue
		}
		var out blackboard.Task
		if err := deepCopy(*t, &out); err != nil {
			return nil, err
		}
		tasks = append(tasks, &out)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	return tasks, nil
}

// PutApproval implements blackboard.ApprovalStore.
func (m *MemoryStore) PutApproval(_ context.Context, a *blackboard.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored blackboard.ApprovalRequest
	if err := deepCopy(*a, &stored); err != nil {
		return err
	}
	m.approvals[a.ApprovalID] = &stored
	return nil
}

// GetApproval implements blackboard.ApprovalStore.
func (m *MemoryStore) GetApproval(_ context.Context, approvalID string) (*blackboard.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[approvalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blackboard.ErrApprovalNotFound, approvalID)
	}

	var out blackboard.ApprovalRequest
	if err := deepCopy(*a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListApprovalsByProject implements blackboard.ApprovalStore.
func (m *MemoryStore) ListApprovalsByProject(_ context.Context, projectID string) ([]*blackboard.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var approvals []*blackboard.ApprovalRequest
	for _, a := range m.approvals {
		if a.ProjectID != projectID {
			continue
		}
		var out blackboard.ApprovalRequest
		if err := deepCopy(*a, &out); err != nil {
			return nil, err
		}
		approvals = append(approvals, &out)
	}

	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt.After(approvals[j].CreatedAt)
	})
	return approvals, nil
}

// ListPendingApprovals implements blackboard.ApprovalStore.
func (m *MemoryStore) ListPendingApprovals(_ context.Context) ([]*blackboard.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var approvals []*blackboard.ApprovalRequest
	for _, a := range m.approvals {
		if a.Status != blackboard.ApprovalStatusPending {
			continue
		}
		var out blackboard.ApprovalRequest
		if err := deepCopy(*a, &out); err != nil {
			return nil, err
		}
		approvals = append(approvals, &out)
	}

	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
	})
	return approvals, nil
}

// InsertEvent implements blackboard.EventStore.
func (m *MemoryStore) InsertEvent(_ context.Context, e *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[e.ID]; exists {
		return fmt.Errorf("%w: %s", blackboard.ErrEventExists, e.ID)
	}

	var stored event.Event
	if err := deepCopy(*e, &stored); err != nil {
		return err
	}
	m.events[e.ID] = &stored
	m.eventSeq = append(m.eventSeq, e.ID)
	return nil
}

// GetEvent implements blackboard.EventStore.
func (m *MemoryStore) GetEvent(_ context.Context, eventID string) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blackboard.ErrEventNotFound, eventID)
	}

	var out event.Event
	if err := deepCopy(*e, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEvents implements blackboard.EventStore.
func (m *MemoryStore) ListEvents(_ context.Context, projectID string, types []event.Type, since, until time.Time) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	typeSet := map[event.Type]bool{}
	for _, t := range types {
		typeSet[t] = true
	}

	var events []*event.Event
	for _, id := range m.eventSeq {
		e := m.events[id]
		if e.ProjectID != projectID {
			continue
		}
		if len(typeSet) > 0 && !typeSet[e.Type] {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && e.Timestamp.After(until) {
			continue
		}
		var out event.Event
		if err := deepCopy(*e, &out); err != nil {
			return nil, err
		}
		events = append(events, &out)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}
