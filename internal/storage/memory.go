package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"ctrlbot/internal/task"
)

// Memory is a process-local Store.
type Memory struct {
	mu     sync.Mutex
	tasks  map[task.ID]*task.Task
	nextID task.ID
	closed bool
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{tasks: map[task.ID]*task.Task{}, now: time.Now}
}

func (m *Memory) Schedule(_ context.Context, kind task.Kind, dueAt time.Time, payload task.Payload) (task.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.nextID++
	m.tasks[m.nextID] = &task.Task{
		ID:        m.nextID,
		Kind:      kind,
		DueAt:     dueAt,
		Status:    task.Pending,
		CreatedAt: m.now(),
		Payload:   payload,
	}
	return m.nextID, nil
}

func (m *Memory) NextDueTime(_ context.Context, after time.Time) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	var best time.Time
	found := false
	for _, t := range m.tasks {
		if t.Status != task.Pending {
			continue
		}
		if !after.IsZero() && !t.DueAt.After(after) {
			continue
		}
		if !found || t.DueAt.Before(best) {
			best, found = t.DueAt, true
		}
	}
	return best, found, nil
}

func (m *Memory) DueTasks(_ context.Context, asOf time.Time) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []task.Task
	for _, t := range m.tasks {
		if t.Status == task.Pending && !t.DueAt.After(asOf) {
			out = append(out, *t)
		}
	}
	sortByDue(out)
	return out, nil
}

func (m *Memory) MarkCompleted(_ context.Context, id task.ID) error {
	return m.finish(id, task.Completed, "")
}

func (m *Memory) MarkFailed(_ context.Context, id task.ID, reason string) error {
	return m.finish(id, task.Failed, reason)
}

func (m *Memory) finish(id task.ID, st task.Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status != task.Pending {
		return nil
	}
	t.Status = st
	t.FinishedAt = m.now()
	if reason != "" {
		t.LastError = reason
	}
	return nil
}

func (m *Memory) RecordFailure(_ context.Context, id task.ID, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return 0, task.ErrNotFound
	}
	if t.Status != task.Pending {
		return t.Attempts, nil
	}
	t.Attempts++
	t.LastError = reason
	return t.Attempts, nil
}

func (m *Memory) Get(_ context.Context, id task.ID) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return *t, nil
}

func (m *Memory) List(_ context.Context, f ListFilter) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if f.Status == "" || t.Status == f.Status {
			out = append(out, *t)
		}
	}
	sortByDue(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CountPending(_ context.Context, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == task.Pending && !t.DueAt.Before(from) && t.DueAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) PurgeFinished(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.FinishedAt.Before(before) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sortByDue(ts []task.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].DueAt.Equal(ts[j].DueAt) {
			return ts[i].DueAt.Before(ts[j].DueAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
