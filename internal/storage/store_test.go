package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ctrlbot/internal/task"
	"ctrlbot/pkg/logx"
)

type storeFactory func(t *testing.T, now func() time.Time) Store

func drivers() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, now func() time.Time) Store {
			m := NewMemory()
			m.now = now
			return m
		},
		"sqlite": func(t *testing.T, now func() time.Time) Store {
			st, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			st.now = now
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"redis": func(t *testing.T, now func() time.Time) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			st := newRedisStore(client, "test:", logx.Nop())
			st.now = now
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

var base = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func post(text string) task.Payload { return task.Payload{ChatID: -100123, Text: text} }

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store, setNow func(time.Time))) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			cur := base
			st := open(t, func() time.Time { return cur })
			fn(t, st, func(v time.Time) { cur = v })
		})
	}
}

func TestNextDueTime(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, _ func(time.Time)) {
		ctx := context.Background()
		if _, ok, err := st.NextDueTime(ctx, time.Time{}); err != nil || ok {
			t.Fatalf("empty store: ok=%v err=%v", ok, err)
		}

		mustSchedule(t, st, task.ScheduledPost, base.Add(3*time.Hour), post("later"))
		mustSchedule(t, st, task.ScheduledPost, base.Add(-time.Minute), post("overdue"))

		got, ok, err := st.NextDueTime(ctx, time.Time{})
		if err != nil || !ok {
			t.Fatalf("next: ok=%v err=%v", ok, err)
		}
		if !got.Equal(base.Add(-time.Minute)) {
			t.Fatalf("next=%v, want overdue task", got)
		}

		got, ok, err = st.NextDueTime(ctx, base)
		if err != nil || !ok || !got.Equal(base.Add(3*time.Hour)) {
			t.Fatalf("next after now=%v ok=%v err=%v", got, ok, err)
		}
		if _, ok, _ := st.NextDueTime(ctx, base.Add(3*time.Hour)); ok {
			t.Fatalf("bound must be exclusive")
		}
	})
}

func TestDueTasksAndCompletion(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, _ func(time.Time)) {
		ctx := context.Background()
		b := mustSchedule(t, st, task.ScheduledPost, base.Add(-time.Minute), post("b"))
		a := mustSchedule(t, st, task.SelfDestruct, base.Add(-time.Hour), task.Payload{ChatID: -1, MessageID: 77})
		mustSchedule(t, st, task.ScheduledPost, base.Add(time.Minute), post("future"))

		due, err := st.DueTasks(ctx, base)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 2 || due[0].ID != a || due[1].ID != b {
			t.Fatalf("unexpected due tasks %+v", due)
		}
		if due[0].Kind != task.SelfDestruct || due[0].Payload.MessageID != 77 || due[0].Status != task.Pending {
			t.Fatalf("task not round-tripped: %+v", due[0])
		}

		if err := st.MarkCompleted(ctx, a); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if err := st.MarkCompleted(ctx, a); err != nil {
			t.Fatalf("second complete must be a no-op: %v", err)
		}
		due, _ = st.DueTasks(ctx, base)
		if len(due) != 1 || due[0].ID != b {
			t.Fatalf("completed task returned again: %+v", due)
		}
		got, err := st.Get(ctx, a)
		if err != nil || got.Status != task.Completed || got.FinishedAt.IsZero() {
			t.Fatalf("get completed: %+v %v", got, err)
		}
		if err := st.MarkCompleted(ctx, 9999); !errors.Is(err, task.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestFailureAccounting(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, _ func(time.Time)) {
		ctx := context.Background()
		id := mustSchedule(t, st, task.ScheduledPost, base, post("x"))

		for want := 1; want <= 2; want++ {
			n, err := st.RecordFailure(ctx, id, "chat not found")
			if err != nil || n != want {
				t.Fatalf("attempts=%d err=%v, want %d", n, err, want)
			}
		}
		got, _ := st.Get(ctx, id)
		if got.Status != task.Pending || got.LastError != "chat not found" {
			t.Fatalf("failure must leave task pending: %+v", got)
		}

		if err := st.MarkFailed(ctx, id, "gave up"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if err := st.MarkCompleted(ctx, id); err != nil {
			t.Fatalf("complete after fail: %v", err)
		}
		got, _ = st.Get(ctx, id)
		if got.Status != task.Failed || got.LastError != "gave up" {
			t.Fatalf("terminal status must not change: %+v", got)
		}
		if _, ok, _ := st.NextDueTime(ctx, time.Time{}); ok {
			t.Fatalf("failed task must not be due")
		}
		if _, err := st.RecordFailure(ctx, 4242, "x"); !errors.Is(err, task.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListCountPurge(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, setNow func(time.Time)) {
		ctx := context.Background()
		old := mustSchedule(t, st, task.ScheduledPost, base.Add(-48*time.Hour), post("old"))
		recent := mustSchedule(t, st, task.ScheduledPost, base.Add(-time.Hour), post("recent"))
		mustSchedule(t, st, task.ScheduledPost, base.Add(2*time.Hour), post("today"))
		mustSchedule(t, st, task.ScheduledPost, base.Add(30*time.Hour), post("tomorrow"))

		setNow(base.Add(-10 * 24 * time.Hour))
		if err := st.MarkCompleted(ctx, old); err != nil {
			t.Fatal(err)
		}
		setNow(base)
		if err := st.MarkCompleted(ctx, recent); err != nil {
			t.Fatal(err)
		}

		all, err := st.List(ctx, ListFilter{})
		if err != nil || len(all) != 4 {
			t.Fatalf("list all: %d %v", len(all), err)
		}
		pending, _ := st.List(ctx, ListFilter{Status: task.Pending, Limit: 1})
		if len(pending) != 1 || pending[0].Payload.Text != "today" {
			t.Fatalf("list pending: %+v", pending)
		}

		day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
		n, err := st.CountPending(ctx, day, day.AddDate(0, 0, 1))
		if err != nil || n != 1 {
			t.Fatalf("count today=%d err=%v", n, err)
		}

		purged, err := st.PurgeFinished(ctx, base.Add(-7*24*time.Hour))
		if err != nil || purged != 1 {
			t.Fatalf("purged=%d err=%v", purged, err)
		}
		if _, err := st.Get(ctx, old); !errors.Is(err, task.ErrNotFound) {
			t.Fatalf("old task should be purged: %v", err)
		}
		if _, err := st.Get(ctx, recent); err != nil {
			t.Fatalf("recent finished task must be kept: %v", err)
		}
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	_ = st.Close()
	if _, err := st.Schedule(context.Background(), task.ScheduledPost, base, post("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func mustSchedule(t *testing.T, st Store, kind task.Kind, due time.Time, p task.Payload) task.ID {
	t.Helper()
	id, err := st.Schedule(context.Background(), kind, due, p)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return id
}

func TestRedisDropsOrphanedPendingEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := newRedisStore(client, "test:", logx.Nop())
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	ghost := mustSchedule(t, st, task.ScheduledPost, base.Add(-time.Minute), post("ghost"))
	kept := mustSchedule(t, st, task.ScheduledPost, base.Add(-time.Second), post("kept"))
	mr.Del(st.taskKey(ghost))

	due, err := st.DueTasks(ctx, base)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != kept {
		t.Fatalf("due=%+v, want only task %d", due, kept)
	}
	if err := st.MarkCompleted(ctx, kept); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if next, ok, err := st.NextDueTime(ctx, time.Time{}); err != nil || ok {
		t.Fatalf("orphan still reported: next=%v ok=%v err=%v", next, ok, err)
	}
	if n, _ := client.ZCard(ctx, st.pendingKey()).Result(); n != 0 {
		t.Fatalf("pending index has %d entries", n)
	}
}
