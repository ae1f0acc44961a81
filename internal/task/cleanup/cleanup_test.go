package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"ctrlbot/internal/storage"
	"ctrlbot/internal/task"
	"ctrlbot/pkg/logx"
)

type purgeRecorder struct {
	before time.Time
	n      int64
	err    error
}

func (p *purgeRecorder) PurgeFinished(_ context.Context, before time.Time) (int64, error) {
	p.before = before
	return p.n, p.err
}

func TestRunOnceUsesRetention(t *testing.T) {
	now := time.Date(2025, 3, 14, 0, 30, 0, 0, time.UTC)
	rec := &purgeRecorder{n: 3}
	svc := New(Config{Retention: 48 * time.Hour}, rec, logx.Nop())
	svc.now = func() time.Time { return now }

	n, err := svc.RunOnce(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !rec.before.Equal(now.Add(-48 * time.Hour)) {
		t.Fatalf("cutoff=%v", rec.before)
	}

	rec.err = errors.New("disk full")
	if _, err := svc.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected purge error")
	}
}

func TestRunOnceKeepsPendingAndRecent(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	done, _ := st.Schedule(ctx, task.ScheduledPost, time.Now().Add(-time.Hour), task.Payload{ChatID: 1, Text: "a"})
	pending, _ := st.Schedule(ctx, task.ScheduledPost, time.Now().Add(-time.Hour), task.Payload{ChatID: 1, Text: "b"})
	if err := st.MarkCompleted(ctx, done); err != nil {
		t.Fatal(err)
	}

	svc := New(Config{}, st, logx.Nop())
	if n, _ := svc.RunOnce(ctx); n != 0 {
		t.Fatalf("recently finished task purged")
	}
	svc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	if n, _ := svc.RunOnce(ctx); n != 1 {
		t.Fatalf("expected the completed task to be purged after retention, got %d", n)
	}
	if _, err := st.Get(ctx, pending); err != nil {
		t.Fatalf("pending task must never be purged: %v", err)
	}
}

func TestStartAndApply(t *testing.T) {
	svc := New(Config{Enabled: true}, &purgeRecorder{}, logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(context.Background())
	if svc.Next().IsZero() {
		t.Fatalf("cleanup not scheduled")
	}

	if err := svc.Apply(context.Background(), Config{Enabled: true, Schedule: "bogus"}); err == nil {
		t.Fatalf("expected invalid schedule to be rejected")
	}
	if err := svc.Apply(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !svc.Next().IsZero() {
		t.Fatalf("disabled cleanup still scheduled")
	}
}
