package storage

import (
	"context"
	"errors"
	"time"

	"ctrlbot/internal/task"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrClosed        = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values: "sqlite" (default), "redis", "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// ListFilter narrows List. Zero value lists every task.
type ListFilter struct {
	Status task.Status
	Limit  int
}

// Store is the full persistence API: the scheduler-facing task.Store plus
// maintenance calls used by the CLI, the daily check and retention cleanup.
type Store interface {
	task.Store
	Get(ctx context.Context, id task.ID) (task.Task, error)
	// List returns tasks ordered by due time.
	List(ctx context.Context, f ListFilter) ([]task.Task, error)
	// CountPending counts pending tasks with from <= DueAt < to.
	CountPending(ctx context.Context, from, to time.Time) (int, error)
	// PurgeFinished deletes completed and failed tasks finished before the cutoff.
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
