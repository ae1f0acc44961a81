// Package task defines the unit of scheduled work (scheduled posts and
// self-destructing messages) together with the store and executor contracts
// the scheduler drives.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	ErrNotFound       = errors.New("task not found")
	ErrInvalidPayload = errors.New("invalid task payload")
	ErrUnknownKind    = errors.New("unknown task kind")
)

// MaxTextLen is Telegram's limit for one message. A post must go out as a
// single message so a retry cannot repeat part of it.
const MaxTextLen = 4096

type ID int64

type Kind string

const (
	ScheduledPost Kind = "scheduled_post"
	SelfDestruct  Kind = "self_destruct"
)

func (k Kind) Valid() bool { return k == ScheduledPost || k == SelfDestruct }

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

type Status string

const (
	Pending   Status = "pending"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

// Payload carries the message references a task acts on.
// It is opaque to the scheduler; only executors interpret it.
type Payload struct {
	ChatID         int64  `json:"chat_id"`
	MessageID      int    `json:"message_id,omitempty"`
	FromChatID     int64  `json:"from_chat_id,omitempty"`
	UserID         int64  `json:"user_id,omitempty"`
	Text           string `json:"text,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	Silent         bool   `json:"silent,omitempty"`
}

// Validate checks the fields required by kind.
func (p Payload) Validate(kind Kind) error {
	if p.ChatID == 0 {
		return fmt.Errorf("%w: chat_id is required", ErrInvalidPayload)
	}
	switch kind {
	case ScheduledPost:
		if p.Text == "" && (p.FromChatID == 0 || p.MessageID == 0) {
			return fmt.Errorf("%w: scheduled post needs text or from_chat_id+message_id", ErrInvalidPayload)
		}
		if n := utf8.RuneCountInString(p.Text); n > MaxTextLen {
			return fmt.Errorf("%w: text is %d characters, limit %d", ErrInvalidPayload, n, MaxTextLen)
		}
	case SelfDestruct:
		if p.MessageID == 0 {
			return fmt.Errorf("%w: self-destruct needs message_id", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}

func (p Payload) Encode() ([]byte, error) { return json.Marshal(p) }

func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

type Task struct {
	ID         ID
	Kind       Kind
	DueAt      time.Time
	Status     Status
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	FinishedAt time.Time
	Payload    Payload
}

// Store is the persistence contract the scheduler depends on.
//
// Implementations serialize their own reads and writes. Completed and Failed
// tasks are never returned by NextDueTime or DueTasks.
type Store interface {
	// NextDueTime returns the earliest pending due time strictly after `after`.
	// A zero `after` means no lower bound. ok is false when nothing qualifies.
	NextDueTime(ctx context.Context, after time.Time) (due time.Time, ok bool, err error)
	// DueTasks returns pending tasks with DueAt <= asOf, oldest first.
	DueTasks(ctx context.Context, asOf time.Time) ([]Task, error)
	// MarkCompleted is idempotent; completing a finished task is a no-op.
	MarkCompleted(ctx context.Context, id ID) error
	// RecordFailure bumps the attempt counter of a pending task and returns it.
	RecordFailure(ctx context.Context, id ID, reason string) (attempts int, err error)
	// MarkFailed moves a pending task to Failed. No-op for finished tasks.
	MarkFailed(ctx context.Context, id ID, reason string) error
	Schedule(ctx context.Context, kind Kind, dueAt time.Time, payload Payload) (ID, error)
}

// Executor performs a task's side effect.
type Executor interface {
	Execute(ctx context.Context, t Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t Task) error

func (f ExecutorFunc) Execute(ctx context.Context, t Task) error { return f(ctx, t) }

// ExecutionError wraps an executor failure with the task it belongs to.
type ExecutionError struct {
	TaskID ID
	Kind   Kind
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s task %d: %v", e.Kind, e.TaskID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// NoRetry marks an executor error as permanent: the scheduler marks the task
// Failed at once instead of leaving it Pending for the next sweep.
//
//	return task.NoRetry(fmt.Errorf("chat %d not found", chatID))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err (or anything it wraps) came from NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
