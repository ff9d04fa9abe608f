package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrClosed       = errors.New("store closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot rewritten in full on every mutation
//   - "sqlite": SQLite database file (build with -tags sqlite)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Step is the per-user setup progress.
type Step int

const (
	StepNone Step = iota
	StepAwaitingDestination
	StepAwaitingMessage
	StepAwaitingInterval
)

var stepNames = map[Step]string{
	StepNone:                "none",
	StepAwaitingDestination: "awaiting_destination",
	StepAwaitingMessage:     "awaiting_message",
	StepAwaitingInterval:    "awaiting_interval",
}

func (s Step) String() string {
	if n, ok := stepNames[s]; ok {
		return n
	}
	return "none"
}

// Steps serialize as strings so the stored file stays readable and additive.
func (s Step) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Step) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, n := range stepNames {
		if n == raw {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown step %q", raw)
}

// UserState is the transient setup progress for one user. Fields from later
// steps stay zero until that step is reached.
type UserState struct {
	UserID           int64     `json:"user_id"`
	Step             Step      `json:"step"`
	DestinationID    int64     `json:"destination_id,omitempty"`
	DestinationTitle string    `json:"destination_title,omitempty"`
	SourceMessageID  int       `json:"source_message_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type TaskStatus string

const (
	TaskActive  TaskStatus = "active"
	TaskStopped TaskStatus = "stopped"
)

// Task is one durable, possibly-running forwarding job. Destination, source
// message and interval are immutable after creation.
type Task struct {
	ID               int        `json:"id"`
	OwnerID          int64      `json:"owner_id"`
	DestinationID    int64      `json:"destination_id"`
	DestinationTitle string     `json:"destination_title"`
	SourceMessageID  int        `json:"source_message_id"`
	IntervalHours    int        `json:"interval_hours"`
	Status           TaskStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	LastForwardAt    time.Time  `json:"last_forward_at"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
	ForwardCount     int        `json:"forward_count"`
}

// TaskDraft carries the immutable fields of a task-to-be; the store assigns
// the id and timestamps.
type TaskDraft struct {
	DestinationID    int64
	DestinationTitle string
	SourceMessageID  int
	IntervalHours    int
}

// Store is the persistence API for setup sessions and task lists.
//
// Every mutating call commits durably before returning. Mutations for one
// user are serialized internally; callers never observe a partial write.
// A failed disk write is logged by the implementation and the in-memory
// state stays authoritative until the next successful write.
type Store interface {
	UserState(ctx context.Context, userID int64) (UserState, bool, error)
	PutUserState(ctx context.Context, st UserState) error
	DeleteUserState(ctx context.Context, userID int64) error

	// StaleSessions returns the user ids whose setup session was last
	// touched before the cutoff.
	StaleSessions(ctx context.Context, cutoff time.Time) ([]int64, error)

	Tasks(ctx context.Context, userID int64) ([]Task, error)
	AddTask(ctx context.Context, userID int64, draft TaskDraft) (Task, error)
	RemoveTask(ctx context.Context, userID int64, taskID int) error
	// RecordSuccess bumps ForwardCount and sets LastForwardAt.
	RecordSuccess(ctx context.Context, userID int64, taskID int) (Task, error)
	MarkStopped(ctx context.Context, userID int64, taskID int) error

	// ActiveTasks lists every status=active task across all users,
	// grouped by owner. Used to rebuild the job registry at startup.
	ActiveTasks(ctx context.Context) (map[int64][]Task, error)

	Close() error
}
