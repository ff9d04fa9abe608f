package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forwardbot/pkg/logx"
)

func openTestStore(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forwarder.json")
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestUserStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	_, ok, err := s.UserState(ctx, 42)
	require.NoError(t, err)
	require.False(t, ok)

	st := UserState{UserID: 42, Step: StepAwaitingDestination}
	require.NoError(t, s.PutUserState(ctx, st))

	got, ok, err := s.UserState(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StepAwaitingDestination, got.Step)
	require.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, s.DeleteUserState(ctx, 42))
	_, ok, err = s.UserState(ctx, 42)
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an absent state is a no-op.
	require.NoError(t, s.DeleteUserState(ctx, 42))
}

func TestTaskIDsNeverReused(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	draft := TaskDraft{DestinationID: -100, DestinationTitle: "Group", SourceMessageID: 7, IntervalHours: 2}

	t1, err := s.AddTask(ctx, 1, draft)
	require.NoError(t, err)
	t2, err := s.AddTask(ctx, 1, draft)
	require.NoError(t, err)
	require.Equal(t, 1, t1.ID)
	require.Equal(t, 2, t2.ID)

	require.NoError(t, s.RemoveTask(ctx, 1, 2))

	t3, err := s.AddTask(ctx, 1, draft)
	require.NoError(t, err)
	require.Equal(t, 3, t3.ID, "removed ids must not be reassigned")

	// Counters are per owner.
	o1, err := s.AddTask(ctx, 2, draft)
	require.NoError(t, err)
	require.Equal(t, 1, o1.ID)
}

func TestRecordSuccessAndMarkStopped(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	task, err := s.AddTask(ctx, 9, TaskDraft{DestinationID: 5, SourceMessageID: 1, IntervalHours: 1})
	require.NoError(t, err)
	require.Equal(t, 0, task.ForwardCount)
	require.Equal(t, TaskActive, task.Status)

	upd, err := s.RecordSuccess(ctx, 9, task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, upd.ForwardCount)
	require.False(t, upd.LastForwardAt.Before(task.LastForwardAt))

	_, err = s.RecordSuccess(ctx, 9, 99)
	require.ErrorIs(t, err, ErrTaskNotFound)

	require.NoError(t, s.MarkStopped(ctx, 9, task.ID))
	tasks, err := s.Tasks(ctx, 9)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, TaskStopped, tasks[0].Status)
	require.NotNil(t, tasks[0].StoppedAt)

	// Stopping twice is harmless, stopping the unknown id is not found.
	require.NoError(t, s.MarkStopped(ctx, 9, task.ID))
	require.ErrorIs(t, s.MarkStopped(ctx, 9, 99), ErrTaskNotFound)
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "forwarder.json")

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	active, err := s.AddTask(ctx, 1, TaskDraft{DestinationID: 10, SourceMessageID: 3, IntervalHours: 4})
	require.NoError(t, err)
	stopped, err := s.AddTask(ctx, 1, TaskDraft{DestinationID: 11, SourceMessageID: 4, IntervalHours: 1})
	require.NoError(t, err)
	require.NoError(t, s.MarkStopped(ctx, 1, stopped.ID))
	_, err = s.AddTask(ctx, 2, TaskDraft{DestinationID: 12, SourceMessageID: 5, IntervalHours: 6})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()

	byOwner, err := s2.ActiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, byOwner[1], 1)
	require.Len(t, byOwner[2], 1)
	require.Equal(t, active.ID, byOwner[1][0].ID)

	// Counter survives too: the next id continues after the reopened max.
	t3, err := s2.AddTask(ctx, 1, TaskDraft{DestinationID: 13, SourceMessageID: 6, IntervalHours: 2})
	require.NoError(t, err)
	require.Equal(t, 3, t3.ID)
}

func TestStaleSessions(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	old := UserState{UserID: 1, Step: StepAwaitingMessage, UpdatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := UserState{UserID: 2, Step: StepAwaitingDestination, UpdatedAt: time.Now()}
	require.NoError(t, s.PutUserState(ctx, old))
	require.NoError(t, s.PutUserState(ctx, fresh))

	ids, err := s.StaleSessions(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)
}

func TestFileIsAtomicSnapshot(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	_, err := s.AddTask(ctx, 7, TaskDraft{DestinationID: 1, SourceMessageID: 2, IntervalHours: 3})
	require.NoError(t, err)

	// The snapshot on disk is complete, valid JSON after every mutation.
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &doc))
	require.Contains(t, doc, "tasks")
	require.Contains(t, doc, "next_task_id")

	// No stray tmp file left behind.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}
