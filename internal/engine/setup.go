package engine

import (
	"context"
	"fmt"
	"time"

	"forwardbot/internal/storage"
	"forwardbot/internal/transport"
	"forwardbot/pkg/logx"
)

// SetupFlow walks one user through task creation:
//
//	none → awaiting destination → awaiting message → awaiting interval → none
//
// Each transition persists the new UserState before returning, so a restart
// resumes the flow where it left off. Inbound events for one user must be
// delivered to SetupFlow in order (the router's dispatch loop guarantees
// that).
type SetupFlow struct {
	store    storage.Store
	resolver transport.Resolver
	registry *Registry
	log      logx.Logger
}

func NewSetupFlow(store storage.Store, resolver transport.Resolver, registry *Registry, log logx.Logger) *SetupFlow {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SetupFlow{store: store, resolver: resolver, registry: registry, log: log}
}

// Step returns the user's current setup step (StepNone when no session).
func (f *SetupFlow) Step(ctx context.Context, userID int64) storage.Step {
	st, ok, err := f.store.UserState(ctx, userID)
	if err != nil || !ok {
		return storage.StepNone
	}
	return st.Step
}

// Begin starts (or restarts) a setup session.
func (f *SetupFlow) Begin(ctx context.Context, userID int64) error {
	return f.store.PutUserState(ctx, storage.UserState{
		UserID:    userID,
		Step:      storage.StepAwaitingDestination,
		UpdatedAt: time.Now(),
	})
}

// Cancel clears the session and reports whether one existed.
func (f *SetupFlow) Cancel(ctx context.Context, userID int64) bool {
	_, ok, err := f.store.UserState(ctx, userID)
	if err != nil || !ok {
		return false
	}
	_ = f.store.DeleteUserState(ctx, userID)
	return true
}

// SubmitDestination verifies the user-supplied destination and advances to
// awaiting-message. On a verification failure the state is untouched: no
// destination field is populated and the user may simply retry.
func (f *SetupFlow) SubmitDestination(ctx context.Context, userID int64, input string) (transport.Destination, error) {
	st, ok, err := f.store.UserState(ctx, userID)
	if err != nil {
		return transport.Destination{}, err
	}
	if !ok {
		return transport.Destination{}, ErrNoSession
	}
	if st.Step != storage.StepAwaitingDestination {
		return transport.Destination{}, ErrWrongStep
	}

	dest, err := f.resolver.ResolveDestination(ctx, input)
	if err != nil {
		return transport.Destination{}, err
	}

	st.Step = storage.StepAwaitingMessage
	st.DestinationID = dest.ID
	st.DestinationTitle = dest.Title
	st.UpdatedAt = time.Now()
	if err := f.store.PutUserState(ctx, st); err != nil {
		return transport.Destination{}, err
	}
	return dest, nil
}

// SubmitMessage records the message chosen for forwarding and advances to
// interval selection.
func (f *SetupFlow) SubmitMessage(ctx context.Context, userID int64, messageID int) error {
	st, ok, err := f.store.UserState(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSession
	}
	if st.Step != storage.StepAwaitingMessage {
		return ErrWrongStep
	}

	st.Step = storage.StepAwaitingInterval
	st.SourceMessageID = messageID
	st.UpdatedAt = time.Now()
	return f.store.PutUserState(ctx, st)
}

// SelectInterval completes the flow: it materializes the task, starts its
// job and clears the session. A selection arriving when the user is not at
// the interval step (double-tap on a stale keyboard, session already
// completed) returns ErrSessionExpired and mutates nothing.
func (f *SetupFlow) SelectInterval(ctx context.Context, userID int64, hours int) (storage.Task, error) {
	st, ok, err := f.store.UserState(ctx, userID)
	if err != nil {
		return storage.Task{}, err
	}
	if !ok || st.Step != storage.StepAwaitingInterval {
		return storage.Task{}, ErrSessionExpired
	}
	if hours < MinIntervalHours || hours > MaxIntervalHours {
		return storage.Task{}, ErrBadInterval
	}

	task, err := f.store.AddTask(ctx, userID, storage.TaskDraft{
		DestinationID:    st.DestinationID,
		DestinationTitle: st.DestinationTitle,
		SourceMessageID:  st.SourceMessageID,
		IntervalHours:    hours,
	})
	if err != nil {
		return storage.Task{}, fmt.Errorf("persist task: %w", err)
	}
	if err := f.registry.StartJob(task); err != nil {
		return storage.Task{}, fmt.Errorf("start job: %w", err)
	}
	if err := f.store.DeleteUserState(ctx, userID); err != nil {
		f.log.Warn("clear session after task creation failed",
			logx.Int64("user", userID), logx.Err(err))
	}

	f.log.Info("task created",
		logx.Int64("owner", userID),
		logx.Int("task", task.ID),
		logx.Int("interval_hours", hours),
		logx.String("destination", task.DestinationTitle))
	return task, nil
}

// ExpireStale clears setup sessions untouched since the cutoff and returns
// the affected user ids.
func (f *SetupFlow) ExpireStale(ctx context.Context, cutoff time.Time) ([]int64, error) {
	ids, err := f.store.StaleSessions(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := f.store.DeleteUserState(ctx, id); err != nil {
			f.log.Warn("expire session failed", logx.Int64("user", id), logx.Err(err))
		}
	}
	return ids, nil
}
