package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"forwardbot/pkg/logx"
)

// fileStore keeps the whole data set in memory and rewrites the backing JSON
// file in full on every mutation (tmp file + rename, so readers never see a
// partial write). A crash between two mutations leaves the file in the state
// of the last completed one.
//
// A single mutex serializes all access; that also satisfies the per-user
// write ordering the engine relies on.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	doc    document
	closed bool
}

// document is the on-disk layout. JSON map keys are strings, so user ids are
// stored in decimal form. Unknown fields are tolerated on read; the schema
// only ever grows additively.
type document struct {
	Sessions   map[string]UserState `json:"sessions"`
	Tasks      map[string][]Task    `json:"tasks"`
	NextTaskID map[string]int       `json:"next_task_id"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path}
	s.doc = document{
		Sessions:   map[string]UserState{},
		Tasks:      map[string][]Task{},
		NextTaskID: map[string]int{},
	}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// fresh store
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, &s.doc); err != nil {
			return nil, errors.New("corrupt store file " + path + ": " + err.Error())
		}
		if s.doc.Sessions == nil {
			s.doc.Sessions = map[string]UserState{}
		}
		if s.doc.Tasks == nil {
			s.doc.Tasks = map[string][]Task{}
		}
		if s.doc.NextTaskID == nil {
			s.doc.NextTaskID = map[string]int{}
		}
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flushLocked()
}

// flushLocked writes the full snapshot durably. Write failures are logged
// and swallowed: the in-memory copy stays authoritative and the next
// mutation retries naturally.
func (s *fileStore) flushLocked() error {
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		s.log.Error("store marshal failed", logx.Err(err))
		return nil
	}
	tmp := s.path + ".tmp"
	if err := writeFileSync(tmp, b); err != nil {
		s.log.Error("store write failed", logx.String("path", tmp), logx.Err(err))
		return nil
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Error("store rename failed", logx.String("path", s.path), logx.Err(err))
	}
	return nil
}

func writeFileSync(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func key(userID int64) string { return strconv.FormatInt(userID, 10) }

func (s *fileStore) UserState(ctx context.Context, userID int64) (UserState, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.doc.Sessions[key(userID)]
	return st, ok, nil
}

func (s *fileStore) PutUserState(ctx context.Context, st UserState) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	s.doc.Sessions[key(st.UserID)] = st
	return s.flushLocked()
}

func (s *fileStore) DeleteUserState(ctx context.Context, userID int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.doc.Sessions[key(userID)]; !ok {
		return nil
	}
	delete(s.doc.Sessions, key(userID))
	return s.flushLocked()
}

func (s *fileStore) StaleSessions(ctx context.Context, cutoff time.Time) ([]int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, st := range s.doc.Sessions {
		if st.UpdatedAt.Before(cutoff) {
			ids = append(ids, st.UserID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *fileStore) Tasks(ctx context.Context, userID int64) ([]Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.doc.Tasks[key(userID)]
	out := make([]Task, len(src))
	copy(out, src)
	return out, nil
}

func (s *fileStore) AddTask(ctx context.Context, userID int64, draft TaskDraft) (Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Task{}, ErrClosed
	}

	k := key(userID)
	// Ids are strictly increasing per user and never reused, so a stop
	// command can never name a recycled id.
	next := s.doc.NextTaskID[k]
	if next <= 0 {
		next = 1
		// Seed past any pre-counter tasks restored from an older file.
		for _, t := range s.doc.Tasks[k] {
			if t.ID >= next {
				next = t.ID + 1
			}
		}
	}
	now := time.Now()
	task := Task{
		ID:               next,
		OwnerID:          userID,
		DestinationID:    draft.DestinationID,
		DestinationTitle: draft.DestinationTitle,
		SourceMessageID:  draft.SourceMessageID,
		IntervalHours:    draft.IntervalHours,
		Status:           TaskActive,
		CreatedAt:        now,
		LastForwardAt:    now,
	}
	s.doc.NextTaskID[k] = next + 1
	s.doc.Tasks[k] = append(s.doc.Tasks[k], task)
	return task, s.flushLocked()
}

func (s *fileStore) RemoveTask(ctx context.Context, userID int64, taskID int) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	k := key(userID)
	tasks := s.doc.Tasks[k]
	for i, t := range tasks {
		if t.ID == taskID {
			s.doc.Tasks[k] = append(tasks[:i:i], tasks[i+1:]...)
			return s.flushLocked()
		}
	}
	return ErrTaskNotFound
}

func (s *fileStore) RecordSuccess(ctx context.Context, userID int64, taskID int) (Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Task{}, ErrClosed
	}
	k := key(userID)
	for i := range s.doc.Tasks[k] {
		t := &s.doc.Tasks[k][i]
		if t.ID == taskID {
			t.ForwardCount++
			t.LastForwardAt = time.Now()
			return *t, s.flushLocked()
		}
	}
	return Task{}, ErrTaskNotFound
}

func (s *fileStore) MarkStopped(ctx context.Context, userID int64, taskID int) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	k := key(userID)
	for i := range s.doc.Tasks[k] {
		t := &s.doc.Tasks[k][i]
		if t.ID == taskID {
			if t.Status == TaskStopped {
				return nil
			}
			now := time.Now()
			t.Status = TaskStopped
			t.StoppedAt = &now
			return s.flushLocked()
		}
	}
	return ErrTaskNotFound
}

func (s *fileStore) ActiveTasks(ctx context.Context) (map[int64][]Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64][]Task{}
	for k, tasks := range s.doc.Tasks {
		uid, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			s.log.Warn("skipping malformed owner key", logx.String("key", k))
			continue
		}
		for _, t := range tasks {
			if t.Status == TaskActive {
				out[uid] = append(out[uid], t)
			}
		}
	}
	return out, nil
}
