// Package engine owns the recurring-forward machinery: the per-user setup
// flow, the registry of running jobs, and the job loop itself.
package engine

import (
	"errors"
	"time"
)

var (
	// ErrJobExists means a job for that (owner, task id) is already
	// registered. Starting a duplicate would orphan the running one, so
	// the caller must stop the old job first.
	ErrJobExists = errors.New("job already running for this task")

	// ErrNoSession is returned by setup steps when the user has no
	// in-flight setup (or it was already completed).
	ErrNoSession = errors.New("no active setup session")

	// ErrSessionExpired guards against duplicate interval callbacks: the
	// selection arrived after the session completed or was cleared.
	ErrSessionExpired = errors.New("setup session expired")

	// ErrBadInterval rejects interval selections outside [1,6] hours.
	ErrBadInterval = errors.New("interval must be between 1 and 6 hours")

	// ErrWrongStep is returned when an input does not match the step the
	// user is currently on.
	ErrWrongStep = errors.New("input does not match current setup step")
)

const (
	// MinIntervalHours and MaxIntervalHours bound the selectable cadence.
	MinIntervalHours = 1
	MaxIntervalHours = 6

	// failureDigestEvery throttles failure notifications: the owner hears
	// about the first consecutive failure, then every Nth after that.
	failureDigestEvery = 5
)

// Config tunes the job runner.
type Config struct {
	// IntervalUnit is the duration of one "hour" of task interval. It
	// exists so tests can compress time; production leaves it at the
	// default.
	IntervalUnit time.Duration
}

func (c Config) withDefaults() Config {
	if c.IntervalUnit <= 0 {
		c.IntervalUnit = time.Hour
	}
	return c
}

// Notifier delivers fire-and-forget owner notifications. Implementations
// swallow and log their own failures.
type Notifier interface {
	Notify(userID int64, text string)
}
