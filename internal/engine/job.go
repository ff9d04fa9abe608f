package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"forwardbot/internal/storage"
	"forwardbot/internal/transport"
	"forwardbot/pkg/logx"
)

// runJob is the forwarding loop for one task. Iteration shape:
//
//  1. forward the source message to the destination
//  2. success: persist count/timestamp, tell the owner once the task is live
//  3. rate limit: sleep the mandated wait, retry the same iteration
//  4. other failure: notify on the first consecutive failure, then every 5th
//  5. sleep one interval, go to 1
//
// The first forward runs immediately, not after the first interval. Every
// sleep selects on ctx so cancellation wakes the loop promptly. A panic in
// the loop terminates this job only.
func (r *Registry) runJob(ctx context.Context, task storage.Task, key jobKey, h *jobHandle) {
	log := r.log.With(logx.Int64("owner", task.OwnerID), logx.Int("task", task.ID))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job fault", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			if r.removeIfCurrent(key, h) {
				if err := r.store.MarkStopped(context.Background(), task.OwnerID, task.ID); err != nil {
					log.Error("mark stopped after fault failed", logx.Err(err))
				}
				r.notify.Notify(task.OwnerID, fmt.Sprintf(
					"❌ Task #%d hit an internal error and has been stopped.", task.ID))
			}
		}
	}()

	interval := time.Duration(task.IntervalHours) * r.cfg.IntervalUnit
	notifiedLive := false
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			r.notifyStopped(task)
			return
		}

		err := r.fw.Forward(ctx, task.OwnerID, task.SourceMessageID, task.DestinationID)
		switch {
		case err == nil:
			// A forward that finished while cancellation raced it may not
			// be persisted after the stopped mark, so re-check first.
			if ctx.Err() != nil {
				r.notifyStopped(task)
				return
			}
			consecutiveFailures = 0
			upd, serr := r.store.RecordSuccess(ctx, task.OwnerID, task.ID)
			if serr != nil {
				log.Error("success bookkeeping failed", logx.Err(serr))
			} else {
				log.Debug("forwarded", logx.Int("count", upd.ForwardCount))
			}
			if !notifiedLive {
				notifiedLive = true
				r.notify.Notify(task.OwnerID, fmt.Sprintf(
					"✅ Task #%d is live!\nTarget: %s\nFirst forward completed, next in %s.",
					task.ID, task.DestinationTitle, hoursLabel(task.IntervalHours)))
			}

		case ctx.Err() != nil:
			// Cancelled while the forward was in flight; exit without
			// starting another iteration.
			r.notifyStopped(task)
			return

		default:
			if rl, ok := transport.AsRateLimited(err); ok {
				// Not an error from the task's point of view: wait the
				// mandated duration and retry the same iteration.
				log.Info("rate limited", logx.Duration("wait", rl.RetryAfter))
				if !sleepCtx(ctx, rl.RetryAfter) {
					r.notifyStopped(task)
					return
				}
				continue
			}

			consecutiveFailures++
			log.Warn("forward failed",
				logx.Int("consecutive", consecutiveFailures), logx.Err(err))
			if consecutiveFailures == 1 {
				r.notify.Notify(task.OwnerID, fmt.Sprintf(
					"⚠️ Task #%d forward failed: %v\nWill retry in %s.",
					task.ID, err, hoursLabel(task.IntervalHours)))
			} else if consecutiveFailures%failureDigestEvery == 0 {
				r.notify.Notify(task.OwnerID, fmt.Sprintf(
					"⚠️ Task #%d update: %d consecutive failed forwards.\nLast error: %v\nTask continues to run.",
					task.ID, consecutiveFailures, err))
			}
		}

		if !sleepCtx(ctx, interval) {
			r.notifyStopped(task)
			return
		}
	}
}

func (r *Registry) notifyStopped(task storage.Task) {
	r.notify.Notify(task.OwnerID, fmt.Sprintf("🛑 Task #%d has been stopped.", task.ID))
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func hoursLabel(h int) string {
	if h == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", h)
}
