package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"forwardbot/internal/transport"
	"forwardbot/pkg/logx"
)

// Config controls the owner-notification pipeline.
type Config struct {
	RatePerSec int
	QueueSize  int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

type item struct {
	userID int64
	text   string
}

// Service delivers fire-and-forget notifications to users: a bounded queue
// drained by one worker behind a token-bucket limiter. Send failures are
// logged and swallowed; they never propagate to the caller.
type Service struct {
	adapter transport.Adapter
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	queue   chan item

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log}
	s.applyLocked(cfg)
	return s
}

// Apply updates the rate limit live (config hot reload).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't block hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan item, s.cfg.QueueSize)
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	q := s.queue
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.workerLoop(runCtx, q)
	}()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.queue = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Notify enqueues a notification without blocking. When the queue is full
// the notification is dropped and logged; losing a courtesy notice is
// preferable to stalling a forwarding job.
func (s *Service) Notify(userID int64, text string) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("notifier not running; dropping notification", logx.Int64("user", userID))
		return
	}
	select {
	case q <- item{userID: userID, text: text}:
	default:
		s.log.Warn("notifier queue full; dropping notification",
			logx.Int64("user", userID), logx.Int("queue_cap", cap(q)))
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-q:
			s.mu.Lock()
			lim := s.limiter
			s.mu.Unlock()
			if err := lim.Wait(ctx); err != nil {
				return
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := s.adapter.SendText(sctx, transport.ChatTarget{ChatID: it.userID}, it.text, nil)
			cancel()
			if err != nil {
				s.log.Warn("notification send failed", logx.Int64("user", it.userID), logx.Err(err))
			}
		}
	}
}
