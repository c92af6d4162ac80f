package autopull

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/palss/localsync/internal/repo"
)

// RetryDispatcher re-sends queued mutations whose backoff has elapsed.
// The scheduler drives it between pull cycles so a watch process both
// pulls remote changes and drains the outbox.
type RetryDispatcher interface {
	RetryDue(ctx context.Context) (int, error)
}

// Scheduler owns the replication timer. It runs an immediate cycle on
// Start and then one per interval, and guarantees at most one timer
// exists regardless of how often Start, Stop and Restart are called.
type Scheduler struct {
	puller   *Puller
	settings *Settings
	factory  *repo.Factory
	retrier  RetryDispatcher
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler wires the replication scheduler. retrier may be nil when
// no outbox draining is wanted.
func NewScheduler(puller *Puller, settings *Settings, factory *repo.Factory, retrier RetryDispatcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		puller:   puller,
		settings: settings,
		factory:  factory,
		retrier:  retrier,
		logger:   logger,
	}
}

// Start launches the timer loop. Starting a running scheduler replaces
// its timer rather than adding a second one. When replication is
// disabled in settings, Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg, err := s.settings.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	if !cfg.Enabled {
		s.logger.Info("replication disabled, scheduler idle")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.loop(loopCtx, cfg.Interval(), done)
	return nil
}

// Stop halts the timer and waits for an in-progress cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// Restart re-reads settings and relaunches the timer, picking up
// interval or enablement changes.
func (s *Scheduler) Restart(ctx context.Context) error {
	return s.Start(ctx)
}

// Running reports whether the timer loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	s.logger.Info("replication scheduler started", "interval", interval)
	s.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("replication scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scheduler beat: drain due outbox retries, then pull.
// Replication only makes sense against the remote backend; in local
// mode the beat is a no-op.
func (s *Scheduler) tick(ctx context.Context) {
	if s.factory.Mode() != repo.ModeRemote {
		return
	}

	if s.retrier != nil {
		if sent, err := s.retrier.RetryDue(ctx); err != nil {
			s.logger.Warn("outbox retry sweep failed", "error", err)
		} else if sent > 0 {
			s.logger.Info("outbox retries sent", "count", sent)
		}
	}

	if _, err := s.puller.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrCycleInFlight) {
			s.logger.Debug("pull cycle still running, skipping beat")
			return
		}
		if ctx.Err() == nil {
			s.logger.Warn("pull cycle failed", "error", err)
		}
	}
}
