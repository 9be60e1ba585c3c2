package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler prunes journal records older than the retention on a cron
// schedule.
type Scheduler struct {
	store     *Store
	schedule  string
	retention time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(store *Store, schedule string, retention time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		schedule:  schedule,
		retention: retention,
		logger:    logger.With("component", "journal.scheduler"),
		cron:      cron.New(),
	}
}

// Start registers the prune job and starts the cron runner. An empty
// schedule or a zero retention leaves the scheduler idle.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.schedule == "" || s.retention <= 0 {
		s.logger.Info("journal pruning disabled")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, _ = s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("scheduling prune: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("journal pruning scheduled", "schedule", s.schedule, "retention", s.retention)
	return nil
}

// RunOnce deletes the records older than the retention.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.store.Prune(ctx, time.Now().Add(-s.retention))
	if err != nil {
		s.logger.Error("journal prune failed", "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Info("journal pruned", "deleted", n)
	} else {
		s.logger.Debug("journal prune found nothing to delete")
	}
	return n, nil
}

// NextRun returns the next scheduled prune, or the zero time when idle.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.cron.Entries(); len(e) > 0 {
		return e[0].Next
	}
	return time.Time{}
}

// Stop stops the runner and waits for a running prune.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}
