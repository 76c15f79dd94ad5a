package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is one recurring maintenance action on a batch: refresh
// proposal status, or republish what is still pending.
type Schedule struct {
	Batch  string
	Cron   string
	Action string // "status" or "publish"
}

// Scheduler periodically runs batch maintenance per cron expressions.
type Scheduler struct {
	schedules []Schedule
	parser    cron.Parser
	lastRun   map[string]time.Time
	running   map[string]bool
	mu        sync.Mutex
	logger    *slog.Logger
}

// NewScheduler validates the cron expressions up front.
func NewScheduler(schedules []Schedule, logger *slog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for _, s := range schedules {
		if _, err := parser.Parse(s.Cron); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedules: schedules,
		parser:    parser,
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
		logger:    logger,
	}, nil
}

func key(s Schedule) string {
	return s.Batch + "/" + s.Action
}

func (s *Scheduler) due(sched Schedule, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(sched)
	if s.running[k] {
		return false
	}
	spec, err := s.parser.Parse(sched.Cron)
	if err != nil {
		return false
	}
	last := s.lastRun[k]
	if last.IsZero() {
		last = now.Add(-24 * time.Hour)
	}
	return now.After(spec.Next(last))
}

func (s *Scheduler) markRunning(k string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[k] = true
}

func (s *Scheduler) markDone(k string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[k] = false
	s.lastRun[k] = time.Now()
}

// Run drives the schedule until the context is cancelled. runAction is
// called with the batch name and action of each due schedule.
func (s *Scheduler) Run(ctx context.Context, runAction func(ctx context.Context, batch, action string) error) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, sched := range s.schedules {
				if !s.due(sched, now) {
					continue
				}
				k := key(sched)
				s.markRunning(k)
				go func(sched Schedule, k string) {
					defer s.markDone(k)
					if err := runAction(ctx, sched.Batch, sched.Action); err != nil {
						s.logger.Error("scheduled action failed",
							"batch", sched.Batch, "action", sched.Action, "error", err)
					}
				}(sched, k)
			}
		}
	}
}
