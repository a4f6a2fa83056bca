package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/Krestall88/cleaning-control/internal/engine"
)

// Scheduler drives the periodic prewarm and overdue sweep. It shares the
// engine's write path with user traffic, so running it concurrently with API
// requests is safe.
type Scheduler struct {
	Engine   engine.Engine
	Interval time.Duration
	Logger   *log.Logger
}

func New(eng engine.Engine, interval time.Duration) *Scheduler {
	return &Scheduler{Engine: eng, Interval: interval}
}

func (s *Scheduler) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Run performs one pass immediately, then one per interval until the context
// is canceled. Each pass is independent; a failed pass is logged and the next
// tick tries again.
func (s *Scheduler) Run(ctx context.Context) {
	s.pass(ctx)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	report, err := s.Engine.RunMaintenance(ctx)
	if err != nil {
		s.logger().Printf("scheduler: pass failed: %v", err)
		return
	}
	for _, skip := range report.Skipped {
		s.logger().Printf("scheduler: skipped: %s", skip)
	}
	if report.Prewarmed > 0 || report.Swept > 0 {
		s.logger().Printf("scheduler: prewarmed %d, swept %d", report.Prewarmed, report.Swept)
	}
}
