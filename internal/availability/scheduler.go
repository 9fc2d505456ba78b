package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "tuscanstay/internal/log"
)

// refreshTimeout bounds one scheduled RefreshAll run.
const refreshTimeout = 2 * time.Minute

// Refresher is what the scheduler drives.
type Refresher interface {
	RefreshAll(ctx context.Context) error
}

// Scheduler re-fetches every calendar feed on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	svc  Refresher
}

// NewScheduler validates spec (standard 5-field cron syntax) and registers
// the refresh job. Overlapping runs are skipped.
func NewScheduler(spec string, svc Refresher) (*Scheduler, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s := &Scheduler{cron: c, svc: svc}

	if _, err := c.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	start := time.Now()
	if err := s.svc.RefreshAll(ctx); err != nil {
		appLog.Error("scheduled refresh finished with errors", err, "duration", time.Since(start))
		return
	}
	appLog.Info("scheduled refresh finished", "duration", time.Since(start))
}

// Start runs the scheduler in its own goroutine until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
