package hostkv

import (
	"context"
	"time"
)

// TickerScheduler is an in-process Scheduler, standing in for whatever
// cron/job-queue facility a real host platform would provide. It is enough
// to exercise the poll-fallback contract end to end.
type TickerScheduler struct{}

func NewTickerScheduler() *TickerScheduler { return &TickerScheduler{} }

func (s *TickerScheduler) ScheduleEvery(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) func() {
	runCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				fn(runCtx)
			}
		}
	}()
	return cancel
}
