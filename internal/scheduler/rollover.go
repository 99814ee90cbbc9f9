package scheduler

import (
	"context"
	"log"
	"time"

	"daybook/internal/clock"
)

// Roller is the rollover operation the daily loop drives.
type Roller interface {
	Rollover(ctx context.Context, policy, boundaryDay string) (int64, error)
}

// RunRolloverLoop wakes at every local midnight and advances the unfinished
// tasks of the day that just ended. It blocks until ctx is cancelled.
func RunRolloverLoop(ctx context.Context, roller Roller, clk clock.Clock, policy string) {
	for {
		// The day we are waiting through is the one to roll over: at
		// the moment the timer fires, Today() already names the new day.
		boundary := clk.Today()
		next := clk.NextMidnight()
		timer := time.NewTimer(next.Sub(clk.Current()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			advanced, err := roller.Rollover(ctx, policy, boundary)
			if err != nil {
				log.Printf("rollover: run failed: %v", err)
				continue
			}
			log.Printf("rollover: advanced %d tasks (policy %s)", advanced, policy)
		}
	}
}
