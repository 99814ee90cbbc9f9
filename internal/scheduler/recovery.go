package scheduler

import (
	"context"
	"log"

	"daybook/internal/domain"
)

// Restore reconciles the store with the scheduler after a restart: every
// unsent reminder is either re-armed (event still ahead) or marked sent
// (event already passed, nothing meaningful left to deliver). Running it
// twice is harmless: re-scheduling replaces timers in place and the unsent
// filter skips rows the first pass already marked.
func (s *Scheduler) Restore(ctx context.Context) (scheduled, expired int, err error) {
	reminders, err := s.store.ListUnsentReminders(ctx)
	if err != nil {
		return 0, 0, err
	}
	now := s.clock.Current()
	for _, rem := range reminders {
		if !rem.ScheduledAt.After(now) {
			if err := s.store.MarkReminderSent(ctx, rem.ID, domain.OutcomePastDue); err != nil {
				log.Printf("scheduler: restore mark reminder %d sent failed: %v", rem.ID, err)
				continue
			}
			expired++
			continue
		}
		ok, err := s.Schedule(ctx, rem)
		if err != nil {
			log.Printf("scheduler: restore schedule reminder %d failed: %v", rem.ID, err)
			continue
		}
		if ok {
			scheduled++
		} else {
			expired++
		}
	}
	log.Printf("scheduler: restored %d pending reminders, expired %d", scheduled, expired)
	return scheduled, expired, nil
}
