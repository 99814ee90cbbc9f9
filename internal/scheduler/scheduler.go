package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"daybook/internal/clock"
	"daybook/internal/domain"
	"daybook/internal/notify"
)

const deliverTimeout = time.Minute

// Store is the slice of the engine the scheduler needs: reading back unsent
// reminders and flipping the sent flag with a recorded outcome.
type Store interface {
	MarkReminderSent(ctx context.Context, id int64, outcome string) error
	ListUnsentReminders(ctx context.Context) ([]domain.Reminder, error)
}

// timerEntry pairs an armed timer with the registration generation that
// created it. Fire callbacks identify themselves by generation, not by timer
// pointer, so a callback never has to read the timer value it runs inside of.
type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler holds exactly one pending timer per reminder, keyed by reminder
// id. Registration is synchronous and non-blocking; firing happens on the
// timer's own goroutine, so callbacks for different reminders may overlap.
type Scheduler struct {
	store    Store
	notifier notify.Notifier
	clock    clock.Clock

	mu     sync.Mutex
	timers map[int64]timerEntry
	gen    uint64
	wg     sync.WaitGroup
}

func New(store Store, notifier notify.Notifier, clk clock.Clock) *Scheduler {
	return &Scheduler{
		store:    store,
		notifier: notifier,
		clock:    clk,
		timers:   make(map[int64]timerEntry),
	}
}

// Schedule arms a timer for the reminder's fire time (scheduled time minus
// lead). A timer already pending under the same id is superseded. When the
// fire time has already passed the reminder is marked sent instead and no
// timer is created; the false return signals "not scheduled, already past".
func (s *Scheduler) Schedule(ctx context.Context, rem domain.Reminder) (bool, error) {
	if rem.Sent {
		return false, nil
	}
	delay := rem.FireAt().Sub(s.clock.Current())
	if delay <= 0 {
		log.Printf("scheduler: fire time in past for reminder %d, marking sent", rem.ID)
		if err := s.store.MarkReminderSent(ctx, rem.ID, domain.OutcomePastDue); err != nil {
			return false, err
		}
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[rem.ID]; ok {
		if old.timer.Stop() {
			s.wg.Done()
		}
		log.Printf("scheduler: superseding pending timer for reminder %d", rem.ID)
	}
	s.gen++
	gen := s.gen
	s.wg.Add(1)
	// The callback identifies its registration by generation. A callback that
	// fires before Schedule returns blocks on s.mu in release until the map
	// entry below is in place.
	timer := time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.fire(rem, gen)
	})
	s.timers[rem.ID] = timerEntry{timer: timer, gen: gen}
	log.Printf("scheduler: reminder %d armed for %s", rem.ID, rem.FireAt().Format(time.RFC3339))
	return true, nil
}

// fire delivers the reminder and marks it sent whether or not delivery
// succeeded. At-most-once: a failed delivery is logged, never retried.
func (s *Scheduler) fire(rem domain.Reminder, gen uint64) {
	defer s.release(rem.ID, gen)

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	outcome := domain.OutcomeDelivered
	if err := s.notifier.Deliver(ctx, rem.OwnerID, rem.Title, rem.ScheduledAt, rem.LeadMinutes); err != nil {
		outcome = domain.OutcomeDeliveryFailed
		log.Printf("scheduler: deliver reminder %d failed: %v", rem.ID, err)
	}
	if err := s.store.MarkReminderSent(ctx, rem.ID, outcome); err != nil {
		log.Printf("scheduler: mark reminder %d sent failed: %v", rem.ID, err)
	}
}

// release frees the reminder's timer key, but only if the registered
// generation is still ours; a concurrent re-schedule must not lose its
// fresh timer.
func (s *Scheduler) release(id int64, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.timers[id]; ok && cur.gen == gen {
		delete(s.timers, id)
	}
}

// Pending reports how many timers are currently armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending timers and waits for in-flight deliveries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, entry := range s.timers {
		if entry.timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
