package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"daybook/internal/clock"
	"daybook/internal/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	outcomes  map[int64]string
	reminders []domain.Reminder
	failMark  error
}

func newFakeStore(reminders ...domain.Reminder) *fakeStore {
	return &fakeStore{outcomes: make(map[int64]string), reminders: reminders}
}

func (f *fakeStore) MarkReminderSent(_ context.Context, id int64, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMark != nil {
		return f.failMark
	}
	if _, ok := f.outcomes[id]; !ok {
		f.outcomes[id] = outcome
	}
	return nil
}

func (f *fakeStore) ListUnsentReminders(context.Context) ([]domain.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []domain.Reminder
	for _, rem := range f.reminders {
		if _, sent := f.outcomes[rem.ID]; !sent {
			res = append(res, rem)
		}
	}
	return res, nil
}

func (f *fakeStore) outcome(id int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.outcomes[id]
	return out, ok
}

type fakeNotifier struct {
	deliveries chan string
	err        error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{deliveries: make(chan string, 16)}
}

func (f *fakeNotifier) Deliver(_ context.Context, ownerID, title string, _ time.Time, _ int) error {
	f.deliveries <- ownerID + "/" + title
	return f.err
}

func realClock(t *testing.T) clock.Clock {
	t.Helper()
	clk, err := clock.New("UTC")
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	return clk
}

func fixedClock(t *testing.T, at time.Time) clock.Clock {
	clk := realClock(t)
	clk.Now = func() time.Time { return at }
	return clk
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduleFiresAndMarksSent(t *testing.T) {
	store := newFakeStore()
	notifier := newFakeNotifier()
	s := New(store, notifier, realClock(t))
	defer s.Stop()

	rem := domain.Reminder{
		ID:          1,
		OwnerID:     "alice",
		Title:       "standup",
		ScheduledAt: time.Now().Add(50 * time.Millisecond),
	}
	ok, err := s.Schedule(context.Background(), rem)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !ok {
		t.Fatal("expected reminder to be armed")
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d", s.Pending())
	}

	select {
	case got := <-notifier.deliveries:
		if got != "alice/standup" {
			t.Fatalf("delivered %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reminder never fired")
	}
	waitFor(t, "sent mark", func() bool {
		out, ok := store.outcome(rem.ID)
		return ok && out == domain.OutcomeDelivered
	})
	waitFor(t, "timer release", func() bool { return s.Pending() == 0 })
}

func TestSchedulePastDueMarksWithoutDelivery(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	notifier := newFakeNotifier()
	s := New(store, notifier, fixedClock(t, now))

	// Lead pushes the fire time before now even though the event is ahead.
	rem := domain.Reminder{
		ID:          7,
		OwnerID:     "alice",
		Title:       "too late",
		ScheduledAt: now.Add(30 * time.Second),
		LeadMinutes: 1,
	}
	ok, err := s.Schedule(context.Background(), rem)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if ok {
		t.Fatal("past-due reminder should not be armed")
	}
	if out, _ := store.outcome(rem.ID); out != domain.OutcomePastDue {
		t.Fatalf("outcome = %q", out)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d", s.Pending())
	}
	select {
	case got := <-notifier.deliveries:
		t.Fatalf("unexpected delivery %q", got)
	default:
	}
}

func TestScheduleAlreadySentIsNoop(t *testing.T) {
	store := newFakeStore()
	s := New(store, newFakeNotifier(), realClock(t))
	ok, err := s.Schedule(context.Background(), domain.Reminder{
		ID:          3,
		OwnerID:     "alice",
		ScheduledAt: time.Now().Add(time.Hour),
		Sent:        true,
	})
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v, want no-op", ok, err)
	}
	if _, marked := store.outcome(3); marked {
		t.Fatal("sent reminder should not be re-marked")
	}
}

func TestScheduleSupersedesPendingTimer(t *testing.T) {
	store := newFakeStore()
	s := New(store, newFakeNotifier(), realClock(t))

	rem := domain.Reminder{ID: 5, OwnerID: "alice", ScheduledAt: time.Now().Add(time.Hour)}
	if _, err := s.Schedule(context.Background(), rem); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	rem.ScheduledAt = time.Now().Add(2 * time.Hour)
	if _, err := s.Schedule(context.Background(), rem); err != nil {
		t.Fatalf("second schedule: %v", err)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}
	// Stop must not hang: the superseded timer's waitgroup slot was returned.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung after supersede")
	}
}

func TestFireDeliveryFailureStillMarksSent(t *testing.T) {
	store := newFakeStore()
	notifier := newFakeNotifier()
	notifier.err = errors.New("boom")
	s := New(store, notifier, realClock(t))
	defer s.Stop()

	rem := domain.Reminder{ID: 9, OwnerID: "alice", Title: "flaky", ScheduledAt: time.Now().Add(30 * time.Millisecond)}
	if _, err := s.Schedule(context.Background(), rem); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "delivery_failed mark", func() bool {
		out, ok := store.outcome(rem.ID)
		return ok && out == domain.OutcomeDeliveryFailed
	})
}

func TestScheduleImmediateFireReleasesEntry(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{deliveries: make(chan string, 512)}
	s := New(store, notifier, realClock(t))
	defer s.Stop()

	// Near-immediate fire times make the callback run concurrently with
	// Schedule returning; every entry must still leave the timer map.
	const n = 200
	for i := int64(1); i <= n; i++ {
		rem := domain.Reminder{
			ID:          i,
			OwnerID:     "alice",
			Title:       "now-ish",
			ScheduledAt: time.Now().Add(time.Microsecond),
		}
		if _, err := s.Schedule(context.Background(), rem); err != nil {
			t.Fatalf("schedule %d: %v", i, err)
		}
	}
	waitFor(t, "all timers released", func() bool { return s.Pending() == 0 })
	waitFor(t, "all reminders marked", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.outcomes) == n
	})
}

type fakeRoller struct {
	calls chan [2]string
}

func (f *fakeRoller) Rollover(_ context.Context, policy, boundaryDay string) (int64, error) {
	// The frozen test clock makes the loop fire repeatedly; never block it.
	select {
	case f.calls <- [2]string{policy, boundaryDay}:
	default:
	}
	return 1, nil
}

func TestRunRolloverLoopUsesEndedDay(t *testing.T) {
	// Freeze the clock just before midnight so the loop fires immediately
	// and the boundary is the day the loop waited through.
	at := time.Date(2024, 1, 10, 23, 59, 59, 950_000_000, time.UTC)
	clk := fixedClock(t, at)
	roller := &fakeRoller{calls: make(chan [2]string, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunRolloverLoop(ctx, roller, clk, "exact")

	select {
	case call := <-roller.calls:
		if call[0] != "exact" || call[1] != "2024-01-10" {
			t.Fatalf("rollover call = %v", call)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("rollover loop never fired")
	}
	cancel()
}

func TestRestore(t *testing.T) {
	now := time.Now()
	past := domain.Reminder{ID: 1, OwnerID: "alice", Title: "missed", ScheduledAt: now.Add(-time.Hour)}
	future := domain.Reminder{ID: 2, OwnerID: "alice", Title: "ahead", ScheduledAt: now.Add(time.Hour)}
	store := newFakeStore(past, future)
	notifier := newFakeNotifier()
	s := New(store, notifier, realClock(t))
	defer s.Stop()

	scheduled, expired, err := s.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if scheduled != 1 || expired != 1 {
		t.Fatalf("scheduled=%d expired=%d", scheduled, expired)
	}
	if out, _ := store.outcome(past.ID); out != domain.OutcomePastDue {
		t.Fatalf("past outcome = %q", out)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d", s.Pending())
	}
	select {
	case got := <-notifier.deliveries:
		t.Fatalf("restore must not deliver, got %q", got)
	default:
	}

	// A second pass re-arms in place and finds nothing new to expire.
	scheduled, expired, err = s.Restore(context.Background())
	if err != nil {
		t.Fatalf("second restore: %v", err)
	}
	if scheduled != 1 || expired != 0 {
		t.Fatalf("second pass scheduled=%d expired=%d", scheduled, expired)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending after second pass = %d", s.Pending())
	}
}
