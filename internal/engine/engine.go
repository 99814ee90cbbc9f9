package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"daybook/internal/clock"
	"daybook/internal/config"
	"daybook/internal/domain"
	"daybook/internal/events"
	"daybook/internal/repo"
)

// ErrPastTime rejects reminder creation for an instant that already elapsed.
var ErrPastTime = errors.New("scheduled time already passed")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Clock  clock.Clock
}

func New(db *sql.DB, cfg *config.Config, clk clock.Clock) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: clk.Now},
		Config: cfg,
		Clock:  clk,
	}
}

// ReminderCreateOptions are parameters for creating a reminder.
type ReminderCreateOptions struct {
	OwnerID     string
	Title       string
	ScheduledAt time.Time
	LeadMinutes int
}

func (e Engine) CreateReminder(ctx context.Context, opts ReminderCreateOptions) (domain.Reminder, error) {
	if opts.OwnerID == "" {
		return domain.Reminder{}, errors.New("owner is required")
	}
	if opts.LeadMinutes < 0 {
		return domain.Reminder{}, errors.New("lead minutes must not be negative")
	}
	now := e.Clock.Current()
	if !opts.ScheduledAt.After(now) {
		return domain.Reminder{}, ErrPastTime
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = "Event " + opts.ScheduledAt.In(e.Clock.Loc).Format("02.01.2006 15:04")
	}
	rem := domain.Reminder{
		OwnerID:     opts.OwnerID,
		Title:       title,
		ScheduledAt: opts.ScheduledAt,
		LeadMinutes: opts.LeadMinutes,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reminder{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertReminder(ctx, tx, rem)
	if err != nil {
		return domain.Reminder{}, err
	}
	rem.ID = id
	if err := e.Events.Append(ctx, tx, "reminder.created", "reminder", fmt.Sprint(id), opts.OwnerID, events.EventPayload{
		"title":        rem.Title,
		"scheduled_at": rem.ScheduledAt.UTC().Format(time.RFC3339),
		"lead_minutes": rem.LeadMinutes,
	}); err != nil {
		return domain.Reminder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reminder{}, err
	}
	return rem, nil
}

// MarkReminderSent flips a reminder's sent flag and records the delivery
// outcome. The flip is monotonic: a reminder already sent stays sent and no
// duplicate event is written.
func (e Engine) MarkReminderSent(ctx context.Context, id int64, outcome string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	changed, err := e.Repo.MarkReminderSentTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if changed {
		if err := e.Events.Append(ctx, tx, "reminder.sent", "reminder", fmt.Sprint(id), "scheduler", events.EventPayload{
			"outcome": outcome,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e Engine) GetReminder(ctx context.Context, id int64) (domain.Reminder, error) {
	return e.Repo.GetReminder(ctx, id)
}

func (e Engine) ListUnsentReminders(ctx context.Context) ([]domain.Reminder, error) {
	return e.Repo.ListUnsentReminders(ctx)
}

// ListActiveReminders returns an owner's unsent, still-upcoming reminders.
func (e Engine) ListActiveReminders(ctx context.Context, ownerID string) ([]domain.Reminder, error) {
	return e.Repo.ListActiveReminders(ctx, ownerID, e.Clock.Current())
}

// TaskCreateOptions are parameters for creating a task. An empty Day means
// the current day in the configured zone.
type TaskCreateOptions struct {
	OwnerID     string
	Description string
	Day         string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.OwnerID == "" {
		return domain.Task{}, errors.New("owner is required")
	}
	desc := strings.TrimSpace(opts.Description)
	if desc == "" {
		return domain.Task{}, errors.New("description is required")
	}
	day := opts.Day
	if day == "" {
		day = e.Clock.Today()
	} else if _, err := time.ParseInLocation(domain.DayFormat, day, e.Clock.Loc); err != nil {
		return domain.Task{}, fmt.Errorf("invalid day %s: %w", day, err)
	}
	t := domain.Task{
		OwnerID:     opts.OwnerID,
		Description: desc,
		Day:         day,
		OriginalDay: day,
		Status:      domain.TaskPending,
		CreatedAt:   e.Clock.Current(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, err
	}
	t.ID = id
	if err := e.Events.Append(ctx, tx, "task.created", "task", fmt.Sprint(id), opts.OwnerID, events.EventPayload{
		"description": t.Description,
		"day":         t.Day,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ToggleTask flips a task between pending and completed. Only the owner may
// toggle; completed_at is set on completion and cleared on the way back.
func (e Engine) ToggleTask(ctx context.Context, id int64, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.OwnerID != actorID {
		return domain.Task{}, repo.ErrNotOwner
	}
	if t.Status == domain.TaskPending {
		done := e.Clock.Current()
		t.Status = domain.TaskCompleted
		t.CompletedAt = &done
	} else {
		t.Status = domain.TaskPending
		t.CompletedAt = nil
	}
	if err := e.Repo.SetTaskStatusTx(ctx, tx, id, t.Status, t.CompletedAt); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.toggled", "task", fmt.Sprint(id), actorID, events.EventPayload{
		"status": t.Status,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ListTasks returns an owner's tasks for a day (today when day is empty).
func (e Engine) ListTasks(ctx context.Context, ownerID, day string) ([]domain.Task, error) {
	if day == "" {
		day = e.Clock.Today()
	}
	return e.Repo.ListTasks(ctx, ownerID, day)
}

// Rollover advances incomplete tasks past the given boundary day (empty
// means the current day). Both steps are idempotent: the backfill predicate
// and the day-match predicate become false after the first run.
func (e Engine) Rollover(ctx context.Context, policy, boundaryDay string) (int64, error) {
	matcher := repo.MatchEqual
	if policy == config.RolloverCatchUp {
		matcher = repo.MatchLTE
	}
	today := boundaryDay
	if today == "" {
		today = e.Clock.Today()
	}
	tomorrow, err := e.Clock.NextDay(today)
	if err != nil {
		return 0, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	backfilled, err := e.Repo.BackfillMissingOriginalDayTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	advanced, err := e.Repo.AdvancePendingTasksTx(ctx, tx, today, tomorrow, matcher)
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "rollover.completed", "rollover", today, "scheduler", events.EventPayload{
		"policy":     policy,
		"backfilled": backfilled,
		"advanced":   advanced,
		"to":         tomorrow,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return advanced, nil
}

func (e Engine) Stats(ctx context.Context) (domain.Stats, error) {
	return e.Repo.CountStats(ctx)
}
