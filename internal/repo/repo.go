package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"daybook/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrNotOwner = errors.New("not owned by caller")
)

// DayMatcher selects which pending tasks a rollover run advances.
type DayMatcher string

const (
	MatchEqual DayMatcher = "equal"
	MatchLTE   DayMatcher = "lte"
)

func (r Repo) InsertReminder(ctx context.Context, tx *sql.Tx, rem domain.Reminder) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO reminders(owner_id,title,scheduled_at,lead_minutes,sent,created_at) VALUES (?,?,?,?,0,?)`,
		rem.OwnerID, rem.Title, rem.ScheduledAt.UTC().Format(time.RFC3339), rem.LeadMinutes, rem.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert reminder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reminder id: %w", err)
	}
	return id, nil
}

func (r Repo) GetReminder(ctx context.Context, id int64) (domain.Reminder, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,owner_id,title,scheduled_at,lead_minutes,sent,created_at FROM reminders WHERE id=?`, id)
	return scanReminder(row)
}

// MarkReminderSentTx flips sent to true. The sent=0 guard makes the flip
// monotonic: a second call reports changed=false instead of rewriting.
func (r Repo) MarkReminderSentTx(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE reminders SET sent=1 WHERE id=? AND sent=0`, id)
	if err != nil {
		return false, fmt.Errorf("mark reminder sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM reminders WHERE id=?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// ListUnsentReminders returns every reminder with sent=false, oldest first.
func (r Repo) ListUnsentReminders(ctx context.Context) ([]domain.Reminder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,title,scheduled_at,lead_minutes,sent,created_at FROM reminders WHERE sent=0 ORDER BY scheduled_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReminders(rows)
}

// ListActiveReminders returns an owner's unsent reminders whose event time is
// still ahead of now, ordered by event time.
func (r Repo) ListActiveReminders(ctx context.Context, ownerID string, now time.Time) ([]domain.Reminder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,title,scheduled_at,lead_minutes,sent,created_at FROM reminders WHERE owner_id=? AND sent=0 AND scheduled_at > ? ORDER BY scheduled_at ASC`,
		ownerID, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReminders(rows)
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(owner_id,description,day,original_day,status,created_at,completed_at) VALUES (?,?,?,?,?,?,NULL)`,
		t.OwnerID, t.Description, t.Day, t.OriginalDay, t.Status, t.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("task id: %w", err)
	}
	return id, nil
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,owner_id,description,day,original_day,status,created_at,completed_at FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,owner_id,description,day,original_day,status,created_at,completed_at FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

// SetTaskStatusTx writes a status transition. completedAt carries the
// completion instant on pending->completed and nil on the way back.
func (r Repo) SetTaskStatusTx(ctx context.Context, tx *sql.Tx, id int64, status string, completedAt *time.Time) error {
	var completed any
	if completedAt != nil {
		completed = completedAt.UTC().Format(time.RFC3339)
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=? WHERE id=?`, status, completed, id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns an owner's tasks for one calendar day. Tasks carried
// over from earlier days sort first, oldest origin first.
func (r Repo) ListTasks(ctx context.Context, ownerID, day string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,description,day,original_day,status,created_at,completed_at FROM tasks WHERE owner_id=? AND day=?
ORDER BY CASE WHEN original_day < ? THEN 0 ELSE 1 END, original_day ASC, id ASC`, ownerID, day, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// BackfillMissingOriginalDayTx sets original_day = day for pending tasks
// created before the column existed. Safe to re-run indefinitely.
func (r Repo) BackfillMissingOriginalDayTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET original_day=day WHERE original_day='' AND status=?`, domain.TaskPending)
	if err != nil {
		return 0, fmt.Errorf("backfill original_day: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AdvancePendingTasksTx moves pending tasks matching fromDay to toDay.
// Completed tasks are never touched; original_day is never written here.
func (r Repo) AdvancePendingTasksTx(ctx context.Context, tx *sql.Tx, fromDay, toDay string, matcher DayMatcher) (int64, error) {
	var query string
	switch matcher {
	case MatchEqual:
		query = `UPDATE tasks SET day=? WHERE day=? AND status=?`
	case MatchLTE:
		query = `UPDATE tasks SET day=? WHERE day<=? AND status=?`
	default:
		return 0, fmt.Errorf("unknown day matcher %q", matcher)
	}
	res, err := tx.ExecContext(ctx, query, toDay, fromDay, domain.TaskPending)
	if err != nil {
		return 0, fmt.Errorf("advance pending tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r Repo) CountStats(ctx context.Context) (domain.Stats, error) {
	var s domain.Stats
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM reminders`).Scan(&s.Reminders); err != nil {
		return s, err
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks`).Scan(&s.Tasks); err != nil {
		return s, err
	}
	return s, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (domain.Reminder, error) {
	var rem domain.Reminder
	var scheduledAt, createdAt string
	var sent int
	err := row.Scan(&rem.ID, &rem.OwnerID, &rem.Title, &scheduledAt, &rem.LeadMinutes, &sent, &createdAt)
	if err == sql.ErrNoRows {
		return rem, ErrNotFound
	}
	if err != nil {
		return rem, err
	}
	rem.Sent = sent != 0
	if rem.ScheduledAt, err = time.Parse(time.RFC3339, scheduledAt); err != nil {
		return rem, fmt.Errorf("parse scheduled_at: %w", err)
	}
	if rem.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return rem, fmt.Errorf("parse created_at: %w", err)
	}
	return rem, nil
}

func collectReminders(rows *sql.Rows) ([]domain.Reminder, error) {
	var res []domain.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rem)
	}
	return res, rows.Err()
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var createdAt string
	var completedAt sql.NullString
	err := row.Scan(&t.ID, &t.OwnerID, &t.Description, &t.Day, &t.OriginalDay, &t.Status, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return t, fmt.Errorf("parse created_at: %w", err)
	}
	if completedAt.Valid {
		done, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return t, fmt.Errorf("parse completed_at: %w", err)
		}
		t.CompletedAt = &done
	}
	return t, nil
}
