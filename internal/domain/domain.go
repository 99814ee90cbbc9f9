package domain

import (
	"fmt"
	"time"
)

// DayFormat is the canonical layout for calendar days (zone-local).
const DayFormat = "2006-01-02"

// Task status values.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
)

// Delivery outcomes recorded when a reminder is marked sent.
const (
	OutcomeDelivered      = "delivered"
	OutcomeDeliveryFailed = "delivery_failed"
	OutcomePastDue        = "past_due"
)

type Reminder struct {
	ID          int64     `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	ScheduledAt time.Time `json:"scheduled_at" format:"date-time"`
	LeadMinutes int       `json:"lead_minutes"`
	Sent        bool      `json:"sent"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

// FireAt is the instant delivery is due: scheduled time minus lead time.
// It is always derived, never stored.
func (r Reminder) FireAt() time.Time {
	return r.ScheduledAt.Add(-time.Duration(r.LeadMinutes) * time.Minute)
}

type Task struct {
	ID          int64      `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Description string     `json:"description"`
	Day         string     `json:"day"`
	OriginalDay string     `json:"original_day"`
	Status      string     `json:"status" enum:"pending,completed"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
	CompletedAt *time.Time `json:"completed_at,omitempty" format:"date-time"`
}

// AgeLabel renders how long a carried-over task has been open, relative to
// today. Same-day tasks get no label.
func AgeLabel(originalDay, today string) string {
	from, err := time.Parse(DayFormat, originalDay)
	if err != nil {
		return ""
	}
	to, err := time.Parse(DayFormat, today)
	if err != nil {
		return ""
	}
	days := int(to.Sub(from).Hours() / 24)
	switch {
	case days <= 0:
		return ""
	case days == 1:
		return "yesterday"
	default:
		return fmt.Sprintf("%d days ago", days)
	}
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Stats struct {
	Reminders int `json:"reminders"`
	Tasks     int `json:"tasks"`
}
