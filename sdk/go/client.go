package daybooksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Daybook HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Reminder is the API reminder model.
type Reminder struct {
	ID          int64     `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	ScheduledAt time.Time `json:"scheduled_at"`
	LeadMinutes int       `json:"lead_minutes"`
	Sent        bool      `json:"sent"`
	FireAt      time.Time `json:"fire_at"`
}

// Task is the API task model.
type Task struct {
	ID          int64  `json:"id"`
	OwnerID     string `json:"owner_id"`
	Description string `json:"description"`
	Day         string `json:"day"`
	OriginalDay string `json:"original_day"`
	Status      string `json:"status"`
	AgeLabel    string `json:"age_label,omitempty"`
}

// Event is a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// Stats mirrors the store counters.
type Stats struct {
	Reminders int `json:"reminders"`
	Tasks     int `json:"tasks"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateReminder schedules a one-shot reminder.
func (c *Client) CreateReminder(ctx context.Context, title string, scheduledAt time.Time, leadMinutes int) (Reminder, error) {
	body := map[string]any{
		"title":        title,
		"scheduled_at": scheduledAt.Format(time.RFC3339),
		"lead_minutes": leadMinutes,
	}
	var resp Reminder
	err := c.do(ctx, http.MethodPost, "v1/reminders", body, &resp)
	return resp, err
}

// ListReminders returns reminders that have not fired yet.
func (c *Client) ListReminders(ctx context.Context) ([]Reminder, error) {
	var resp []Reminder
	err := c.do(ctx, http.MethodGet, "v1/reminders", nil, &resp)
	return resp, err
}

// CreateTask adds a task to a day. An empty day means today.
func (c *Client) CreateTask(ctx context.Context, description, day string) (Task, error) {
	body := map[string]any{"description": description}
	if day != "" {
		body["day"] = day
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks", body, &resp)
	return resp, err
}

// ListTasks returns the tasks for a day. An empty day means today.
func (c *Client) ListTasks(ctx context.Context, day string) ([]Task, error) {
	endpoint := "v1/tasks"
	if day != "" {
		endpoint = fmt.Sprintf("%s?day=%s", endpoint, url.QueryEscape(day))
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ToggleTask flips a task between pending and completed.
func (c *Client) ToggleTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/tasks/%d/toggle", id), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stats returns store-wide counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "v1/stats", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
