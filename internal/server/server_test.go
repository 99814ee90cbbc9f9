package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"daybook/internal/clock"
	"daybook/internal/config"
	"daybook/internal/db"
	"daybook/internal/engine"
	"daybook/internal/migrate"
	"daybook/internal/notify"
	"daybook/internal/scheduler"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk, err := clock.New("UTC")
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	e := engine.New(conn, config.Default(), clk)
	sched := scheduler.New(e, notify.LogNotifier{}, clk)
	handler, err := New(Config{Engine: e, Scheduler: sched, BasePath: "/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			sched.Stop()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func asOwner(owner string) map[string]string {
	return map[string]string{"X-Owner-Id": owner}
}

func legacyAuth() AuthConfig {
	return AuthConfig{AllowLegacyOwnerHeader: true}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t, legacyAuth())
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := newTestServer(t, legacyAuth())
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v (%s)", err, data)
	}
	if env.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q", env.Error.Code)
	}
}

func TestReminderLifecycle(t *testing.T) {
	srv := newTestServer(t, legacyAuth())
	client := srv.Client()
	at := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reminders", map[string]any{
		"title":        "dentist",
		"scheduled_at": at.Format(time.RFC3339),
		"lead_minutes": 30,
	}, asOwner("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var created ReminderResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal reminder: %v", err)
	}
	if created.ID == 0 || created.OwnerID != "alice" {
		t.Fatalf("created = %+v", created)
	}
	if !created.FireAt.Equal(at.Add(-30 * time.Minute)) {
		t.Fatalf("fire_at = %v, want %v", created.FireAt, at.Add(-30*time.Minute))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reminders", nil, asOwner("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var items []ReminderResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(items) != 1 || items[0].ID != created.ID {
		t.Fatalf("list = %+v", items)
	}

	// Another owner sees nothing.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reminders", nil, asOwner("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bob list status %d", res.StatusCode)
	}
	var bobItems []ReminderResponse
	if err := json.Unmarshal(data, &bobItems); err != nil {
		t.Fatalf("unmarshal bob list: %v", err)
	}
	if len(bobItems) != 0 {
		t.Fatalf("bob sees %+v", bobItems)
	}
}

func TestCreateReminderPastDueLeadReportsSent(t *testing.T) {
	srv := newTestServer(t, legacyAuth())
	// Event two minutes ahead, lead thirty minutes: the fire instant is
	// already behind us, so the reminder is marked sent on creation.
	at := time.Now().UTC().Add(2 * time.Minute).Truncate(time.Second)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/reminders", map[string]any{
		"title":        "too tight",
		"scheduled_at": at.Format(time.RFC3339),
		"lead_minutes": 30,
	}, asOwner("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var created ReminderResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal reminder: %v", err)
	}
	if !created.Sent {
		t.Fatalf("sent = false, want true: %+v", created)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/reminders", nil, asOwner("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var items []ReminderResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("sent reminder listed as active: %+v", items)
	}
}

func TestCreateReminderRejectsPastTime(t *testing.T) {
	srv := newTestServer(t, legacyAuth())
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/reminders", map[string]any{
		"scheduled_at": time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}, asOwner("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v (%s)", err, data)
	}
	if env.Error.Code != "past_time" {
		t.Fatalf("error code = %q", env.Error.Code)
	}
}

func TestTaskFlow(t *testing.T) {
	srv := newTestServer(t, legacyAuth())
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"description": "write report",
	}, asOwner("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != "pending" || created.Day == "" {
		t.Fatalf("created = %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, asOwner("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var items []TaskResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("list = %+v", items)
	}

	// A different owner cannot toggle it.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/1/toggle", nil, asOwner("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("mallory toggle status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/1/toggle", nil, asOwner("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle status %d: %s", res.StatusCode, data)
	}
	var toggled TaskResponse
	if err := json.Unmarshal(data, &toggled); err != nil {
		t.Fatalf("unmarshal toggled: %v", err)
	}
	if toggled.Status != "completed" || toggled.CompletedAt == nil {
		t.Fatalf("toggled = %+v", toggled)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/424242/toggle", nil, asOwner("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing toggle status %d: %s", res.StatusCode, data)
	}
}

func TestDevLoginAndBearerAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret", EnableDevLogin: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"owner_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("login = %+v err=%v", login, err)
	}

	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"description": "via jwt",
	}, bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.OwnerID != "alice" {
		t.Fatalf("owner from token = %q", created.OwnerID)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}

	// The legacy header is ignored when not enabled.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, asOwner("alice"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("legacy header status %d, want 401", res.StatusCode)
	}
}

func TestStatsAndEvents(t *testing.T) {
	srv := newTestServer(t, legacyAuth())
	client := srv.Client()
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"description": "count me",
	}, asOwner("alice")); res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, data)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats", nil, asOwner("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, data)
	}
	var stats struct {
		Reminders int `json:"reminders"`
		Tasks     int `json:"tasks"`
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Tasks != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events", nil, asOwner("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Type != "task.created" {
		t.Fatalf("events = %+v", page.Items)
	}
}
