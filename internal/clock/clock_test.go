package clock

import (
	"testing"
	"time"
)

func fixed(t *testing.T, tz string, at time.Time) Clock {
	t.Helper()
	clk, err := New(tz)
	if err != nil {
		t.Fatalf("new clock: %v", err)
	}
	clk.Now = func() time.Time { return at }
	return clk
}

func TestTodayUsesZone(t *testing.T) {
	// 23:30 UTC on Jan 1 is already Jan 2 in Moscow.
	at := time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC)
	utc := fixed(t, "UTC", at)
	msk := fixed(t, "Europe/Moscow", at)
	if got := utc.Today(); got != "2024-01-01" {
		t.Fatalf("utc today = %s", got)
	}
	if got := msk.Today(); got != "2024-01-02" {
		t.Fatalf("moscow today = %s", got)
	}
}

func TestNextDay(t *testing.T) {
	clk := fixed(t, "UTC", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	next, err := clk.NextDay("2024-01-31")
	if err != nil {
		t.Fatalf("next day: %v", err)
	}
	if next != "2024-02-01" {
		t.Fatalf("next day = %s", next)
	}
	if _, err := clk.NextDay("not-a-day"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNextMidnight(t *testing.T) {
	clk := fixed(t, "UTC", time.Date(2024, 2, 28, 18, 45, 0, 0, time.UTC))
	got := clk.NextMidnight()
	want := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("next midnight = %v, want %v", got, want)
	}
}

func TestNewRejectsUnknownZone(t *testing.T) {
	if _, err := New("Not/AZone"); err == nil {
		t.Fatal("expected error for unknown zone")
	}
}
