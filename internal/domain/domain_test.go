package domain

import (
	"testing"
	"time"
)

func TestFireAt(t *testing.T) {
	scheduled := time.Date(2024, 5, 12, 15, 0, 0, 0, time.UTC)
	rem := Reminder{ScheduledAt: scheduled, LeadMinutes: 30}
	want := time.Date(2024, 5, 12, 14, 30, 0, 0, time.UTC)
	if !rem.FireAt().Equal(want) {
		t.Fatalf("fire at %v, want %v", rem.FireAt(), want)
	}
	rem.LeadMinutes = 0
	if !rem.FireAt().Equal(scheduled) {
		t.Fatalf("zero lead should fire at the scheduled time, got %v", rem.FireAt())
	}
}

func TestAgeLabel(t *testing.T) {
	cases := []struct {
		original string
		today    string
		want     string
	}{
		{"2024-01-10", "2024-01-10", ""},
		{"2024-01-09", "2024-01-10", "yesterday"},
		{"2024-01-05", "2024-01-10", "5 days ago"},
		{"2024-01-11", "2024-01-10", ""},
		{"garbage", "2024-01-10", ""},
	}
	for _, tc := range cases {
		if got := AgeLabel(tc.original, tc.today); got != tc.want {
			t.Errorf("AgeLabel(%s, %s) = %q, want %q", tc.original, tc.today, got, tc.want)
		}
	}
}
