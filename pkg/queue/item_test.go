package queue

import (
	"testing"
	"time"
)

func TestItemRunningAndCountFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		item       *Item
		running    bool
		notRunning bool
	}{
		{name: "leased", item: &Item{EarliestVisibleAt: now.Add(time.Second)}, running: true},
		{name: "due now", item: &Item{EarliestVisibleAt: now}, notRunning: true},
		{name: "overdue", item: &Item{EarliestVisibleAt: now.Add(-time.Minute)}, notRunning: true},
		{name: "nil item"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.Running(now); got != tt.running {
				t.Fatalf("Running() = %v, want %v", got, tt.running)
			}
			if got := CountRunning.Matches(tt.item, now); got != tt.running {
				t.Fatalf("CountRunning.Matches() = %v, want %v", got, tt.running)
			}
			if got := CountNotRunning.Matches(tt.item, now); got != tt.notRunning {
				t.Fatalf("CountNotRunning.Matches() = %v, want %v", got, tt.notRunning)
			}
			if got := CountAll.Matches(tt.item, now); got != (tt.item != nil) {
				t.Fatalf("CountAll.Matches() = %v, want %v", got, tt.item != nil)
			}
			if tt.item != nil && tt.item.VisibleTo(ClaimRequest{Now: now}) == tt.running {
				t.Fatal("expected visibility to be the complement of running")
			}
		})
	}
}
