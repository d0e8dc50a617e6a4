package storage

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *EventStore {
	t.Helper()
	store, err := NewEventStore(filepath.Join(t.TempDir(), "queries_test.db"), 1000)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedTestEvents(t *testing.T, store *EventStore) time.Time {
	t.Helper()
	baseTime := time.Now().Add(-10 * time.Minute)
	events := []Event{
		{Kind: KindConnection, Device: "amplifier", Message: "disconnected -> connecting"},
		{Kind: KindConnection, Device: "amplifier", Message: "connecting -> awaiting_wake"},
		{Kind: KindConnection, Device: "amplifier", Message: "awaiting_wake -> ready"},
		{Kind: KindConnection, Device: "tuner", Message: "connecting -> ready"},
		{Kind: KindSync, Device: "combo", Message: "tuner off, powering on"},
		{Kind: KindFault, Device: "amplifier", Message: "fault 4", Error: "high temperature"},
		{Kind: KindIntent, Device: "combo", Message: "tune", Error: "amplifier standby not confirmed: prerequisite not met"},
		{Kind: KindFault, Device: "amplifier", Message: "fault cleared"},
		{Kind: KindIntent, Device: "combo", Message: "tune"},
		{Kind: KindFault, Device: "tuner", Message: "fault 1", Error: "no match"},
	}

	for i, ev := range events {
		ev.Timestamp = baseTime.Add(time.Duration(i) * time.Minute)
		if err := store.RecordEvent(ev); err != nil {
			t.Fatalf("Failed to seed event %d: %v", i, err)
		}
	}
	return baseTime
}

func TestGetEvents(t *testing.T) {
	store := setupTestStore(t)
	baseTime := seedTestEvents(t, store)

	t.Run("All Events Newest First", func(t *testing.T) {
		events, err := store.GetEvents(EventQuery{})
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 10 {
			t.Fatalf("Expected 10 events, got %d", len(events))
		}
		for i := 1; i < len(events); i++ {
			if events[i].Timestamp.After(events[i-1].Timestamp) {
				t.Errorf("Events not sorted newest first at %d", i)
			}
		}
		if events[0].Message != "fault 1" {
			t.Errorf("Expected newest event first, got %q", events[0].Message)
		}
	})

	t.Run("Limit and Offset", func(t *testing.T) {
		events, err := store.GetEvents(EventQuery{Limit: 3, Offset: 2})
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("Expected 3 events, got %d", len(events))
		}
		if events[0].Message != "fault cleared" {
			t.Errorf("Expected third newest event, got %q", events[0].Message)
		}
	})

	t.Run("By Device", func(t *testing.T) {
		events, err := store.GetEvents(EventQuery{Device: "amplifier"})
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 5 {
			t.Errorf("Expected 5 amplifier events, got %d", len(events))
		}
		for _, ev := range events {
			if ev.Device != "amplifier" {
				t.Errorf("Unexpected device %q", ev.Device)
			}
		}
	})

	t.Run("By Kind", func(t *testing.T) {
		events, err := store.GetEvents(EventQuery{Kind: KindIntent})
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("Expected 2 intent events, got %d", len(events))
		}
	})

	t.Run("Failed Only", func(t *testing.T) {
		events, err := store.GetEvents(EventQuery{Failed: true})
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 3 {
			t.Errorf("Expected 3 failed events, got %d", len(events))
		}
	})

	t.Run("Time Window", func(t *testing.T) {
		since := baseTime.Add(2 * time.Minute)
		until := baseTime.Add(4 * time.Minute)
		events, err := store.GetEvents(EventQuery{Since: &since, Until: &until})
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 3 {
			t.Errorf("Expected 3 events in window, got %d", len(events))
		}
	})
}

func TestDeviceSummaries(t *testing.T) {
	store := setupTestStore(t)
	seedTestEvents(t, store)

	summaries, err := store.GetDeviceSummaries()
	if err != nil {
		t.Fatalf("Failed to get summaries: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("Expected 3 devices, got %d", len(summaries))
	}

	byDevice := map[string]DeviceSummary{}
	for _, s := range summaries {
		byDevice[s.Device] = s
	}

	if summaries[0].Device != "tuner" {
		t.Errorf("Expected most recently active device first, got %s", summaries[0].Device)
	}
	if byDevice["amplifier"].UnackedFaults != 1 {
		t.Errorf("Expected 1 unacked amplifier fault, got %d", byDevice["amplifier"].UnackedFaults)
	}
	if byDevice["amplifier"].TotalEvents != 5 {
		t.Errorf("Expected 5 amplifier events, got %d", byDevice["amplifier"].TotalEvents)
	}
	if byDevice["amplifier"].LastMessage != "fault cleared" {
		t.Errorf("Unexpected last amplifier message %q", byDevice["amplifier"].LastMessage)
	}

	t.Run("Acknowledge Faults", func(t *testing.T) {
		if err := store.AcknowledgeFaults("amplifier"); err != nil {
			t.Fatalf("Failed to acknowledge: %v", err)
		}

		summaries, err := store.GetDeviceSummaries()
		if err != nil {
			t.Fatalf("Failed to get summaries: %v", err)
		}
		for _, s := range summaries {
			switch s.Device {
			case "amplifier":
				if s.UnackedFaults != 0 {
					t.Errorf("Expected amplifier faults acknowledged, got %d", s.UnackedFaults)
				}
			case "tuner":
				if s.UnackedFaults != 1 {
					t.Errorf("Expected tuner fault untouched, got %d", s.UnackedFaults)
				}
			}
		}
	})
}

func TestSearchEvents(t *testing.T) {
	store := setupTestStore(t)
	seedTestEvents(t, store)

	t.Run("Matches Error Text", func(t *testing.T) {
		events, err := store.SearchEvents("prerequisite", 10)
		if err != nil {
			t.Fatalf("Failed to search: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("Expected 1 result, got %d", len(events))
		}
		if !strings.Contains(events[0].Error, "prerequisite") {
			t.Errorf("Unexpected result %+v", events[0])
		}
	})

	t.Run("Matches Message", func(t *testing.T) {
		events, err := store.SearchEvents("ready", 0)
		if err != nil {
			t.Fatalf("Failed to search: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("Expected 2 results, got %d", len(events))
		}
	})

	t.Run("No Match", func(t *testing.T) {
		events, err := store.SearchEvents("bandwidth", 10)
		if err != nil {
			t.Fatalf("Failed to search: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("Expected no results, got %d", len(events))
		}
	})
}
