package calrelay

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/api/calendar/v3"
)

func TestCleanupSweepsAllCalendarsExceptTarget(t *testing.T) {
	ctx := context.Background()
	service := newFakeCalendar()
	mapping := NewCalendarMapping(map[int]string{
		2023: "cal-2023",
		2024: "cal-2024",
		2025: "cal-2025",
	}, "primary")

	for _, calendarID := range []string{"cal-2023", "cal-2024", "cal-2025", "primary"} {
		service.put(calendarID, &calendar.Event{Id: "pagedup"})
	}

	cleanup := NewDuplicateCleanup(service, mapping, 2)
	cleanup.Cleanup(ctx, "page-dup", "cal-2025")

	if service.get("cal-2025", "pagedup") == nil {
		t.Fatalf("target calendar must be skipped")
	}
	for _, calendarID := range []string{"cal-2023", "cal-2024", "primary"} {
		if service.get(calendarID, "pagedup") != nil {
			t.Fatalf("duplicate left behind in %s", calendarID)
		}
	}
}

func TestCleanupEmptyTargetSweepsEverywhere(t *testing.T) {
	ctx := context.Background()
	service := newFakeCalendar()
	mapping := NewCalendarMapping(map[int]string{2024: "cal-2024"}, "primary")
	service.put("cal-2024", &calendar.Event{Id: "pagex"})
	service.put("primary", &calendar.Event{Id: "pagex"})

	cleanup := NewDuplicateCleanup(service, mapping, 0)
	cleanup.Cleanup(ctx, "page-x", "")

	if service.get("cal-2024", "pagex") != nil || service.get("primary", "pagex") != nil {
		t.Fatalf("empty target must sweep every calendar")
	}
}

func TestCleanupSkipsCancelledTombstones(t *testing.T) {
	ctx := context.Background()
	service := newFakeCalendar()
	mapping := NewCalendarMapping(map[int]string{2024: "cal-2024"}, "primary")
	service.put("cal-2024", &calendar.Event{Id: "pagey", Status: "cancelled"})

	cleanup := NewDuplicateCleanup(service, mapping, 1)
	cleanup.Cleanup(ctx, "page-y", "primary")

	if service.deletes != 0 {
		t.Fatalf("cancelled events must not be re-deleted, got %d deletes", service.deletes)
	}
}

func TestCleanupToleratesFailures(t *testing.T) {
	ctx := context.Background()
	service := newFakeCalendar()
	mapping := NewCalendarMapping(map[int]string{2024: "cal-2024"}, "primary")
	service.getErr = errors.New("calendar unavailable")

	// Must not panic or propagate; the sweep is best-effort.
	cleanup := NewDuplicateCleanup(service, mapping, 1)
	cleanup.Cleanup(ctx, "page-z", "")
}

func TestCleanupIgnoresEmptyPageID(t *testing.T) {
	service := newFakeCalendar()
	cleanup := NewDuplicateCleanup(service, NewCalendarMapping(nil, "primary"), 1)
	cleanup.Cleanup(context.Background(), "", "primary")
	if service.gets != 0 {
		t.Fatalf("empty page id must not touch the calendar, got %d gets", service.gets)
	}
}
