package calrelay

import (
	"context"
	"errors"
	"log"

	"golang.org/x/sync/errgroup"
)

const defaultCleanupConcurrency = 3

// DuplicateCleanup removes stale copies of an event from calendars that are
// no longer its target. Target resolution depends on the page's start year,
// so a page whose date moves across a year boundary leaves its old copy
// behind in the previous calendar after the new one is written.
type DuplicateCleanup struct {
	calendar    CalendarService
	mapping     *CalendarMapping
	concurrency int
}

func NewDuplicateCleanup(service CalendarService, mapping *CalendarMapping, concurrency int) *DuplicateCleanup {
	if concurrency <= 0 {
		concurrency = defaultCleanupConcurrency
	}
	return &DuplicateCleanup{
		calendar:    service,
		mapping:     mapping,
		concurrency: concurrency,
	}
}

// Cleanup sweeps every calendar the mapping could ever name plus the default,
// skipping targetCalendarID, and deletes any event carrying the page's
// derived ID. Best-effort: per-calendar failures are logged and the sweep
// continues. The sweep runs calendars concurrently under a fixed cap to stay
// polite to the calendar service's rate limits.
func (c *DuplicateCleanup) Cleanup(ctx context.Context, pageID, targetCalendarID string) {
	eventID := EventIDFromPageID(pageID)
	if eventID == "" {
		return
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.concurrency)
	for _, calendarID := range c.mapping.AllCalendarIDs() {
		if calendarID == targetCalendarID {
			continue
		}
		calendarID := calendarID
		group.Go(func() error {
			c.sweepCalendar(groupCtx, calendarID, eventID)
			return nil
		})
	}
	_ = group.Wait()
}

func (c *DuplicateCleanup) sweepCalendar(ctx context.Context, calendarID, eventID string) {
	existing, err := c.calendar.GetEvent(ctx, calendarID, eventID)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("duplicate check failed in calendar %s for event %s: %v", calendarID, eventID, err)
		return
	}
	if existing.Status == "cancelled" {
		// Already a tombstone; nothing visible to remove.
		return
	}
	log.Printf("found duplicate event %s in calendar %s, deleting", eventID, calendarID)
	if err := c.calendar.DeleteEvent(ctx, calendarID, eventID); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyDeleted) {
			return
		}
		log.Printf("failed to delete duplicate event %s from calendar %s: %v", eventID, calendarID, err)
		return
	}
	log.Printf("deleted duplicate event %s from calendar %s", eventID, calendarID)
}
