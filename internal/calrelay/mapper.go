package calrelay

import (
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
)

const dateOnlyLayout = "2006-01-02"

// EventIDFromPageID derives the calendar event identifier for a Notion page.
// Notion page IDs are UUIDs; Google Calendar event IDs must be base32hex, so
// the dashes are stripped. The mapping is pure and stable, which is what makes
// reconciliation idempotent: reprocessing a notification converges on the
// same event instead of creating a duplicate.
//
// Once an event is purged from the calendar trash its ID cannot be reused, and
// the mapping for that page is permanently broken unless the page is recreated
// under a new ID.
func EventIDFromPageID(pageID string) string {
	return NormalizeID(pageID)
}

// PageToEvent converts a Notion page into the calendar event it should be
// reconciled against. The page's title property becomes the summary and its
// public URL the description. Returns a ValidationError when the page has no
// usable date.
func PageToEvent(page *Page) (*calendar.Event, error) {
	if page == nil {
		return nil, &ValidationError{Reason: "no page"}
	}

	var title string
	var date *DateValue
	for _, prop := range page.Properties {
		switch prop.Type {
		case "title":
			var parts []string
			for _, text := range prop.Title {
				parts = append(parts, text.PlainText)
			}
			title = strings.Join(parts, "")
		case "date":
			if date == nil {
				date = prop.Date
			}
		}
	}

	if date == nil || strings.TrimSpace(date.Start) == "" {
		return nil, &ValidationError{PageID: page.ID, Reason: "missing required date information"}
	}

	start, err := eventDateTime(page.ID, date.Start, date.TimeZone)
	if err != nil {
		return nil, err
	}
	endRaw := date.End
	if strings.TrimSpace(endRaw) == "" {
		// A single-instant page spans one day or instant.
		endRaw = date.Start
	}
	end, err := eventDateTime(page.ID, endRaw, date.TimeZone)
	if err != nil {
		return nil, err
	}
	// Notion date ranges are inclusive [start, end]; all-day calendar ranges
	// are half-open [start, end). Push the end out one day so both agree.
	// Timed ranges pass through unchanged.
	if end.Date != "" {
		endDay, parseErr := time.Parse(dateOnlyLayout, end.Date)
		if parseErr != nil {
			return nil, &ValidationError{PageID: page.ID, Reason: "invalid date format: " + end.Date}
		}
		end.Date = endDay.AddDate(0, 0, 1).Format(dateOnlyLayout)
	}

	return &calendar.Event{
		Id:          EventIDFromPageID(page.ID),
		Summary:     title,
		Description: page.PublicURL,
		Start:       start,
		End:         end,
	}, nil
}

// eventDateTime classifies a Notion date string as either an all-day calendar
// date or an RFC 3339 timestamp with offset. Anything else fails validation,
// never a silent drop.
func eventDateTime(pageID, value, timeZone string) (*calendar.EventDateTime, error) {
	value = strings.TrimSpace(value)
	if _, err := time.Parse(dateOnlyLayout, value); err == nil {
		return &calendar.EventDateTime{Date: value}, nil
	}
	if _, err := time.Parse(time.RFC3339, value); err == nil {
		return &calendar.EventDateTime{DateTime: value, TimeZone: timeZone}, nil
	}
	return nil, &ValidationError{PageID: pageID, Reason: "invalid date format: " + value}
}

// EventStartYear extracts the year the event starts in, which drives target
// calendar resolution.
func EventStartYear(event *calendar.Event) (int, bool) {
	if event == nil || event.Start == nil {
		return 0, false
	}
	if event.Start.Date != "" {
		day, err := time.Parse(dateOnlyLayout, event.Start.Date)
		if err != nil {
			return 0, false
		}
		return day.Year(), true
	}
	if event.Start.DateTime != "" {
		instant, err := time.Parse(time.RFC3339, event.Start.DateTime)
		if err != nil {
			return 0, false
		}
		return instant.Year(), true
	}
	return 0, false
}
