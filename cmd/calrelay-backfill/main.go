// Command calrelay-backfill reconciles every page in a date range in one
// pass. Use it to seed a new calendar mapping or to repair drift after an
// outage; the steady-state path is webhook-driven.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/calrelay/internal/calrelay"
)

func main() {
	start := flag.String("start", "", "inclusive range start, YYYY-MM-DD (empty = open)")
	end := flag.String("end", "", "inclusive range end, YYYY-MM-DD (empty = open)")
	dryRun := flag.Bool("dry-run", false, "resolve targets and print the plan without writing")
	flag.Parse()

	ctx := context.Background()

	notion := calrelay.NewHTTPNotionClient(calrelay.NotionClientOptions{
		Token:            os.Getenv("CALRELAY_NOTION_TOKEN"),
		DatabaseID:       os.Getenv("CALRELAY_NOTION_DATABASE_ID"),
		DatePropertyName: datePropertyFromEnv(),
	})

	mapping, err := buildCalendarMappingFromEnv()
	if err != nil {
		log.Fatalf("failed to load calendar mapping: %v", err)
	}

	pages, err := notion.QueryPages(ctx, *start, *end)
	if err != nil {
		log.Fatalf("failed to query pages: %v", err)
	}
	log.Printf("found %d pages in range [%s, %s]", len(pages), orOpen(*start), orOpen(*end))

	if *dryRun {
		for _, page := range pages {
			event, mapErr := calrelay.PageToEvent(page)
			if mapErr != nil {
				log.Printf("page %s: %v", page.ID, mapErr)
				continue
			}
			log.Printf("page %s -> event %s in calendar %s", page.ID, event.Id, mapping.TargetFor(event))
		}
		return
	}

	cache, err := buildSharedCacheFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize shared cache: %v", err)
	}
	coordinator := calrelay.NewCredentialCoordinator(calrelay.CredentialCoordinatorOptions{
		Cache:        cache,
		LockTTL:      durationEnv("CALRELAY_LOCK_TTL", 0),
		PollInterval: durationEnv("CALRELAY_POLL_INTERVAL", 0),
		MaxPolls:     intEnv("CALRELAY_MAX_POLLS", 0),
	})
	calendarClient, err := calrelay.NewGoogleCalendarClient(ctx, calrelay.GoogleCalendarOptions{
		ClientID:     os.Getenv("GOOGLE_CALENDAR_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CALENDAR_CLIENT_SECRET"),
		RefreshToken: os.Getenv("GOOGLE_CALENDAR_REFRESH_TOKEN"),
		Coordinator:  coordinator,
	})
	if err != nil {
		log.Fatalf("failed to initialize google calendar client: %v", err)
	}

	cleanup := calrelay.NewDuplicateCleanup(calendarClient, mapping, intEnv("CALRELAY_CLEANUP_CONCURRENCY", 0))
	reconciler := calrelay.NewReconciler(notion, calendarClient, mapping, cleanup, nil)

	failures := 0
	for _, page := range pages {
		event := &calrelay.WebhookEvent{
			ID:     "backfill_" + page.ID,
			Type:   calrelay.EventPageContentUpdated,
			Entity: calrelay.WebhookEntity{ID: page.ID, Type: "page"},
		}
		if err := reconciler.Reconcile(ctx, calrelay.ChangeUpdated, event); err != nil {
			failures++
			log.Printf("page %s: reconcile failed: %v", page.ID, err)
		}
	}
	log.Printf("backfill complete: %d pages, %d failures", len(pages), failures)
	if failures > 0 {
		os.Exit(1)
	}
}

func orOpen(bound string) string {
	if bound == "" {
		return "open"
	}
	return bound
}

func datePropertyFromEnv() string {
	if name := strings.TrimSpace(os.Getenv("CALRELAY_DATE_PROPERTY")); name != "" {
		return name
	}
	return "Date"
}

func buildSharedCacheFromEnv() (calrelay.SharedCache, error) {
	dsn := strings.TrimSpace(os.Getenv("CALRELAY_CACHE_DSN"))
	if dsn == "" {
		dsn = "memory://"
	}
	return calrelay.BuildSharedCacheFromDSN(dsn)
}

func buildCalendarMappingFromEnv() (*calrelay.CalendarMapping, error) {
	defaultID := strings.TrimSpace(os.Getenv("CALRELAY_CALENDAR_DEFAULT_ID"))
	if path := strings.TrimSpace(os.Getenv("CALRELAY_CALENDAR_MAPPING_FILE")); path != "" {
		byYear, fileDefault, err := calrelay.LoadMappingFile(path)
		if err != nil {
			return nil, err
		}
		if defaultID == "" {
			defaultID = fileDefault
		}
		return calrelay.NewCalendarMapping(byYear, defaultID), nil
	}
	if raw := strings.TrimSpace(os.Getenv("CALRELAY_CALENDAR_MAPPING")); raw != "" {
		byYear, err := calrelay.ParseMappingJSON(raw)
		if err != nil {
			return nil, err
		}
		return calrelay.NewCalendarMapping(byYear, defaultID), nil
	}
	return calrelay.NewCalendarMapping(nil, defaultID), nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
