package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/calrelay/internal/calrelay"
	"github.com/agentworkforce/calrelay/internal/httpapi"
)

func main() {
	ctx := context.Background()

	addr := os.Getenv("CALRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
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

	notion := calrelay.NewHTTPNotionClient(calrelay.NotionClientOptions{
		Token:            os.Getenv("CALRELAY_NOTION_TOKEN"),
		DatabaseID:       os.Getenv("CALRELAY_NOTION_DATABASE_ID"),
		DatePropertyName: datePropertyFromEnv(),
	})

	mapping, err := buildCalendarMappingFromEnv(ctx)
	if err != nil {
		log.Fatalf("failed to load calendar mapping: %v", err)
	}

	var calendarService calrelay.CalendarService
	var handlers []calrelay.Handler
	if googleCalendarEnabled() {
		client, err := calrelay.NewGoogleCalendarClient(ctx, calrelay.GoogleCalendarOptions{
			ClientID:     os.Getenv("GOOGLE_CALENDAR_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CALENDAR_CLIENT_SECRET"),
			RefreshToken: os.Getenv("GOOGLE_CALENDAR_REFRESH_TOKEN"),
			Coordinator:  coordinator,
		})
		if err != nil {
			log.Fatalf("failed to initialize google calendar client: %v", err)
		}
		calendarService = client

		cleanup := calrelay.NewDuplicateCleanup(calendarService, mapping, intEnv("CALRELAY_CLEANUP_CONCURRENCY", 0))
		changes := calrelay.NewSchemaCache(cache, notion, datePropertyFromEnv(), durationEnv("CALRELAY_SCHEMA_CACHE_TTL", 0))
		reconciler := calrelay.NewReconciler(notion, calendarService, mapping, cleanup, changes)
		handlers = append(handlers, calrelay.NewGoogleCalendarHandler(reconciler))
	} else {
		log.Printf("google calendar credentials not configured, running without calendar handler")
	}

	dispatcher := calrelay.NewDispatcher(os.Getenv("CALRELAY_NOTION_DATABASE_ID"), handlers...)
	server, err := httpapi.NewServer(dispatcher, notion, calendarService, httpapi.ServerConfig{
		WebhookSecret: os.Getenv("CALRELAY_WEBHOOK_SECRET"),
		AdminToken:    os.Getenv("CALRELAY_ADMIN_TOKEN"),
		MaxBodyBytes:  int64Env("CALRELAY_MAX_BODY_BYTES", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	log.Printf("calrelay listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func googleCalendarEnabled() bool {
	return os.Getenv("GOOGLE_CALENDAR_CLIENT_ID") != "" &&
		os.Getenv("GOOGLE_CALENDAR_CLIENT_SECRET") != "" &&
		os.Getenv("GOOGLE_CALENDAR_REFRESH_TOKEN") != ""
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
		log.Printf("CALRELAY_CACHE_DSN not set, using in-process cache (no cross-instance coordination)")
	}
	return calrelay.BuildSharedCacheFromDSN(dsn)
}

func buildCalendarMappingFromEnv(ctx context.Context) (*calrelay.CalendarMapping, error) {
	defaultID := strings.TrimSpace(os.Getenv("CALRELAY_CALENDAR_DEFAULT_ID"))

	if path := strings.TrimSpace(os.Getenv("CALRELAY_CALENDAR_MAPPING_FILE")); path != "" {
		byYear, fileDefault, err := calrelay.LoadMappingFile(path)
		if err != nil {
			return nil, err
		}
		if defaultID == "" {
			defaultID = fileDefault
		}
		mapping := calrelay.NewCalendarMapping(byYear, defaultID)
		if err := calrelay.WatchMappingFile(ctx, path, mapping); err != nil {
			log.Printf("calendar mapping file will not hot-reload: %v", err)
		}
		return mapping, nil
	}

	if raw := strings.TrimSpace(os.Getenv("CALRELAY_CALENDAR_MAPPING")); raw != "" {
		byYear, err := calrelay.ParseMappingJSON(raw)
		if err != nil {
			return nil, err
		}
		return calrelay.NewCalendarMapping(byYear, defaultID), nil
	}

	log.Printf("no calendar mapping configured, all events go to the default calendar")
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

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
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
