package calrelay

import (
	"context"
	"testing"
	"time"
)

func TestDatabasePropertiesCachesSchema(t *testing.T) {
	ctx := context.Background()
	notion := newFakeNotion()
	notion.schemas["db1"] = map[string]string{"Name": "title", "Date": "abc%3Adef"}
	cache := NewInMemoryCache()
	schemaCache := NewSchemaCache(cache, notion, "Date", 0)

	for i := 0; i < 3; i++ {
		properties, err := schemaCache.DatabaseProperties(ctx, "db1")
		if err != nil {
			t.Fatalf("lookup %d failed: %v", i, err)
		}
		if properties["Date"] != "abc%3Adef" {
			t.Fatalf("unexpected schema: %v", properties)
		}
	}
	if notion.schemaCalls != 1 {
		t.Fatalf("expected one upstream fetch, got %d", notion.schemaCalls)
	}
}

func TestDatabasePropertiesRefetchesAfterTTL(t *testing.T) {
	ctx := context.Background()
	notion := newFakeNotion()
	notion.schemas["db1"] = map[string]string{"Date": "d1"}
	cache := NewInMemoryCache()
	current := time.Unix(1000, 0)
	cache.now = func() time.Time { return current }
	schemaCache := NewSchemaCache(cache, notion, "Date", time.Hour)

	if _, err := schemaCache.DatabaseProperties(ctx, "db1"); err != nil {
		t.Fatalf("first lookup failed: %v", err)
	}
	current = current.Add(2 * time.Hour)
	if _, err := schemaCache.DatabaseProperties(ctx, "db1"); err != nil {
		t.Fatalf("second lookup failed: %v", err)
	}
	if notion.schemaCalls != 2 {
		t.Fatalf("expected refetch after expiry, got %d calls", notion.schemaCalls)
	}
}

func TestDatabasePropertiesRecoversFromCorruptCacheEntry(t *testing.T) {
	ctx := context.Background()
	notion := newFakeNotion()
	notion.schemas["db1"] = map[string]string{"Date": "d1"}
	cache := NewInMemoryCache()
	if err := cache.Set(ctx, schemaCacheKeyPrefix+"db1", "{not json", 0); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	schemaCache := NewSchemaCache(cache, notion, "Date", 0)
	properties, err := schemaCache.DatabaseProperties(ctx, "db1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if properties["Date"] != "d1" {
		t.Fatalf("expected refetched schema, got %v", properties)
	}
}

func TestDatePropertyModified(t *testing.T) {
	ctx := context.Background()
	notion := newFakeNotion()
	notion.schemas["db1"] = map[string]string{"Name": "title", "Date": "dt1"}
	schemaCache := NewSchemaCache(NewInMemoryCache(), notion, "Date", 0)

	event := parentedEvent(EventPagePropertiesUpdated, "page-1", "db1")
	event.Data.UpdatedProperties = []string{"title"}
	modified, err := schemaCache.DatePropertyModified(ctx, event)
	if err != nil || modified {
		t.Fatalf("title-only change: modified=%v err=%v", modified, err)
	}

	event.Data.UpdatedProperties = []string{"title", "dt1"}
	modified, err = schemaCache.DatePropertyModified(ctx, event)
	if err != nil || !modified {
		t.Fatalf("date change: modified=%v err=%v", modified, err)
	}
}

func TestDatePropertyModifiedNonPropertyEvents(t *testing.T) {
	ctx := context.Background()
	schemaCache := NewSchemaCache(NewInMemoryCache(), newFakeNotion(), "Date", 0)

	modified, err := schemaCache.DatePropertyModified(ctx, pageEvent(EventPageContentUpdated, "page-1"))
	if err != nil || modified {
		t.Fatalf("content update is never a date change: modified=%v err=%v", modified, err)
	}
	modified, err = schemaCache.DatePropertyModified(ctx, nil)
	if err != nil || modified {
		t.Fatalf("nil event: modified=%v err=%v", modified, err)
	}
	// properties_updated without a parent cannot be checked.
	modified, err = schemaCache.DatePropertyModified(ctx, pageEvent(EventPagePropertiesUpdated, "page-1"))
	if err != nil || modified {
		t.Fatalf("parentless event: modified=%v err=%v", modified, err)
	}
}

func TestDatePropertyModifiedMissingProperty(t *testing.T) {
	ctx := context.Background()
	notion := newFakeNotion()
	notion.schemas["db1"] = map[string]string{"Name": "title"}
	schemaCache := NewSchemaCache(NewInMemoryCache(), notion, "Date", 0)

	event := parentedEvent(EventPagePropertiesUpdated, "page-1", "db1")
	event.Data.UpdatedProperties = []string{"title"}
	modified, err := schemaCache.DatePropertyModified(ctx, event)
	if err != nil || modified {
		t.Fatalf("missing date property: modified=%v err=%v", modified, err)
	}
}
