package calrelay

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

const (
	schemaCacheKeyPrefix  = "database_properties:"
	defaultSchemaCacheTTL = 7 * 24 * time.Hour
)

// SchemaCache caches Notion database schemas (property name → property id) in
// the shared cache so repeated "did the date field change" checks avoid
// redundant schema fetches. Entries expire only by TTL; a schema change inside
// the window is tolerated staleness.
type SchemaCache struct {
	cache            SharedCache
	notion           NotionClient
	ttl              time.Duration
	datePropertyName string
}

func NewSchemaCache(cache SharedCache, notion NotionClient, datePropertyName string, ttl time.Duration) *SchemaCache {
	if ttl <= 0 {
		ttl = defaultSchemaCacheTTL
	}
	return &SchemaCache{
		cache:            cache,
		notion:           notion,
		ttl:              ttl,
		datePropertyName: datePropertyName,
	}
}

// DatabaseProperties returns the schema mapping for a database, from cache
// when possible.
func (s *SchemaCache) DatabaseProperties(ctx context.Context, databaseID string) (map[string]string, error) {
	cacheKey := schemaCacheKeyPrefix + NormalizeID(databaseID)
	if raw, ok, err := s.cache.Get(ctx, cacheKey); err != nil {
		return nil, err
	} else if ok {
		var properties map[string]string
		if err := json.Unmarshal([]byte(raw), &properties); err == nil {
			return properties, nil
		}
		log.Printf("cached schema for database %s is unreadable, refetching", databaseID)
	}

	properties, err := s.notion.GetDatabaseProperties(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(properties)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, cacheKey, string(payload), s.ttl); err != nil {
		// A failed cache write only costs a refetch next time.
		log.Printf("failed to cache schema for database %s: %v", databaseID, err)
	}
	return properties, nil
}

// DatePropertyModified reports whether a page.properties_updated notification
// touched the configured date property. Events of any other type, and events
// without a resolvable parent database, report false.
func (s *SchemaCache) DatePropertyModified(ctx context.Context, event *WebhookEvent) (bool, error) {
	if event == nil || event.Type != EventPagePropertiesUpdated {
		return false, nil
	}
	if event.Data == nil || event.Data.Parent == nil || event.Data.Parent.ID == "" {
		log.Printf("event %s has no parent database, skipping date property check", event.ID)
		return false, nil
	}
	properties, err := s.DatabaseProperties(ctx, event.Data.Parent.ID)
	if err != nil {
		return false, err
	}
	datePropertyID, ok := properties[s.datePropertyName]
	if !ok {
		log.Printf("date property %q not found in database %s", s.datePropertyName, event.Data.Parent.ID)
		return false, nil
	}
	for _, updated := range event.Data.UpdatedProperties {
		if updated == datePropertyID {
			return true, nil
		}
	}
	return false, nil
}
