package calrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"google.golang.org/api/calendar/v3"
	"gopkg.in/yaml.v3"
)

// DefaultCalendarID is used when no mapping entry covers an event's year.
const DefaultCalendarID = "primary"

// CalendarMapping is the sparse year → calendar table plus the default
// calendar. Safe for concurrent use; Replace swaps the whole table so a
// mapping-file reload never exposes a half-applied state.
type CalendarMapping struct {
	mu        sync.RWMutex
	byYear    map[int]string
	defaultID string
}

func NewCalendarMapping(byYear map[int]string, defaultID string) *CalendarMapping {
	if defaultID == "" {
		defaultID = DefaultCalendarID
	}
	m := &CalendarMapping{defaultID: defaultID}
	m.Replace(byYear)
	return m
}

func (m *CalendarMapping) Replace(byYear map[int]string) {
	clone := make(map[int]string, len(byYear))
	for year, id := range byYear {
		if id != "" {
			clone[year] = id
		}
	}
	m.mu.Lock()
	m.byYear = clone
	m.mu.Unlock()
}

func (m *CalendarMapping) DefaultID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultID
}

// CalendarForYear returns the mapped calendar for year, with false when the
// year is unmapped. Unmapped means "use the default", not an error.
func (m *CalendarMapping) CalendarForYear(year int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byYear[year]
	return id, ok
}

// TargetFor resolves the one calendar an event belongs to at this instant.
func (m *CalendarMapping) TargetFor(event *calendar.Event) string {
	if year, ok := EventStartYear(event); ok {
		if id, mapped := m.CalendarForYear(year); mapped {
			return id
		}
	}
	return m.DefaultID()
}

// AllCalendarIDs enumerates every calendar the mapping could ever name plus
// the default, deduplicated and sorted. This is the duplicate-cleanup sweep
// set.
func (m *CalendarMapping) AllCalendarIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{m.defaultID: {}}
	for _, id := range m.byYear {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ParseMappingJSON reads the {"2025": "calendar-id"} form carried in an
// environment variable.
func ParseMappingJSON(raw string) (map[int]string, error) {
	var byYearString map[string]string
	if err := json.Unmarshal([]byte(raw), &byYearString); err != nil {
		return nil, fmt.Errorf("calendar mapping is not valid JSON: %w", err)
	}
	byYear := make(map[int]string, len(byYearString))
	for yearString, id := range byYearString {
		year, err := strconv.Atoi(yearString)
		if err != nil {
			return nil, fmt.Errorf("calendar mapping has non-numeric year %q", yearString)
		}
		byYear[year] = id
	}
	return byYear, nil
}

type mappingFile struct {
	Default   string         `yaml:"default"`
	Calendars map[int]string `yaml:"calendars"`
}

// LoadMappingFile reads a YAML mapping file:
//
//	default: primary
//	calendars:
//	  2024: someone@group.calendar.google.com
func LoadMappingFile(path string) (map[int]string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	var parsed mappingFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, "", fmt.Errorf("calendar mapping file %s: %w", path, err)
	}
	return parsed.Calendars, parsed.Default, nil
}

// WatchMappingFile reloads the mapping whenever the file changes, until ctx
// is cancelled. Reload failures keep the previous table and are logged.
func WatchMappingFile(ctx context.Context, path string, mapping *CalendarMapping) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory rather than the file so atomic rename-into-place
	// updates keep being observed.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				byYear, _, loadErr := LoadMappingFile(path)
				if loadErr != nil {
					log.Printf("calendar mapping reload failed, keeping previous table: %v", loadErr)
					continue
				}
				mapping.Replace(byYear)
				log.Printf("calendar mapping reloaded from %s (%d years)", path, len(byYear))
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("calendar mapping watcher error: %v", watchErr)
			}
		}
	}()
	return nil
}
