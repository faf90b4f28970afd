package calrelay

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// recordingHandler records which hook fired, optionally failing.
type recordingHandler struct {
	name    string
	wants   bool
	fail    error
	mu      sync.Mutex
	creates int
	updates int
	deletes int
}

func (h *recordingHandler) Name() string                   { return h.name }
func (h *recordingHandler) Wants(event *WebhookEvent) bool { return h.wants }

func (h *recordingHandler) HandleCreate(ctx context.Context, event *WebhookEvent) error {
	h.mu.Lock()
	h.creates++
	h.mu.Unlock()
	return h.fail
}

func (h *recordingHandler) HandleUpdate(ctx context.Context, event *WebhookEvent) error {
	h.mu.Lock()
	h.updates++
	h.mu.Unlock()
	return h.fail
}

func (h *recordingHandler) HandleDelete(ctx context.Context, event *WebhookEvent) error {
	h.mu.Lock()
	h.deletes++
	h.mu.Unlock()
	return h.fail
}

func parentedEvent(eventType, pageID, databaseID string) *WebhookEvent {
	event := pageEvent(eventType, pageID)
	event.Data = &WebhookEventData{Parent: &WebhookEntity{ID: databaseID, Type: "database"}}
	return event
}

func TestDispatchRoutesByEventType(t *testing.T) {
	ctx := context.Background()
	handler := &recordingHandler{name: "rec", wants: true}
	dispatcher := NewDispatcher("", handler)

	cases := []struct {
		eventType string
	}{
		{EventPageCreated},
		{EventPageUndeleted},
		{EventPageContentUpdated},
		{EventPagePropertiesUpdated},
		{EventPageDeleted},
	}
	for _, tc := range cases {
		if err := dispatcher.Dispatch(ctx, pageEvent(tc.eventType, "page-1")); err != nil {
			t.Fatalf("dispatch %s failed: %v", tc.eventType, err)
		}
	}
	if handler.creates != 2 {
		t.Fatalf("created and undeleted should route to create, got %d", handler.creates)
	}
	if handler.updates != 2 {
		t.Fatalf("both update types should route to update, got %d", handler.updates)
	}
	if handler.deletes != 1 {
		t.Fatalf("expected one delete, got %d", handler.deletes)
	}
}

func TestDispatchFiltersBySourceDatabase(t *testing.T) {
	ctx := context.Background()
	handler := &recordingHandler{name: "rec", wants: true}
	dispatcher := NewDispatcher("1b2c3d4e-5f60-7182-93a4-b5c6d7e8f901", handler)

	// Same database, different dash forms.
	if err := dispatcher.Dispatch(ctx, parentedEvent(EventPageCreated, "page-1", "1b2c3d4e5f60718293a4b5c6d7e8f901")); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if handler.creates != 1 {
		t.Fatalf("dash-normalized match must pass, got %d creates", handler.creates)
	}

	// Foreign database.
	if err := dispatcher.Dispatch(ctx, parentedEvent(EventPageCreated, "page-2", "other-database")); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if handler.creates != 1 {
		t.Fatalf("foreign database event must be ignored")
	}

	// No parent: passes through, reconciliation settles ownership.
	if err := dispatcher.Dispatch(ctx, pageEvent(EventPageCreated, "page-3")); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if handler.creates != 2 {
		t.Fatalf("parentless event must pass through, got %d creates", handler.creates)
	}
}

func TestDispatchIgnoresUnknownEventTypes(t *testing.T) {
	handler := &recordingHandler{name: "rec", wants: true}
	dispatcher := NewDispatcher("", handler)
	if err := dispatcher.Dispatch(context.Background(), pageEvent("comment.created", "page-1")); err != nil {
		t.Fatalf("unknown type must be ignored, got %v", err)
	}
	if handler.creates+handler.updates+handler.deletes != 0 {
		t.Fatalf("no handler should run for unknown types")
	}
	if err := dispatcher.Dispatch(context.Background(), nil); err != nil {
		t.Fatalf("nil event must be ignored, got %v", err)
	}
}

func TestDispatchSkipsUninterestedHandlers(t *testing.T) {
	interested := &recordingHandler{name: "in", wants: true}
	uninterested := &recordingHandler{name: "out", wants: false}
	dispatcher := NewDispatcher("", interested, uninterested)

	if err := dispatcher.Dispatch(context.Background(), pageEvent(EventPageCreated, "page-1")); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if interested.creates != 1 || uninterested.creates != 0 {
		t.Fatalf("Wants filter not honored: in=%d out=%d", interested.creates, uninterested.creates)
	}
}

func TestDispatchRunsAllHandlersDespiteFailure(t *testing.T) {
	failing := &recordingHandler{name: "bad", wants: true, fail: errors.New("boom")}
	healthy := &recordingHandler{name: "good", wants: true}
	dispatcher := NewDispatcher("", failing, healthy)

	err := dispatcher.Dispatch(context.Background(), pageEvent(EventPageCreated, "page-1"))
	if err == nil {
		t.Fatalf("expected the failure to surface")
	}
	if healthy.creates != 1 {
		t.Fatalf("healthy handler must still run")
	}
}

func TestGoogleCalendarHandlerWantsPagesNotDatabases(t *testing.T) {
	handler := NewGoogleCalendarHandler(nil)
	page := pageEvent(EventPageCreated, "page-1")
	if !handler.Wants(page) {
		t.Fatalf("page events are wanted")
	}
	database := pageEvent(EventPageCreated, "db-1")
	database.Entity.Type = "database"
	if handler.Wants(database) {
		t.Fatalf("database entity events are not wanted")
	}
	if handler.Wants(nil) {
		t.Fatalf("nil events are not wanted")
	}
}

func TestGoogleCalendarHandlerMapsUndelete(t *testing.T) {
	ctx := context.Background()
	notion := newFakeNotion()
	service := newFakeCalendar()
	mapping := NewCalendarMapping(nil, "primary")
	notion.pages["page-u"] = testPage("page-u", "Revived", "2025-05-05", "")

	handler := NewGoogleCalendarHandler(newTestReconciler(notion, service, mapping))
	if err := handler.HandleCreate(ctx, pageEvent(EventPageUndeleted, "page-u")); err != nil {
		t.Fatalf("undelete failed: %v", err)
	}
	if service.get("primary", "pageu") == nil {
		t.Fatalf("undelete must recreate the event")
	}
}
