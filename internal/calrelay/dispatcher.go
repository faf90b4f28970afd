package calrelay

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"
)

// Handler is one reconciliation target for dispatched page changes. The set
// of handlers is closed and fixed at startup; adding an integration means
// adding a variant to BuildHandlers, not registering at runtime.
type Handler interface {
	Name() string
	// Wants filters notifications this handler is interested in.
	Wants(event *WebhookEvent) bool
	HandleCreate(ctx context.Context, event *WebhookEvent) error
	HandleUpdate(ctx context.Context, event *WebhookEvent) error
	HandleDelete(ctx context.Context, event *WebhookEvent) error
}

// Dispatcher filters incoming notifications by source database and fans them
// out to every registered handler by change kind.
type Dispatcher struct {
	handlers   []Handler
	databaseID string
}

// NewDispatcher builds a dispatcher scoped to one source database. An empty
// databaseID disables the source filter.
func NewDispatcher(databaseID string, handlers ...Handler) *Dispatcher {
	return &Dispatcher{
		handlers:   handlers,
		databaseID: NormalizeID(databaseID),
	}
}

// Dispatch classifies the notification and runs every interested handler
// concurrently, waiting for all of them. Unknown event types are logged and
// ignored. The first handler error is returned after all handlers finish; a
// failure in one handler never cancels the others mid-write.
func (d *Dispatcher) Dispatch(ctx context.Context, event *WebhookEvent) error {
	if event == nil {
		return nil
	}
	if !d.relevant(event) {
		log.Printf("ignoring event %s: not from the configured source database", event.ID)
		return nil
	}

	kind := ChangeKindForEventType(event.Type)
	if kind == ChangeUnknown {
		log.Printf("ignoring event %s: unknown event type %q", event.ID, event.Type)
		return nil
	}

	group := new(errgroup.Group)
	for _, handler := range d.handlers {
		handler := handler
		if !handler.Wants(event) {
			continue
		}
		group.Go(func() error {
			var err error
			switch kind {
			case ChangeCreated, ChangeUndeleted:
				err = handler.HandleCreate(ctx, event)
			case ChangeUpdated:
				err = handler.HandleUpdate(ctx, event)
			case ChangeDeleted:
				err = handler.HandleDelete(ctx, event)
			}
			if err != nil {
				log.Printf("handler %s failed for event %s (%s): %v", handler.Name(), event.ID, event.Type, err)
			}
			return err
		})
	}
	return group.Wait()
}

// relevant filters by source database, comparing identifiers with separators
// normalized. Events without a resolvable parent pass through: the page fetch
// during reconciliation settles what they belong to.
func (d *Dispatcher) relevant(event *WebhookEvent) bool {
	if d.databaseID == "" {
		return true
	}
	if event.Data == nil || event.Data.Parent == nil || event.Data.Parent.ID == "" {
		return true
	}
	return NormalizeID(event.Data.Parent.ID) == d.databaseID
}

// GoogleCalendarHandler reconciles page changes into Google Calendar.
type GoogleCalendarHandler struct {
	reconciler *Reconciler
}

func NewGoogleCalendarHandler(reconciler *Reconciler) *GoogleCalendarHandler {
	return &GoogleCalendarHandler{reconciler: reconciler}
}

func (h *GoogleCalendarHandler) Name() string { return "google-calendar" }

func (h *GoogleCalendarHandler) Wants(event *WebhookEvent) bool {
	return event != nil && event.Entity.Type != "database"
}

func (h *GoogleCalendarHandler) HandleCreate(ctx context.Context, event *WebhookEvent) error {
	kind := ChangeCreated
	if event.Type == EventPageUndeleted {
		kind = ChangeUndeleted
	}
	return h.reconciler.Reconcile(ctx, kind, event)
}

func (h *GoogleCalendarHandler) HandleUpdate(ctx context.Context, event *WebhookEvent) error {
	return h.reconciler.Reconcile(ctx, ChangeUpdated, event)
}

func (h *GoogleCalendarHandler) HandleDelete(ctx context.Context, event *WebhookEvent) error {
	return h.reconciler.Reconcile(ctx, ChangeDeleted, event)
}
