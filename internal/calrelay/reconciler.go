package calrelay

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Reconciler converts one change notification into an idempotent
// create/update/delete against the calendar service. Nothing is persisted
// between invocations: every call re-reads current remote truth, so delivery
// order and duplicate deliveries do not matter.
type Reconciler struct {
	notion   NotionClient
	calendar CalendarService
	mapping  *CalendarMapping
	cleanup  *DuplicateCleanup
	changes  *SchemaCache
}

func NewReconciler(notion NotionClient, service CalendarService, mapping *CalendarMapping, cleanup *DuplicateCleanup, changes *SchemaCache) *Reconciler {
	return &Reconciler{
		notion:   notion,
		calendar: service,
		mapping:  mapping,
		cleanup:  cleanup,
		changes:  changes,
	}
}

// Reconcile handles one notification for one page. ValidationErrors and
// unclassified remote failures propagate; expected remote conditions
// (absence, insert races, repeated deletes) are absorbed here.
func (r *Reconciler) Reconcile(ctx context.Context, kind ChangeKind, event *WebhookEvent) error {
	if event == nil || event.Entity.ID == "" {
		return fmt.Errorf("%w: notification has no page id", ErrInvalidInput)
	}
	pageID := event.Entity.ID
	switch kind {
	case ChangeCreated, ChangeUpdated, ChangeUndeleted:
		return r.reconcileUpsert(ctx, kind, event, pageID)
	case ChangeDeleted:
		return r.reconcileDelete(ctx, pageID)
	default:
		return fmt.Errorf("%w: change kind %s", ErrInvalidInput, kind)
	}
}

func (r *Reconciler) reconcileUpsert(ctx context.Context, kind ChangeKind, event *WebhookEvent, pageID string) error {
	page, err := r.notion.GetPage(ctx, pageID)
	if errors.Is(err, ErrNotFound) {
		// The page vanished between notification and handling. Current
		// remote truth wins over the notification's label.
		log.Printf("page %s no longer exists, skipping %s", pageID, kind)
		return nil
	}
	if err != nil {
		return err
	}
	if page.Trashed() {
		// Notifications race with later edits; a create for a now-trashed
		// page is a no-op, not an error.
		log.Printf("page %s is in trash, skipping %s", pageID, kind)
		return nil
	}

	mapped, err := PageToEvent(page)
	if err != nil {
		return err
	}
	targetCalendarID := r.mapping.TargetFor(mapped)

	existing, err := r.calendar.GetEvent(ctx, targetCalendarID, mapped.Id)
	switch {
	case errors.Is(err, ErrNotFound):
		if _, insertErr := r.calendar.InsertEvent(ctx, targetCalendarID, mapped); insertErr != nil {
			if errors.Is(insertErr, ErrConflict) {
				// Another instance created it concurrently. Both writes carry
				// the same derived ID, so the outcome converges either way.
				log.Printf("event %s already created concurrently in calendar %s", mapped.Id, targetCalendarID)
			} else {
				return insertErr
			}
		} else {
			log.Printf("created event %s in calendar %s", mapped.Id, targetCalendarID)
		}
	case err != nil:
		return err
	default:
		// Updating always resets status so a previously cancelled event is
		// resurrected rather than left as a tombstone.
		mapped.Status = "confirmed"
		if existing != nil && existing.Status == "cancelled" {
			log.Printf("restoring cancelled event %s in calendar %s", mapped.Id, targetCalendarID)
		}
		if _, updateErr := r.calendar.UpdateEvent(ctx, targetCalendarID, mapped); updateErr != nil {
			return updateErr
		}
		log.Printf("updated event %s in calendar %s", mapped.Id, targetCalendarID)
	}

	if r.cleanup != nil && r.shouldSweep(ctx, kind, event) {
		r.cleanup.Cleanup(ctx, pageID, targetCalendarID)
	}
	return nil
}

// shouldSweep decides whether the target calendar may have changed since the
// last reconciliation. Creates and undeletes always sweep. Property updates
// sweep only when the date property was touched; when that check itself
// fails, sweep anyway rather than risk leaving a stale copy behind.
func (r *Reconciler) shouldSweep(ctx context.Context, kind ChangeKind, event *WebhookEvent) bool {
	if kind != ChangeUpdated || event.Type != EventPagePropertiesUpdated || r.changes == nil {
		return true
	}
	modified, err := r.changes.DatePropertyModified(ctx, event)
	if err != nil {
		log.Printf("date property check failed for event %s, sweeping anyway: %v", event.ID, err)
		return true
	}
	return modified
}

func (r *Reconciler) reconcileDelete(ctx context.Context, pageID string) error {
	page, err := r.notion.GetPage(ctx, pageID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && !page.Trashed() {
		// The page was restored after the delete notification was emitted.
		log.Printf("page %s is not in trash, skipping delete", pageID)
		return nil
	}

	// A trashed page usually still carries its date, which names the target
	// calendar. When it does not (or the page is gone entirely), fall back to
	// sweeping every calendar for the derived ID.
	targetCalendarID := ""
	if page != nil {
		if mapped, mapErr := PageToEvent(page); mapErr == nil {
			targetCalendarID = r.mapping.TargetFor(mapped)
		}
	}
	if targetCalendarID == "" {
		if r.cleanup != nil {
			r.cleanup.Cleanup(ctx, pageID, "")
		}
		return nil
	}

	eventID := EventIDFromPageID(pageID)
	if err := r.calendar.DeleteEvent(ctx, targetCalendarID, eventID); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyDeleted) {
			// Never existed or already removed; deletion converged.
			log.Printf("event %s already absent from calendar %s", eventID, targetCalendarID)
			return nil
		}
		return err
	}
	log.Printf("deleted event %s from calendar %s", eventID, targetCalendarID)
	return nil
}
