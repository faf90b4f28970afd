package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/calrelay/internal/calrelay"
	"google.golang.org/api/calendar/v3"
)

type ServerConfig struct {
	// WebhookSecret is the Notion subscription verification token. When
	// empty, signature verification is skipped (development only).
	WebhookSecret string
	// AdminToken guards the read/ops passthrough endpoints. When empty,
	// those endpoints are disabled.
	AdminToken   string
	MaxBodyBytes int64
}

type Server struct {
	dispatcher *calrelay.Dispatcher
	notion     calrelay.NotionClient
	calendar   calrelay.CalendarService
	validator  *webhookValidator
	cfg        ServerConfig
}

func NewServer(dispatcher *calrelay.Dispatcher, notion calrelay.NotionClient, calendarService calrelay.CalendarService, cfg ServerConfig) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	validator, err := newWebhookValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		dispatcher: dispatcher,
		notion:     notion,
		calendar:   calendarService,
		validator:  validator,
		cfg:        cfg,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/webhook" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "notion" && parts[2] == "pages" {
		s.handleNotion(w, r, parts)
		return
	}
	if len(parts) >= 4 && parts[0] == "v1" && parts[1] == "calendar" && parts[3] == "events" {
		s.handleCalendar(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
}

// handleWebhook is the notification intake. It always answers 200 once the
// signature checks out so the sender does not retry storms at-least-once
// deliveries; handler failures are logged here and surface through logs only.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	correlationID := getCorrelationID(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body", correlationID)
		return
	}
	if s.cfg.WebhookSecret != "" {
		if authErr := verifyWebhookSignature(s.cfg.WebhookSecret, r.Header.Get("X-Notion-Signature"), body); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
	}
	if err := s.validator.validate(body); err != nil {
		log.Printf("webhook %s rejected by schema: %v", correlationID, err)
		writeJSON(w, http.StatusOK, map[string]string{"msg": "ignored"})
		return
	}

	var event calrelay.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("webhook %s is unreadable: %v", correlationID, err)
		writeJSON(w, http.StatusOK, map[string]string{"msg": "ignored"})
		return
	}

	log.Printf("webhook %s: event %s type %s entity %s", correlationID, event.ID, event.Type, event.Entity.ID)
	if err := s.dispatcher.Dispatch(r.Context(), &event); err != nil {
		log.Printf("webhook %s: dispatch failed after %s: %v", correlationID, time.Since(started), err)
		writeJSON(w, http.StatusOK, map[string]string{"msg": err.Error()})
		return
	}
	log.Printf("webhook %s: dispatched in %s", correlationID, time.Since(started))
	writeJSON(w, http.StatusOK, map[string]string{"msg": "ok"})
}

func (s *Server) handleNotion(w http.ResponseWriter, r *http.Request, parts []string) {
	correlationID := getCorrelationID(r)
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		return
	}
	switch len(parts) {
	case 3:
		// GET /v1/notion/pages?start=&end=
		pages, err := s.notion.QueryPages(r.Context(), r.URL.Query().Get("start"), r.URL.Query().Get("end"))
		if err != nil {
			writeRemoteError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pages": pages, "count": len(pages)})
	case 4:
		// GET /v1/notion/pages/{id}
		page, err := s.notion.GetPage(r.Context(), parts[3])
		if err != nil {
			writeRemoteError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, page)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request, parts []string) {
	correlationID := getCorrelationID(r)
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.calendar == nil {
		writeError(w, http.StatusServiceUnavailable, "calendar_disabled", "calendar integration is not configured", correlationID)
		return
	}
	calendarID := parts[2]

	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		events, err := s.calendar.ListEvents(r.Context(), calendarID, r.URL.Query().Get("timeMin"), r.URL.Query().Get("timeMax"))
		if err != nil {
			writeRemoteError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
	case len(parts) == 4 && r.Method == http.MethodPost:
		event, ok := decodeEvent(w, r, s.cfg.MaxBodyBytes, correlationID)
		if !ok {
			return
		}
		created, err := s.calendar.InsertEvent(r.Context(), calendarID, event)
		if err != nil {
			writeRemoteError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case len(parts) == 5 && r.Method == http.MethodGet:
		event, err := s.calendar.GetEvent(r.Context(), calendarID, parts[4])
		if err != nil {
			writeRemoteError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, event)
	case len(parts) == 5 && r.Method == http.MethodPut:
		event, ok := decodeEvent(w, r, s.cfg.MaxBodyBytes, correlationID)
		if !ok {
			return
		}
		event.Id = parts[4]
		updated, err := s.calendar.UpdateEvent(r.Context(), calendarID, event)
		if err != nil {
			writeRemoteError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case len(parts) == 5 && r.Method == http.MethodDelete:
		if err := s.calendar.DeleteEvent(r.Context(), calendarID, parts[4]); err != nil {
			writeRemoteError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
	}
}

func decodeEvent(w http.ResponseWriter, r *http.Request, maxBytes int64, correlationID string) (*calendar.Event, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body", correlationID)
		return nil, false
	}
	var event calendar.Event
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not a calendar event", correlationID)
		return nil, false
	}
	return &event, true
}

// writeRemoteError translates the core's error classification into HTTP
// status codes for the passthrough endpoints.
func writeRemoteError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, calrelay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, calrelay.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, calrelay.ErrAlreadyDeleted):
		writeError(w, http.StatusGone, "already_deleted", err.Error(), correlationID)
	case errors.Is(err, calrelay.ErrInvalidInput), calrelay.IsValidationError(err):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]string{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + time.Now().UTC().Format("20060102T150405.000000000")
}
