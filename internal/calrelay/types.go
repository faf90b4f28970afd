package calrelay

import "strings"

// WebhookEvent is the change notification Notion delivers for a subscribed
// workspace. Only the fields the relay acts on are modeled; the payload is
// otherwise passed through untouched.
//
// See: https://developers.notion.com/reference/webhooks-events-delivery
type WebhookEvent struct {
	ID             string            `json:"id"`
	Timestamp      string            `json:"timestamp"`
	WorkspaceID    string            `json:"workspace_id"`
	WorkspaceName  string            `json:"workspace_name,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	IntegrationID  string            `json:"integration_id,omitempty"`
	AttemptNumber  int               `json:"attempt_number,omitempty"`
	Type           string            `json:"type"`
	Entity         WebhookEntity     `json:"entity"`
	Data           *WebhookEventData `json:"data,omitempty"`
}

type WebhookEntity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type WebhookEventData struct {
	Parent            *WebhookEntity `json:"parent,omitempty"`
	UpdatedProperties []string       `json:"updated_properties,omitempty"`
}

// Page event types the dispatcher recognizes. Anything else is logged and
// ignored.
const (
	EventPageCreated           = "page.created"
	EventPageUndeleted         = "page.undeleted"
	EventPageDeleted           = "page.deleted"
	EventPageContentUpdated    = "page.content_updated"
	EventPagePropertiesUpdated = "page.properties_updated"
)

// ChangeKind classifies a notification for reconciliation.
type ChangeKind int

const (
	ChangeUnknown ChangeKind = iota
	ChangeCreated
	ChangeUpdated
	ChangeDeleted
	ChangeUndeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	case ChangeUndeleted:
		return "undeleted"
	default:
		return "unknown"
	}
}

// ChangeKindForEventType maps a webhook event type onto a ChangeKind.
// Unrecognized types map to ChangeUnknown.
func ChangeKindForEventType(eventType string) ChangeKind {
	switch eventType {
	case EventPageCreated:
		return ChangeCreated
	case EventPageUndeleted:
		return ChangeUndeleted
	case EventPageDeleted:
		return ChangeDeleted
	case EventPageContentUpdated, EventPagePropertiesUpdated:
		return ChangeUpdated
	default:
		return ChangeUnknown
	}
}

// Page is the subset of a Notion page object the relay reads.
type Page struct {
	ID         string                  `json:"id"`
	Archived   bool                    `json:"archived"`
	InTrash    bool                    `json:"in_trash"`
	PublicURL  string                  `json:"public_url,omitempty"`
	Parent     *PageParent             `json:"parent,omitempty"`
	Properties map[string]PageProperty `json:"properties"`
}

// Trashed reports whether the page has been moved to trash. Notion has
// reported this through both fields over API versions.
func (p *Page) Trashed() bool {
	if p == nil {
		return false
	}
	return p.Archived || p.InTrash
}

type PageParent struct {
	Type       string `json:"type"`
	DatabaseID string `json:"database_id,omitempty"`
	PageID     string `json:"page_id,omitempty"`
}

type PageProperty struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Title []RichText     `json:"title,omitempty"`
	Date  *DateValue     `json:"date,omitempty"`
	Extra map[string]any `json:"-"`
}

type RichText struct {
	PlainText string `json:"plain_text"`
}

// DateValue is a Notion date property value: Start is required, End is
// optional, and each is either a calendar date ("2006-01-02") or an RFC 3339
// timestamp with offset.
type DateValue struct {
	Start    string `json:"start"`
	End      string `json:"end,omitempty"`
	TimeZone string `json:"time_zone,omitempty"`
}

// NormalizeID strips separator dashes from a Notion identifier so that the
// dashed and undashed forms of the same UUID compare equal.
func NormalizeID(id string) string {
	return strings.ReplaceAll(strings.TrimSpace(id), "-", "")
}
