package calrelay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// CalendarService is the calendar side of the relay. Remote failures are
// classified into the package sentinels so callers can branch on absence,
// insert races, and repeated deletes without inspecting transport details.
type CalendarService interface {
	GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error)
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	// ListEvents returns single events ordered by start time whose span
	// intersects (timeMin, timeMax); both bounds are exclusive at the
	// boundary instant. Empty bounds are open.
	ListEvents(ctx context.Context, calendarID, timeMin, timeMax string) ([]*calendar.Event, error)
}

type GoogleCalendarOptions struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	Coordinator  *CredentialCoordinator
	// BaseURL overrides the Calendar API endpoint, for tests.
	BaseURL string
	// HTTPClient, when set, bypasses OAuth entirely. Tests use this.
	HTTPClient *http.Client
}

// GoogleCalendarClient implements CalendarService against the Calendar v3 API.
// Construct it once at startup and pass it to everything that needs it.
type GoogleCalendarClient struct {
	service *calendar.Service
}

const googleTokenURL = "https://oauth2.googleapis.com/token"

// NewGoogleCalendarClient builds the authenticated client. The access token
// is seeded from the shared credential cache when the coordinator has one;
// otherwise the oauth2 transport refreshes with the long-lived refresh token
// on first use and the refreshed credential flows back through the
// coordinator's side channel.
func NewGoogleCalendarClient(ctx context.Context, opts GoogleCalendarOptions) (*GoogleCalendarClient, error) {
	var clientOptions []option.ClientOption
	if opts.HTTPClient != nil {
		clientOptions = append(clientOptions, option.WithHTTPClient(opts.HTTPClient))
	} else {
		if opts.ClientID == "" || opts.ClientSecret == "" || opts.RefreshToken == "" {
			return nil, fmt.Errorf("%w: google calendar client id, secret and refresh token are required", ErrInvalidInput)
		}
		tokenURL := opts.TokenURL
		if tokenURL == "" {
			tokenURL = googleTokenURL
		}
		oauthConfig := &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       []string{calendar.CalendarScope},
		}
		seed := &oauth2.Token{RefreshToken: opts.RefreshToken}
		if opts.Coordinator != nil {
			cred, err := opts.Coordinator.EnsureCredential(ctx)
			if err != nil {
				return nil, err
			}
			seed.AccessToken = cred.AccessToken
			seed.Expiry = cred.Expiry
		}
		source := oauth2.TokenSource(oauthConfig.TokenSource(ctx, seed))
		if opts.Coordinator != nil {
			source = NewPersistingTokenSource(source, opts.Coordinator)
		}
		clientOptions = append(clientOptions, option.WithTokenSource(source))
	}
	if opts.BaseURL != "" {
		clientOptions = append(clientOptions, option.WithEndpoint(opts.BaseURL))
	}

	service, err := calendar.NewService(ctx, clientOptions...)
	if err != nil {
		return nil, err
	}
	return &GoogleCalendarClient{service: service}, nil
}

func (c *GoogleCalendarClient) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	event, err := c.service.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	return event, nil
}

func (c *GoogleCalendarClient) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	created, err := c.service.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	return created, nil
}

func (c *GoogleCalendarClient) UpdateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	if event == nil || event.Id == "" {
		return nil, fmt.Errorf("%w: event id is required for update", ErrInvalidInput)
	}
	updated, err := c.service.Events.Update(calendarID, event.Id, event).Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	return updated, nil
}

func (c *GoogleCalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.service.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return classifyGoogleError(err)
	}
	return nil
}

func (c *GoogleCalendarClient) ListEvents(ctx context.Context, calendarID, timeMin, timeMax string) ([]*calendar.Event, error) {
	if err := validListBound(timeMin); err != nil {
		return nil, err
	}
	if err := validListBound(timeMax); err != nil {
		return nil, err
	}
	if timeMin != "" && timeMax != "" {
		minInstant, _ := time.Parse(time.RFC3339, timeMin)
		maxInstant, _ := time.Parse(time.RFC3339, timeMax)
		if minInstant.After(maxInstant) {
			return nil, fmt.Errorf("%w: timeMin must be <= timeMax", ErrInvalidInput)
		}
	}
	call := c.service.Events.List(calendarID).SingleEvents(true).OrderBy("startTime").Context(ctx)
	if timeMin != "" {
		call = call.TimeMin(timeMin)
	}
	if timeMax != "" {
		call = call.TimeMax(timeMax)
	}

	var events []*calendar.Event
	err := call.Pages(ctx, func(page *calendar.Events) error {
		events = append(events, page.Items...)
		return nil
	})
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	return events, nil
}

func validListBound(value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, value); err != nil {
		return fmt.Errorf("%w: %q is not a valid RFC 3339 time", ErrInvalidInput, value)
	}
	return nil
}

// classifyGoogleError maps Calendar API status codes onto the package
// sentinels: 404 absence, 409 insert race, 410 delete-of-deleted.
func classifyGoogleError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, compactGoogleMessage(apiErr))
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, compactGoogleMessage(apiErr))
	case http.StatusGone:
		return fmt.Errorf("%w: %s", ErrAlreadyDeleted, compactGoogleMessage(apiErr))
	default:
		return err
	}
}

func compactGoogleMessage(apiErr *googleapi.Error) string {
	message := strings.TrimSpace(apiErr.Message)
	if message == "" {
		return fmt.Sprintf("google calendar status %d", apiErr.Code)
	}
	return message
}
