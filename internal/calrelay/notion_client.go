package calrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// NotionClient is the document-store side of the relay. The relay only reads;
// Notion remains the source of truth.
type NotionClient interface {
	// GetPage retrieves one page. Returns ErrNotFound (wrapped) when the page
	// does not exist.
	GetPage(ctx context.Context, pageID string) (*Page, error)
	// QueryPages returns every page of the database whose date property falls
	// in [start, end], ascending, consuming cursor pagination to exhaustion.
	// Empty bounds are open.
	QueryPages(ctx context.Context, start, end string) ([]*Page, error)
	// GetDatabaseProperties returns the database's property-name → property-id
	// schema mapping.
	GetDatabaseProperties(ctx context.Context, databaseID string) (map[string]string, error)
}

type NotionTokenProvider func(ctx context.Context) (string, error)

type NotionClientOptions struct {
	BaseURL          string
	Token            string
	TokenProvider    NotionTokenProvider
	HTTPClient       *http.Client
	APIVersion       string
	UserAgent        string
	DatabaseID       string
	DatePropertyName string
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
}

type HTTPNotionClient struct {
	baseURL          string
	tokenProvider    NotionTokenProvider
	httpClient       *http.Client
	apiVersion       string
	userAgent        string
	databaseID       string
	datePropertyName string
	maxRetries       int
	baseDelay        time.Duration
	maxDelay         time.Duration
}

func NewHTTPNotionClient(opts NotionClientOptions) *HTTPNotionClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	tokenProvider := opts.TokenProvider
	if tokenProvider == nil {
		token := strings.TrimSpace(opts.Token)
		tokenProvider = func(ctx context.Context) (string, error) {
			return token, nil
		}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPNotionClient{
		baseURL:          baseURL,
		tokenProvider:    tokenProvider,
		httpClient:       httpClient,
		apiVersion:       apiVersion,
		userAgent:        strings.TrimSpace(opts.UserAgent),
		databaseID:       strings.TrimSpace(opts.DatabaseID),
		datePropertyName: strings.TrimSpace(opts.DatePropertyName),
		maxRetries:       maxRetries,
		baseDelay:        baseDelay,
		maxDelay:         maxDelay,
	}
}

func (c *HTTPNotionClient) GetPage(ctx context.Context, pageID string) (*Page, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return nil, fmt.Errorf("%w: page id is required", ErrInvalidInput)
	}
	var page Page
	if err := c.do(ctx, http.MethodGet, "/v1/pages/"+url.PathEscape(pageID), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

type notionQueryFilter struct {
	And []map[string]any `json:"and"`
}

type notionQueryRequest struct {
	Filter      *notionQueryFilter `json:"filter,omitempty"`
	Sorts       []map[string]any   `json:"sorts,omitempty"`
	StartCursor string             `json:"start_cursor,omitempty"`
}

type notionQueryResponse struct {
	Results    []*Page `json:"results"`
	NextCursor string  `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
}

func (c *HTTPNotionClient) QueryPages(ctx context.Context, start, end string) ([]*Page, error) {
	if c.databaseID == "" {
		return nil, fmt.Errorf("%w: database id is required", ErrInvalidInput)
	}
	if c.datePropertyName == "" {
		return nil, fmt.Errorf("%w: date property name is required", ErrInvalidInput)
	}
	if err := validQueryDate(start); err != nil {
		return nil, err
	}
	if err := validQueryDate(end); err != nil {
		return nil, err
	}

	var filter *notionQueryFilter
	var clauses []map[string]any
	if start != "" {
		clauses = append(clauses, map[string]any{
			"property": c.datePropertyName,
			"date":     map[string]any{"on_or_after": start},
		})
	}
	if end != "" {
		clauses = append(clauses, map[string]any{
			"property": c.datePropertyName,
			"date":     map[string]any{"on_or_before": end},
		})
	}
	if len(clauses) > 0 {
		filter = &notionQueryFilter{And: clauses}
	}

	var pages []*Page
	cursor := ""
	for {
		req := notionQueryRequest{
			Filter: filter,
			Sorts: []map[string]any{
				{"property": c.datePropertyName, "direction": "ascending"},
			},
			StartCursor: cursor,
		}
		var resp notionQueryResponse
		path := "/v1/databases/" + url.PathEscape(c.databaseID) + "/query"
		if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
			return nil, err
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return pages, nil
		}
		cursor = resp.NextCursor
	}
}

type notionDatabaseResponse struct {
	Properties map[string]struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"properties"`
}

func (c *HTTPNotionClient) GetDatabaseProperties(ctx context.Context, databaseID string) (map[string]string, error) {
	databaseID = strings.TrimSpace(databaseID)
	if databaseID == "" {
		return nil, fmt.Errorf("%w: database id is required", ErrInvalidInput)
	}
	var resp notionDatabaseResponse
	if err := c.do(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(databaseID), nil, &resp); err != nil {
		return nil, err
	}
	properties := make(map[string]string, len(resp.Properties))
	for name, prop := range resp.Properties {
		properties[name] = prop.ID
	}
	return properties, nil
}

func (c *HTTPNotionClient) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("notion client is nil")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("notion token is empty")
	}
	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	requestURL := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", c.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		errCode := ""
		errMessage := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if code, ok := parsed["code"].(string); ok {
				errCode = code
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				errMessage = message
			}
		}
		if errCode != "" {
			return fmt.Errorf("notion request failed: status=%d code=%s message=%s", resp.StatusCode, errCode, errMessage)
		}
		return fmt.Errorf("notion request failed: status=%d message=%s", resp.StatusCode, errMessage)
	}
}

func (c *HTTPNotionClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func validQueryDate(value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse(dateOnlyLayout, value); err != nil {
		return fmt.Errorf("%w: %q is not a calendar date", ErrInvalidInput, value)
	}
	return nil
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
