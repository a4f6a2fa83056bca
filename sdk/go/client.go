package cleanctlsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal cleaning-control HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Occurrence represents one due date of a recurring card.
type Occurrence struct {
	DefinitionID  string   `json:"definition_id"`
	DueDate       string   `json:"due_date"`
	Status        string   `json:"status"`
	AssignedTo    *string  `json:"assigned_to,omitempty"`
	ClaimedBy     *string  `json:"claimed_by,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	PhotoRefs     []string `json:"photo_refs,omitempty"`
	FailureReason *string  `json:"failure_reason,omitempty"`
	CompletedAt   *string  `json:"completed_at,omitempty"`
}

// CalendarItem is one projected calendar entry, virtual or materialized.
type CalendarItem struct {
	DefinitionID     string      `json:"definition_id"`
	DueDate          string      `json:"due_date"`
	Status           string      `json:"status"`
	Materialized     bool        `json:"materialized"`
	ResponsibleActor *string     `json:"responsible_actor,omitempty"`
	Description      string      `json:"description,omitempty"`
	Occurrence       *Occurrence `json:"occurrence,omitempty"`
}

// Calendar wraps a projection response.
type Calendar struct {
	Items    []CalendarItem `json:"items"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Definition represents a recurring card.
type Definition struct {
	ID               string  `json:"id"`
	LocationID       string  `json:"location_id"`
	ResponsibleActor *string `json:"responsible_actor,omitempty"`
	Frequency        string  `json:"frequency"`
	Timezone         string  `json:"timezone"`
	ActiveFrom       string  `json:"active_from"`
	ActiveUntil      *string `json:"active_until,omitempty"`
	RequirePhoto     bool    `json:"require_photo"`
	RequireComment   bool    `json:"require_comment"`
	Description      string  `json:"description,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	Type         string `json:"type"`
	DefinitionID string `json:"definition_id,omitempty"`
	DueDate      string `json:"due_date,omitempty"`
	ActorID      string `json:"actor_id"`
	OldStatus    string `json:"old_status,omitempty"`
	NewStatus    string `json:"new_status,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CalendarWindow projects occurrences for a date window.
func (c *Client) CalendarWindow(ctx context.Context, from, to string) (Calendar, error) {
	var resp Calendar
	endpoint := fmt.Sprintf("v0/occurrences?from=%s&to=%s", url.QueryEscape(from), url.QueryEscape(to))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim claims an occurrence, materializing it if needed.
func (c *Client) Claim(ctx context.Context, definitionID, dueDate string) (Occurrence, error) {
	var resp Occurrence
	err := c.do(ctx, http.MethodPost, c.occurrencePath(definitionID, dueDate, "claim"), nil, &resp)
	return resp, err
}

// Comment appends a comment to an occurrence.
func (c *Client) Comment(ctx context.Context, definitionID, dueDate, text string) (Occurrence, error) {
	var resp Occurrence
	body := map[string]any{"text": text}
	err := c.do(ctx, http.MethodPost, c.occurrencePath(definitionID, dueDate, "comment"), body, &resp)
	return resp, err
}

// AttachEvidence attaches photo references to an occurrence.
func (c *Client) AttachEvidence(ctx context.Context, definitionID, dueDate string, photoRefs []string) (Occurrence, error) {
	var resp Occurrence
	body := map[string]any{"photo_refs": photoRefs}
	err := c.do(ctx, http.MethodPost, c.occurrencePath(definitionID, dueDate, "evidence"), body, &resp)
	return resp, err
}

// Complete completes an occurrence. Comment and photoRefs are optional unless
// the card's evidence rules require them.
func (c *Client) Complete(ctx context.Context, definitionID, dueDate, comment string, photoRefs []string) (Occurrence, error) {
	var resp Occurrence
	body := map[string]any{}
	if comment != "" {
		body["comment"] = comment
	}
	if len(photoRefs) > 0 {
		body["photo_refs"] = photoRefs
	}
	err := c.do(ctx, http.MethodPost, c.occurrencePath(definitionID, dueDate, "complete"), body, &resp)
	return resp, err
}

// Fail fails an occurrence with a reason.
func (c *Client) Fail(ctx context.Context, definitionID, dueDate, reason string) (Occurrence, error) {
	var resp Occurrence
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, c.occurrencePath(definitionID, dueDate, "fail"), body, &resp)
	return resp, err
}

// GetOccurrence fetches one materialized occurrence.
func (c *Client) GetOccurrence(ctx context.Context, definitionID, dueDate string) (Occurrence, error) {
	var resp Occurrence
	endpoint := fmt.Sprintf("v0/occurrences/%s/%s", url.PathEscape(definitionID), url.PathEscape(dueDate))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Definitions lists recurring cards.
func (c *Client) Definitions(ctx context.Context) ([]Definition, error) {
	var resp []Definition
	err := c.do(ctx, http.MethodGet, "v0/definitions", nil, &resp)
	return resp, err
}

// Events returns recent audit log entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?n=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) occurrencePath(definitionID, dueDate, action string) string {
	return fmt.Sprintf("v0/occurrences/%s/%s/%s", url.PathEscape(definitionID), url.PathEscape(dueDate), action)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
