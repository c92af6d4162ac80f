// Package remote implements the remote backend: an HTTP client for the
// networked data service, with failure classification at the transport
// boundary, and the adapter exposing it through the repository contract.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/palss/localsync/internal/models"
)

// Client is an HTTP client for the remote data service.
type Client struct {
	BaseURL string
	APIKey  string
	OrgID   string
	HTTP    *http.Client
}

// New creates a remote client with the default 30s request timeout.
func New(baseURL, apiKey, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		OrgID:   orgID,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// listResponse is the body of a list/listSince request.
type listResponse struct {
	Items   []models.Record `json:"items"`
	HasMore bool            `json:"has_more"`
}

// apiError is the standard error body from the service.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// HealthCheck verifies the service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, "GET", "/healthz", "", nil, nil)
}

// List fetches every record of an entity, ascending by timestamp.
func (c *Client) List(ctx context.Context, entity models.EntityType, filter url.Values) ([]models.Record, error) {
	path := "/v1/" + string(entity)
	if len(filter) > 0 {
		path += "?" + filter.Encode()
	}
	var resp listResponse
	if err := c.do(ctx, "GET", path, entity, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ListSince fetches up to limit records changed strictly after since.
func (c *Client) ListSince(ctx context.Context, entity models.EntityType, since *time.Time, limit int) ([]models.Record, bool, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if since != nil {
		params.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var resp listResponse
	path := fmt.Sprintf("/v1/%s?%s", entity, params.Encode())
	if err := c.do(ctx, "GET", path, entity, nil, &resp); err != nil {
		return nil, false, err
	}
	return resp.Items, resp.HasMore, nil
}

// Get fetches one record. Absence is reported via the bool, not an error.
func (c *Client) Get(ctx context.Context, entity models.EntityType, id string) (models.Record, bool, error) {
	var rec models.Record
	err := c.do(ctx, "GET", fmt.Sprintf("/v1/%s/%s", entity, id), entity, nil, &rec)
	if err != nil {
		var re *Error
		if errors.As(err, &re) && re.status == http.StatusNotFound {
			return models.Record{}, false, nil
		}
		return models.Record{}, false, err
	}
	return rec, true, nil
}

// Create inserts a record. The service honors a caller-supplied id and
// assigns authoritative timestamps; the created record is echoed back.
func (c *Client) Create(ctx context.Context, entity models.EntityType, rec models.Record) (models.Record, error) {
	var created models.Record
	if err := c.do(ctx, "POST", "/v1/"+string(entity), entity, rec, &created); err != nil {
		return models.Record{}, err
	}
	return created, nil
}

// Update applies a partial change set and returns the updated record.
func (c *Client) Update(ctx context.Context, entity models.EntityType, id string, changes map[string]any) (models.Record, error) {
	var updated models.Record
	err := c.do(ctx, "PATCH", fmt.Sprintf("/v1/%s/%s", entity, id), entity, changes, &updated)
	if err != nil {
		return models.Record{}, err
	}
	return updated, nil
}

// Delete removes a record by id.
func (c *Client) Delete(ctx context.Context, entity models.EntityType, id string) error {
	return c.do(ctx, "DELETE", fmt.Sprintf("/v1/%s/%s", entity, id), entity, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, entity models.EntityType, body, result any) error {
	op := method + " " + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.OrgID != "" {
		req.Header.Set("X-Org-ID", c.OrgID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &Error{Kind: classifyTransport(err), Op: op, Entity: entity, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindNetworkUnavailable, Op: op, Entity: entity, Err: err}
	}

	if resp.StatusCode >= 400 {
		inner := error(&apiError{Code: http.StatusText(resp.StatusCode)})
		var ae apiError
		if json.Unmarshal(respBody, &ae) == nil && ae.Code != "" {
			inner = &ae
		}
		kind := KindUnknown
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			kind = KindUnauthorized
		case http.StatusForbidden:
			// Row-level policy denials surface as 403 from the service.
			kind = KindPolicyDenied
		}
		return &Error{Kind: kind, Op: op, Entity: entity, Err: inner, status: resp.StatusCode}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
