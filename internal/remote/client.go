// Package remote defines the interface to the authoritative backend and its
// HTTP implementation. Failures are classified into the engine's error
// taxonomy at this boundary so the layers above never inspect status codes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hyperengineering/tether/internal/entity"
)

// FetchResult is one page of the authoritative list/delta for an entity type.
type FetchResult struct {
	Snapshots []entity.RemoteSnapshot `json:"snapshots"`
	Cursor    string                  `json:"cursor"`
	HasMore   bool                    `json:"has_more"`
}

// Ack is the server acknowledgment of a pushed mutation.
type Ack struct {
	ServerID string `json:"server_id"`
	Version  int64  `json:"version"`
	ETag     string `json:"etag"`
}

// PushRequest carries one mutation to the backend. BaseVersion and ETag are
// the client's last-known server state, used for conditional updates.
type PushRequest struct {
	Operation   entity.Operation `json:"operation"`
	EntityType  string           `json:"entity_type"`
	EntityID    string           `json:"entity_id"`
	BaseVersion int64            `json:"base_version"`
	ETag        string           `json:"etag,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
}

// Client is the remote API consumed by the sync orchestrator.
type Client interface {
	// Fetch returns a page of snapshots for an entity type. An empty cursor
	// requests the full list from the beginning.
	Fetch(ctx context.Context, entityType, cursor string) (*FetchResult, error)

	// Push transmits one mutation. Conflict rejections surface as ErrConflict,
	// never as an Ack.
	Push(ctx context.Context, req PushRequest) (*Ack, error)
}

// HTTPClient talks to the backend sync API over HTTP.
type HTTPClient struct {
	baseURL string
	creds   CredentialProvider
	client  *http.Client
}

// NewHTTPClient creates a client for the backend at baseURL. A zero timeout
// falls back to 30 seconds.
func NewHTTPClient(baseURL string, creds CredentialProvider, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		creds:   creds,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch implements Client.
func (c *HTTPClient) Fetch(ctx context.Context, entityType, cursor string) (*FetchResult, error) {
	path := "/api/v1/sync/" + url.PathEscape(entityType)
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}

	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var result FetchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", ErrTransient)
	}
	return &result, nil
}

// Push implements Client.
func (c *HTTPClient) Push(ctx context.Context, req PushRequest) (*Ack, error) {
	path := "/api/v1/sync/" + url.PathEscape(req.EntityType) + "/push"

	resp, err := c.send(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode push ack: %w", ErrTransient)
	}
	return &ack, nil
}

// send issues an authenticated request. Transport-level failures are wrapped
// as ErrTransient.
func (c *HTTPClient) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", ErrUnauthorized)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%v: %w", err, ErrTransient)
	}
	return resp, nil
}

// problem mirrors the RFC 7807 body the backend returns on errors.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// classifyStatus maps HTTP response codes onto the failure taxonomy.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail := readProblemDetail(resp.Body)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w", detail, ErrUnauthorized)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return fmt.Errorf("%s: %w", detail, ErrConflict)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", detail, ErrValidation)
	default:
		return fmt.Errorf("http %d %s: %w", resp.StatusCode, detail, ErrTransient)
	}
}

func readProblemDetail(body io.Reader) string {
	var p problem
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&p); err != nil {
		return "remote error"
	}
	if p.Detail != "" {
		return p.Detail
	}
	if p.Title != "" {
		return p.Title
	}
	return "remote error"
}
