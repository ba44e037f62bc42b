// Package relaysdk is a typed HTTP client for the privrelay node API. Nodes use it to talk
// to each other; operators can use it to drive a node.
package relaysdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"privrelay/internal/domain"
)

// Client is a minimal privrelay HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// TokenFunc, when set, mints a bearer token for every request.
	TokenFunc  func() (string, error)
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type PushBatchResponse struct {
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
}

type CreateGroupRequest struct {
	From        domain.PublicKey   `json:"from"`
	Members     []domain.PublicKey `json:"members"`
	Name        string             `json:"name,omitempty"`
	Description string             `json:"description,omitempty"`
}

type AddMembersRequest struct {
	From    domain.PublicKey   `json:"from"`
	Members []domain.PublicKey `json:"members"`
}

type DeleteGroupRequest struct {
	From           domain.PublicKey `json:"from"`
	PrivacyGroupID domain.PublicKey `json:"privacyGroupId"`
}

type PassSummary struct {
	Round      int64 `json:"round"`
	Valid      int   `json:"valid"`
	Invalid    int   `json:"invalid"`
	Unresolved int   `json:"unresolved"`
}

type ResolveResponse struct {
	Passes   []PassSummary `json:"passes"`
	Promoted int64         `json:"promoted"`
}

// Upcheck reports whether the node answers.
func (c *Client) Upcheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "upcheck", nil, nil)
}

// ResendBatch asks the node to push every transaction it holds for publicKey.
func (c *Client) ResendBatch(ctx context.Context, req domain.ResendBatchRequest) (domain.ResendBatchResponse, error) {
	var resp domain.ResendBatchResponse
	err := c.do(ctx, http.MethodPost, "resendBatch", req, &resp)
	return resp, err
}

// PushBatch delivers encoded payloads into the node's staging area.
func (c *Client) PushBatch(ctx context.Context, payloads [][]byte) (PushBatchResponse, error) {
	var resp PushBatchResponse
	err := c.do(ctx, http.MethodPost, "pushBatch", domain.PushBatchRequest{EncodedPayloads: payloads}, &resp)
	return resp, err
}

// PushPrivacyGroup delivers an encoded privacy group.
func (c *Client) PushPrivacyGroup(ctx context.Context, encoded []byte) error {
	body := map[string]any{"privacyGroupData": encoded}
	return c.do(ctx, http.MethodPost, "pushPrivacyGroup", body, nil)
}

func (c *Client) CreatePrivacyGroup(ctx context.Context, req CreateGroupRequest) (domain.PrivacyGroup, error) {
	var resp domain.PrivacyGroup
	err := c.do(ctx, http.MethodPost, "groups", req, &resp)
	return resp, err
}

// FindPrivacyGroup returns the active groups with exactly members.
func (c *Client) FindPrivacyGroup(ctx context.Context, members []domain.PublicKey) ([]domain.PrivacyGroup, error) {
	var resp struct {
		Items []domain.PrivacyGroup `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "groups/find", map[string]any{"members": members}, &resp)
	return resp.Items, err
}

func (c *Client) ListPrivacyGroups(ctx context.Context) ([]domain.PrivacyGroup, error) {
	var resp struct {
		Items []domain.PrivacyGroup `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "groups", nil, &resp)
	return resp.Items, err
}

func (c *Client) GetPrivacyGroup(ctx context.Context, id domain.PublicKey) (domain.PrivacyGroup, error) {
	var resp domain.PrivacyGroup
	err := c.do(ctx, http.MethodGet, "groups/"+PathID(id), nil, &resp)
	return resp, err
}

func (c *Client) AddMembers(ctx context.Context, id domain.PublicKey, req AddMembersRequest) (domain.PrivacyGroup, error) {
	var resp domain.PrivacyGroup
	err := c.do(ctx, http.MethodPost, "groups/"+PathID(id)+"/members", req, &resp)
	return resp, err
}

func (c *Client) DeletePrivacyGroup(ctx context.Context, req DeleteGroupRequest) (domain.PrivacyGroup, error) {
	var resp domain.PrivacyGroup
	err := c.do(ctx, http.MethodPost, "groups/delete", req, &resp)
	return resp, err
}

// ResolveStaging runs resolution passes on the node and promotes what resolved.
func (c *Client) ResolveStaging(ctx context.Context) (ResolveResponse, error) {
	var resp ResolveResponse
	err := c.do(ctx, http.MethodPost, "staging/resolve", nil, &resp)
	return resp, err
}

// Staging lists staged transactions, optionally filtered by status.
func (c *Client) Staging(ctx context.Context, status domain.ResolutionStatus, limit int) ([]domain.StagingTransaction, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp struct {
		Items []domain.StagingTransaction `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("staging", q), nil, &resp)
	return resp.Items, err
}

// Events returns events with an id greater than after.
func (c *Client) Events(ctx context.Context, after int64, eventType string, limit int) ([]domain.Event, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp struct {
		Items []domain.Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp.Items, err
}

// PathID renders a group id for use in a URL path.
func PathID(id domain.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(id.Bytes())
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
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
	token := c.BearerToken
	if c.TokenFunc != nil {
		if token, err = c.TokenFunc(); err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
	}
	switch {
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
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
