// Package enclave talks to the key-holding enclave that seals recipient boxes.
package enclave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"privrelay/internal/domain"
	"privrelay/internal/payload"
)

// ErrUnsupported is returned by enclaves that cannot seal new boxes.
var ErrUnsupported = errors.New("operation not supported by enclave")

// Enclave is the subset of enclave operations the node relies on.
type Enclave interface {
	Status(ctx context.Context) error
	PublicKeys(ctx context.Context) ([]domain.PublicKey, error)
	CreateNewRecipientBox(ctx context.Context, p domain.EncodedPayload, recipient domain.PublicKey) ([]byte, error)
}

// Client is an HTTP client for a remote enclave.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type publicKeysResponse struct {
	Keys []domain.PublicKey `json:"keys"`
}

type addRecipientRequest struct {
	Payload   []byte           `json:"payload"`
	Recipient domain.PublicKey `json:"recipientKey"`
}

type addRecipientResponse struct {
	RecipientBox []byte `json:"recipientBox"`
}

// Status returns nil when the enclave answers its ping.
func (c *Client) Status(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

func (c *Client) PublicKeys(ctx context.Context) ([]domain.PublicKey, error) {
	var resp publicKeysResponse
	if err := c.do(ctx, http.MethodGet, "/publickey", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *Client) CreateNewRecipientBox(ctx context.Context, p domain.EncodedPayload, recipient domain.PublicKey) ([]byte, error) {
	raw, err := payload.Encode(p)
	if err != nil {
		return nil, err
	}
	var resp addRecipientResponse
	if err := c.do(ctx, http.MethodPost, "/addRecipient", addRecipientRequest{Payload: raw, Recipient: recipient}, &resp); err != nil {
		return nil, err
	}
	if len(resp.RecipientBox) == 0 {
		return nil, errors.New("enclave returned an empty recipient box")
	}
	return resp.RecipientBox, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return domain.Unavailable("enclave", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("enclave %s %s: status=%d body=%s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Static serves a fixed key list and cannot seal new boxes.
type Static struct {
	Keys []domain.PublicKey
}

func (s Static) Status(context.Context) error { return nil }

func (s Static) PublicKeys(context.Context) ([]domain.PublicKey, error) {
	return append([]domain.PublicKey(nil), s.Keys...), nil
}

func (s Static) CreateNewRecipientBox(context.Context, domain.EncodedPayload, domain.PublicKey) ([]byte, error) {
	return nil, ErrUnsupported
}
