// Package p2p carries node-to-node traffic: payload and privacy group pushes and resend
// requests. Outgoing requests are signed with the shared network secret.
package p2p

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"privrelay/internal/domain"
	"privrelay/internal/payload"
	relaysdk "privrelay/sdk/go"
)

const tokenTTL = time.Minute

// Directory resolves the node serving a recipient key.
type Directory interface {
	URLFor(ctx context.Context, key domain.PublicKey) (string, error)
}

type Config struct {
	Directory Directory
	// Secret signs outgoing bearer tokens; requests go unsigned when empty.
	Secret string
	// Subject identifies this node in outgoing tokens.
	Subject string
	Timeout time.Duration
	Log     zerolog.Logger
	Now     func() time.Time
}

// Client talks to other nodes through relaysdk clients, one per peer URL.
type Client struct {
	dir     Directory
	secret  string
	subject string
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	peers map[string]*relaysdk.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		dir:     cfg.Directory,
		secret:  cfg.Secret,
		subject: cfg.Subject,
		timeout: cfg.Timeout,
		log:     cfg.Log,
		now:     cfg.Now,
		peers:   make(map[string]*relaysdk.Client),
	}
}

// Token mints a short lived HS256 token for this node.
func (c *Client) Token() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   c.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.secret))
}

func (c *Client) peer(url string) *relaysdk.Client {
	url = strings.TrimRight(url, "/")
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok := c.peers[url]; ok {
		return pc
	}
	pc := relaysdk.New(url)
	pc.Timeout = c.timeout
	if c.secret != "" {
		pc.TokenFunc = c.Token
	}
	c.peers[url] = pc
	return pc
}

func (c *Client) urlFor(ctx context.Context, recipient domain.PublicKey) (string, error) {
	if c.dir == nil {
		return "", fmt.Errorf("recipient %s: %w", recipient, domain.ErrNotFound)
	}
	return c.dir.URLFor(ctx, recipient)
}

// PublishBatch pushes payloads to the node serving recipient as one batch.
func (c *Client) PublishBatch(ctx context.Context, recipient domain.PublicKey, payloads []domain.EncodedPayload) error {
	if len(payloads) == 0 {
		return nil
	}
	url, err := c.urlFor(ctx, recipient)
	if err != nil {
		return err
	}
	raw := make([][]byte, len(payloads))
	for i, p := range payloads {
		if raw[i], err = payload.Encode(p); err != nil {
			return err
		}
	}
	if _, err := c.peer(url).PushBatch(ctx, raw); err != nil {
		return fmt.Errorf("push batch to %s: %w", url, err)
	}
	c.log.Debug().Str("peer", url).Str("recipient", recipient.String()).Int("payloads", len(raw)).Msg("batch pushed")
	return nil
}

// PublishPrivacyGroup pushes an encoded group to the node serving recipient.
func (c *Client) PublishPrivacyGroup(ctx context.Context, encoded []byte, recipient domain.PublicKey) error {
	url, err := c.urlFor(ctx, recipient)
	if err != nil {
		return err
	}
	if err := c.peer(url).PushPrivacyGroup(ctx, encoded); err != nil {
		return fmt.Errorf("push privacy group to %s: %w", url, err)
	}
	return nil
}

// ResendBatch asks the node at peerURL to resend its transactions for req.PublicKey.
func (c *Client) ResendBatch(ctx context.Context, peerURL string, req domain.ResendBatchRequest) (domain.ResendBatchResponse, error) {
	resp, err := c.peer(peerURL).ResendBatch(ctx, req)
	if err != nil {
		return domain.ResendBatchResponse{}, fmt.Errorf("resend from %s: %w", peerURL, err)
	}
	return resp, nil
}
