// Package party maps recipient keys to the nodes that serve them.
package party

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"privrelay/internal/domain"
)

type Store interface {
	UpsertRecipient(ctx context.Context, rec domain.Recipient) error
	GetRecipient(ctx context.Context, key domain.PublicKey) (domain.Recipient, error)
	ListRecipients(ctx context.Context) ([]domain.Recipient, error)
}

// GroupLookup resolves privacy groups by id.
type GroupLookup interface {
	RetrievePrivacyGroup(ctx context.Context, id domain.PublicKey) (domain.PrivacyGroup, error)
}

// Directory is a cached view of the recipients table. It also answers whether a key is a
// party to a payload.
type Directory struct {
	store  Store
	groups GroupLookup
	cache  *lru.Cache[domain.PublicKey, string]
}

func NewDirectory(store Store, groups GroupLookup, cacheSize int) (*Directory, error) {
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := lru.New[domain.PublicKey, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Directory{store: store, groups: groups, cache: cache}, nil
}

// SetGroups wires the group lookup after construction.
func (d *Directory) SetGroups(groups GroupLookup) { d.groups = groups }

// Add registers url as the node serving key.
func (d *Directory) Add(ctx context.Context, key domain.PublicKey, url string) error {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if err := d.store.UpsertRecipient(ctx, domain.Recipient{PublicKey: key, URL: url}); err != nil {
		return err
	}
	d.cache.Add(key, url)
	return nil
}

// URLFor returns the node URL serving key.
func (d *Directory) URLFor(ctx context.Context, key domain.PublicKey) (string, error) {
	if url, ok := d.cache.Get(key); ok {
		return url, nil
	}
	rec, err := d.store.GetRecipient(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("recipient %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return "", domain.Unavailable("recipients", err)
	}
	d.cache.Add(key, rec.URL)
	return rec.URL, nil
}

func (d *Directory) List(ctx context.Context) ([]domain.Recipient, error) {
	return d.store.ListRecipients(ctx)
}

// Eligible reports whether recipient sent p, is addressed by p, or belongs to the privacy
// group p was sent to.
func (d *Directory) Eligible(ctx context.Context, recipient domain.PublicKey, p domain.EncodedPayload) (bool, error) {
	if p.SenderKey == recipient || p.RecipientIndex(recipient) >= 0 {
		return true, nil
	}
	if p.PrivacyGroupID == "" || d.groups == nil {
		return false, nil
	}
	g, err := d.groups.RetrievePrivacyGroup(ctx, p.PrivacyGroupID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return domain.ContainsKey(g.Members, recipient), nil
}
