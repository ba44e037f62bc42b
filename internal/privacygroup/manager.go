// Package privacygroup manages privacy group records and keeps every member node in sync.
package privacygroup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"privrelay/internal/digest"
	"privrelay/internal/domain"
	"privrelay/internal/events"
	"privrelay/internal/repo"
)

// ErrPublish marks a group change that at least one remote member refused.
var ErrPublish = errors.New("privacy group publish failed")

// Store persists encoded group records.
type Store interface {
	StorePrivacyGroup(ctx context.Context, g repo.PrivacyGroupRecord) (bool, error)
	GetPrivacyGroup(ctx context.Context, id []byte) (repo.PrivacyGroupRecord, error)
	FindPrivacyGroups(ctx context.Context, lookupID []byte) ([]repo.PrivacyGroupRecord, error)
	ListPrivacyGroups(ctx context.Context) ([]repo.PrivacyGroupRecord, error)
}

// Publisher pushes an encoded group to the node serving recipient.
type Publisher interface {
	PublishPrivacyGroup(ctx context.Context, encoded []byte, recipient domain.PublicKey) error
}

// KeySource lists the keys served by this node.
type KeySource interface {
	PublicKeys(ctx context.Context) ([]domain.PublicKey, error)
}

type Config struct {
	Store     Store
	Publisher Publisher
	Keys      KeySource
	Events    events.Writer
	Log       zerolog.Logger
	// NewSeed returns the random part of a new group id.
	NewSeed     func() []byte
	Concurrency int
}

type Manager struct {
	store       Store
	publisher   Publisher
	keys        KeySource
	events      events.Writer
	log         zerolog.Logger
	newSeed     func() []byte
	concurrency int
}

func NewManager(cfg Config) *Manager {
	if cfg.NewSeed == nil {
		cfg.NewSeed = func() []byte {
			id := uuid.New()
			return id[:]
		}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 8
	}
	return &Manager{
		store:       cfg.Store,
		publisher:   cfg.Publisher,
		keys:        cfg.Keys,
		events:      cfg.Events,
		log:         cfg.Log,
		newSeed:     cfg.NewSeed,
		concurrency: cfg.Concurrency,
	}
}

// Encode returns the wire form of g.
func Encode(g domain.PrivacyGroup) ([]byte, error) {
	return json.Marshal(g)
}

// Decode parses and validates an encoded group.
func Decode(data []byte) (domain.PrivacyGroup, error) {
	var g domain.PrivacyGroup
	if err := json.Unmarshal(data, &g); err != nil {
		return g, &domain.ValidationError{Field: "privacyGroup", Reason: err.Error()}
	}
	if g.ID == "" {
		return g, &domain.ValidationError{Field: "privacyGroupId", Reason: "privacy group id is required"}
	}
	if len(g.Members) == 0 {
		return g, &domain.ValidationError{Field: "members", Reason: "privacy group has no members"}
	}
	switch g.Type {
	case domain.LegacyGroup, domain.PantheonGroup, domain.ResidentGroup:
	default:
		return g, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown privacy group type %q", g.Type)}
	}
	switch g.State {
	case domain.GroupActive, domain.GroupDeleted:
	default:
		return g, &domain.ValidationError{Field: "state", Reason: fmt.Sprintf("unknown privacy group state %q", g.State)}
	}
	g.Members = domain.SortKeys(g.Members)
	return g, nil
}

// GroupID derives a group id from its members and seed.
func GroupID(members []domain.PublicKey, seed []byte) (domain.PublicKey, error) {
	var buf bytes.Buffer
	for _, m := range domain.SortKeys(members) {
		buf.WriteString(string(m))
	}
	buf.Write(seed)
	sum, err := digest.Sum256(buf.Bytes())
	if err != nil {
		return "", err
	}
	return domain.PublicKeyFromBytes(sum), nil
}

// LookupID derives the id shared by every group with the same member set.
func LookupID(members []domain.PublicKey) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range domain.SortKeys(members) {
		buf.WriteString(string(m))
	}
	return digest.Sum256(buf.Bytes())
}

func toRecord(g domain.PrivacyGroup) (repo.PrivacyGroupRecord, []byte, error) {
	encoded, err := Encode(g)
	if err != nil {
		return repo.PrivacyGroupRecord{}, nil, err
	}
	contentHash, err := digest.Sum512(encoded)
	if err != nil {
		return repo.PrivacyGroupRecord{}, nil, err
	}
	lookup, err := LookupID(g.Members)
	if err != nil {
		return repo.PrivacyGroupRecord{}, nil, err
	}
	return repo.PrivacyGroupRecord{
		ID:          g.ID.Bytes(),
		LookupID:    lookup,
		Data:        encoded,
		ContentHash: contentHash,
		State:       string(g.State),
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
	}, encoded, nil
}

func (m *Manager) localKeys(ctx context.Context) ([]domain.PublicKey, error) {
	keys, err := m.keys.PublicKeys(ctx)
	if err != nil {
		return nil, domain.Unavailable("enclave keys", err)
	}
	return keys, nil
}

func (m *Manager) requireLocal(ctx context.Context, from domain.PublicKey) ([]domain.PublicKey, error) {
	local, err := m.localKeys(ctx)
	if err != nil {
		return nil, err
	}
	if from == "" {
		return nil, &domain.ValidationError{Field: "from", Reason: "sender key is required"}
	}
	if !domain.ContainsKey(local, from) {
		return nil, &domain.ValidationError{Field: "from", Reason: "sender key is not managed by this node"}
	}
	return local, nil
}

// save distributes g to every remote member and stores it only once all of them accepted.
func (m *Manager) save(ctx context.Context, g domain.PrivacyGroup, local []domain.PublicKey) error {
	rec, encoded, err := toRecord(g)
	if err != nil {
		return err
	}
	if err := m.publish(ctx, encoded, g.Members, local); err != nil {
		return err
	}
	if _, err := m.store.StorePrivacyGroup(ctx, rec); err != nil {
		return domain.Unavailable("save privacy group", err)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, encoded []byte, members, local []domain.PublicKey) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, member := range members {
		if domain.ContainsKey(local, member) {
			continue
		}
		g.Go(func() error {
			if err := m.publisher.PublishPrivacyGroup(gctx, encoded, member); err != nil {
				return fmt.Errorf("%w to %s: %w", ErrPublish, member, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) record(ctx context.Context, evtType string, g domain.PrivacyGroup, actor domain.PublicKey) {
	m.log.Info().Str("group", g.ID.String()).Str("type", evtType).Int("members", len(g.Members)).Msg("privacy group changed")
	if err := m.events.Append(ctx, nil, events.Event{
		Type:       evtType,
		EntityKind: "privacy_group",
		EntityID:   g.ID.String(),
		ActorID:    actorID(actor),
		Payload:    events.EventPayload{"members": len(g.Members), "state": g.State},
	}); err != nil {
		m.log.Warn().Err(err).Msg("append privacy group event")
	}
}

func actorID(k domain.PublicKey) string {
	if k == "" {
		return ""
	}
	return k.String()
}

// CreatePrivacyGroup creates a group of members plus from and distributes it to every
// remote member.
func (m *Manager) CreatePrivacyGroup(ctx context.Context, from domain.PublicKey, members []domain.PublicKey, name, description string) (domain.PrivacyGroup, error) {
	local, err := m.requireLocal(ctx, from)
	if err != nil {
		return domain.PrivacyGroup{}, err
	}
	all := domain.SortKeys(append(append([]domain.PublicKey(nil), members...), from))
	seed := m.newSeed()
	id, err := GroupID(all, seed)
	if err != nil {
		return domain.PrivacyGroup{}, err
	}
	g := domain.PrivacyGroup{
		ID:          id,
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		Members:     all,
		Seed:        seed,
		Type:        domain.PantheonGroup,
		State:       domain.GroupActive,
	}
	if err := m.save(ctx, g, local); err != nil {
		return domain.PrivacyGroup{}, err
	}
	m.record(ctx, events.PrivacyGroupCreated, g, from)
	return g, nil
}

// AddMembers adds members to an active group and distributes the result to every member.
func (m *Manager) AddMembers(ctx context.Context, from, id domain.PublicKey, members []domain.PublicKey) (domain.PrivacyGroup, error) {
	local, err := m.requireLocal(ctx, from)
	if err != nil {
		return domain.PrivacyGroup{}, err
	}
	g, err := m.RetrievePrivacyGroup(ctx, id)
	if err != nil {
		return domain.PrivacyGroup{}, err
	}
	if g.State != domain.GroupActive {
		return domain.PrivacyGroup{}, &domain.ValidationError{Field: "privacyGroupId", Reason: "privacy group is deleted"}
	}
	if g.Type != domain.PantheonGroup {
		return domain.PrivacyGroup{}, &domain.ValidationError{Field: "privacyGroupId", Reason: "only PANTHEON groups accept new members"}
	}
	if !domain.ContainsKey(g.Members, from) {
		return domain.PrivacyGroup{}, &domain.ValidationError{Field: "from", Reason: "sender is not a member of the group"}
	}
	g.Members = domain.SortKeys(append(g.Members, members...))
	if err := m.save(ctx, g, local); err != nil {
		return domain.PrivacyGroup{}, err
	}
	m.record(ctx, events.PrivacyGroupUpdated, g, from)
	return g, nil
}

// DeletePrivacyGroup marks a group deleted on every member.
func (m *Manager) DeletePrivacyGroup(ctx context.Context, from, id domain.PublicKey) (domain.PrivacyGroup, error) {
	local, err := m.requireLocal(ctx, from)
	if err != nil {
		return domain.PrivacyGroup{}, err
	}
	g, err := m.RetrievePrivacyGroup(ctx, id)
	if err != nil {
		return domain.PrivacyGroup{}, err
	}
	if g.State == domain.GroupDeleted {
		return domain.PrivacyGroup{}, &domain.ValidationError{Field: "privacyGroupId", Reason: "privacy group is already deleted"}
	}
	if !domain.ContainsKey(g.Members, from) {
		return domain.PrivacyGroup{}, &domain.ValidationError{Field: "from", Reason: "sender is not a member of the group"}
	}
	g.State = domain.GroupDeleted
	if err := m.save(ctx, g, local); err != nil {
		return domain.PrivacyGroup{}, err
	}
	m.record(ctx, events.PrivacyGroupDeleted, g, from)
	return g, nil
}

// RetrievePrivacyGroup returns the group with id in any state.
func (m *Manager) RetrievePrivacyGroup(ctx context.Context, id domain.PublicKey) (domain.PrivacyGroup, error) {
	rec, err := m.store.GetPrivacyGroup(ctx, id.Bytes())
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PrivacyGroup{}, fmt.Errorf("privacy group %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PrivacyGroup{}, domain.Unavailable("get privacy group", err)
	}
	return Decode(rec.Data)
}

// FindPrivacyGroup returns the active groups whose members are exactly members.
func (m *Manager) FindPrivacyGroup(ctx context.Context, members []domain.PublicKey) ([]domain.PrivacyGroup, error) {
	if len(members) == 0 {
		return nil, &domain.ValidationError{Field: "members", Reason: "at least one member is required"}
	}
	lookup, err := LookupID(members)
	if err != nil {
		return nil, err
	}
	recs, err := m.store.FindPrivacyGroups(ctx, lookup)
	if err != nil {
		return nil, domain.Unavailable("find privacy groups", err)
	}
	return decodeActive(recs, true)
}

// ListPrivacyGroups returns every stored group.
func (m *Manager) ListPrivacyGroups(ctx context.Context) ([]domain.PrivacyGroup, error) {
	recs, err := m.store.ListPrivacyGroups(ctx)
	if err != nil {
		return nil, domain.Unavailable("list privacy groups", err)
	}
	return decodeActive(recs, false)
}

func decodeActive(recs []repo.PrivacyGroupRecord, activeOnly bool) ([]domain.PrivacyGroup, error) {
	out := make([]domain.PrivacyGroup, 0, len(recs))
	for _, rec := range recs {
		g, err := Decode(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("stored privacy group: %w", err)
		}
		if activeOnly && g.State != domain.GroupActive {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// StorePrivacyGroup saves a group pushed by another member. Storing the same definition
// again is a no-op.
func (m *Manager) StorePrivacyGroup(ctx context.Context, encoded []byte) error {
	g, err := Decode(encoded)
	if err != nil {
		return err
	}
	rec, _, err := toRecord(g)
	if err != nil {
		return err
	}
	changed, err := m.store.StorePrivacyGroup(ctx, rec)
	if err != nil {
		return domain.Unavailable("store privacy group", err)
	}
	if changed {
		m.record(ctx, events.PrivacyGroupStored, g, "")
	}
	return nil
}
