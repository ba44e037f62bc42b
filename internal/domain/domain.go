package domain

import "bytes"

// EncodedPayload is the decoded form of an encrypted transaction as exchanged between nodes.
// The cipher text is opaque; RecipientBoxes[i] is the sealed master key for RecipientKeys[i].
type EncodedPayload struct {
	SenderKey       PublicKey
	CipherText      []byte
	CipherTextNonce []byte
	RecipientBoxes  [][]byte
	RecipientNonce  []byte
	RecipientKeys   []PublicKey
	PrivacyMode     PrivacyMode
	// AffectedContractTransactions maps a dependency hash to its security hash.
	AffectedContractTransactions map[TxHash][]byte
	ExecHash                     []byte
	PrivacyGroupID               PublicKey
}

// MetaData builds and validates the privacy metadata carried by the payload.
func (p EncodedPayload) MetaData() (PrivacyMetaData, error) {
	affected := make([]TxHash, 0, len(p.AffectedContractTransactions))
	for h := range p.AffectedContractTransactions {
		affected = append(affected, h)
	}
	return NewPrivacyMetaDataBuilder().
		WithPrivacyMode(p.PrivacyMode).
		WithPrivacyGroupID(p.PrivacyGroupID).
		WithExecHash(p.ExecHash).
		WithAffectedContractTransactions(affected).
		Build()
}

// RecipientIndex returns the position of key in RecipientKeys or -1.
func (p EncodedPayload) RecipientIndex(key PublicKey) int {
	for i, k := range p.RecipientKeys {
		if k == key {
			return i
		}
	}
	return -1
}

// ForRecipient returns a copy holding only the box addressed to key.
func (p EncodedPayload) ForRecipient(key PublicKey) (EncodedPayload, bool) {
	idx := p.RecipientIndex(key)
	if idx < 0 || idx >= len(p.RecipientBoxes) {
		return EncodedPayload{}, false
	}
	out := p.clone()
	out.RecipientKeys = []PublicKey{key}
	out.RecipientBoxes = [][]byte{bytes.Clone(p.RecipientBoxes[idx])}
	return out, true
}

// WithRecipientBox returns a copy addressed only to key using box.
func (p EncodedPayload) WithRecipientBox(key PublicKey, box []byte) EncodedPayload {
	out := p.clone()
	out.RecipientKeys = []PublicKey{key}
	out.RecipientBoxes = [][]byte{bytes.Clone(box)}
	return out
}

// WithAffected returns a copy whose affected set is limited to keep.
func (p EncodedPayload) WithAffected(keep func(TxHash) bool) EncodedPayload {
	out := p.clone()
	out.AffectedContractTransactions = make(map[TxHash][]byte, len(p.AffectedContractTransactions))
	for h, sec := range p.AffectedContractTransactions {
		if keep(h) {
			out.AffectedContractTransactions[h] = bytes.Clone(sec)
		}
	}
	return out
}

func (p EncodedPayload) clone() EncodedPayload {
	out := p
	out.CipherText = bytes.Clone(p.CipherText)
	out.CipherTextNonce = bytes.Clone(p.CipherTextNonce)
	out.RecipientNonce = bytes.Clone(p.RecipientNonce)
	out.ExecHash = bytes.Clone(p.ExecHash)
	out.RecipientKeys = append([]PublicKey(nil), p.RecipientKeys...)
	out.RecipientBoxes = make([][]byte, len(p.RecipientBoxes))
	for i, b := range p.RecipientBoxes {
		out.RecipientBoxes[i] = bytes.Clone(b)
	}
	if p.AffectedContractTransactions != nil {
		out.AffectedContractTransactions = make(map[TxHash][]byte, len(p.AffectedContractTransactions))
		for h, sec := range p.AffectedContractTransactions {
			out.AffectedContractTransactions[h] = bytes.Clone(sec)
		}
	}
	return out
}

// EncryptedTransaction is a persisted, immutable encrypted transaction.
type EncryptedTransaction struct {
	Hash           TxHash      `json:"hash"`
	EncodedPayload []byte      `json:"encoded_payload"`
	SenderKey      PublicKey   `json:"sender_key"`
	PrivacyMode    PrivacyMode `json:"privacy_mode"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
}

// ResolutionStatus is the staging state of a pushed transaction.
type ResolutionStatus string

const (
	Unresolved      ResolutionStatus = "UNRESOLVED"
	ResolvedValid   ResolutionStatus = "RESOLVED_VALID"
	ResolvedInvalid ResolutionStatus = "RESOLVED_INVALID"
)

func (s ResolutionStatus) Resolved() bool {
	return s == ResolvedValid || s == ResolvedInvalid
}

// StagingTransaction is a pushed transaction waiting for its dependencies to resolve.
type StagingTransaction struct {
	Hash            TxHash           `json:"hash"`
	Sequence        int64            `json:"sequence"`
	Payload         []byte           `json:"payload"`
	SenderKey       PublicKey        `json:"sender_key"`
	PrivacyMode     PrivacyMode      `json:"privacy_mode"`
	Affected        []TxHash         `json:"affected,omitempty"`
	Status          ResolutionStatus `json:"status" enum:"UNRESOLVED,RESOLVED_VALID,RESOLVED_INVALID"`
	ValidationRound int64            `json:"validation_round"`
	ReceivedAt      string           `json:"received_at" format:"date-time"`
}

type PrivacyGroupType string

const (
	LegacyGroup   PrivacyGroupType = "LEGACY"
	PantheonGroup PrivacyGroupType = "PANTHEON"
	ResidentGroup PrivacyGroupType = "RESIDENT"
)

type PrivacyGroupState string

const (
	GroupActive  PrivacyGroupState = "ACTIVE"
	GroupDeleted PrivacyGroupState = "DELETED"
)

// PrivacyGroup is a named set of recipients sharing one group id.
type PrivacyGroup struct {
	ID          PublicKey         `json:"privacyGroupId"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Members     []PublicKey       `json:"members"`
	Seed        []byte            `json:"seed,omitempty"`
	Type        PrivacyGroupType  `json:"type"`
	State       PrivacyGroupState `json:"state"`
}

// ResendBatchRequest asks a node to push every transaction for PublicKey back to its owner.
type ResendBatchRequest struct {
	PublicKey string `json:"publicKey"`
	BatchSize int    `json:"batchSize"`
}

type ResendBatchResponse struct {
	Total int64 `json:"total"`
}

// PushBatchRequest carries encoded payloads in the order they must be staged.
type PushBatchRequest struct {
	EncodedPayloads [][]byte `json:"encodedPayloads"`
}

type Recipient struct {
	PublicKey PublicKey `json:"public_key"`
	URL       string    `json:"url"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type PeerKey struct {
	ID        string `json:"id"`
	PeerKey   string `json:"peer_key"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
