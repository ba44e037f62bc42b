package domain

import (
	"bytes"
	"fmt"
	"strings"
)

// PrivacyMode governs which parties must see a transaction's private state and whether the
// post-execution state must be independently verified.
type PrivacyMode int

const (
	UnknownPrivacyMode PrivacyMode = iota
	StandardPrivate
	PartyProtection
	PrivateStateValidation
	MandatoryRecipients
)

var privacyModeNames = map[PrivacyMode]string{
	StandardPrivate:        "STANDARD_PRIVATE",
	PartyProtection:        "PARTY_PROTECTION",
	PrivateStateValidation: "PRIVATE_STATE_VALIDATION",
	MandatoryRecipients:    "MANDATORY_RECIPIENTS",
}

// ParsePrivacyMode accepts the upper snake case mode name.
func ParsePrivacyMode(name string) (PrivacyMode, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for mode, n := range privacyModeNames {
		if n == name {
			return mode, nil
		}
	}
	return UnknownPrivacyMode, &ValidationError{Field: "privacyMode", Reason: fmt.Sprintf("unknown privacy mode %q", name)}
}

func (m PrivacyMode) Valid() bool {
	_, ok := privacyModeNames[m]
	return ok
}

func (m PrivacyMode) String() string {
	if n, ok := privacyModeNames[m]; ok {
		return n
	}
	return fmt.Sprintf("PrivacyMode(%d)", int(m))
}

func (m PrivacyMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", m)
	}
	return []byte(m.String()), nil
}

func (m *PrivacyMode) UnmarshalText(text []byte) error {
	parsed, err := ParsePrivacyMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// PrivacyMetaData describes how a transaction's privacy is enforced. Values are only
// obtainable through PrivacyMetaDataBuilder and never change afterwards.
type PrivacyMetaData struct {
	mode     PrivacyMode
	groupID  PublicKey
	affected []TxHash
	execHash []byte
}

func (m PrivacyMetaData) PrivacyMode() PrivacyMode { return m.mode }

// PrivacyGroupID returns the target group, if the transaction was sent to one.
func (m PrivacyMetaData) PrivacyGroupID() (PublicKey, bool) {
	return m.groupID, m.groupID != ""
}

// AffectedContractTransactions returns the dependency set in ascending hash order.
func (m PrivacyMetaData) AffectedContractTransactions() []TxHash {
	out := make([]TxHash, len(m.affected))
	copy(out, m.affected)
	return out
}

// ExecHash returns the post-execution state hash, nil when absent.
func (m PrivacyMetaData) ExecHash() []byte {
	if len(m.execHash) == 0 {
		return nil
	}
	return bytes.Clone(m.execHash)
}

// Equal compares all fields; the affected set is order independent.
func (m PrivacyMetaData) Equal(o PrivacyMetaData) bool {
	if m.mode != o.mode || m.groupID != o.groupID || !bytes.Equal(m.execHash, o.execHash) {
		return false
	}
	if len(m.affected) != len(o.affected) {
		return false
	}
	for i := range m.affected {
		if m.affected[i] != o.affected[i] {
			return false
		}
	}
	return true
}

// PrivacyMetaDataBuilder collects fields and validates them in Build.
type PrivacyMetaDataBuilder struct {
	mode     PrivacyMode
	groupID  PublicKey
	affected []TxHash
	execHash []byte
}

func NewPrivacyMetaDataBuilder() *PrivacyMetaDataBuilder {
	return &PrivacyMetaDataBuilder{}
}

func (b *PrivacyMetaDataBuilder) WithPrivacyMode(mode PrivacyMode) *PrivacyMetaDataBuilder {
	b.mode = mode
	return b
}

func (b *PrivacyMetaDataBuilder) WithPrivacyGroupID(id PublicKey) *PrivacyMetaDataBuilder {
	b.groupID = id
	return b
}

func (b *PrivacyMetaDataBuilder) WithExecHash(h []byte) *PrivacyMetaDataBuilder {
	b.execHash = bytes.Clone(h)
	return b
}

func (b *PrivacyMetaDataBuilder) WithAffectedContractTransactions(hashes []TxHash) *PrivacyMetaDataBuilder {
	b.affected = append([]TxHash(nil), hashes...)
	return b
}

// Build validates the mode/field combination:
// PARTY_PROTECTION forbids an exec hash, PRIVATE_STATE_VALIDATION requires one.
func (b *PrivacyMetaDataBuilder) Build() (PrivacyMetaData, error) {
	if !b.mode.Valid() {
		return PrivacyMetaData{}, &ValidationError{Field: "privacyMode", Reason: "privacy mode is required"}
	}
	if b.mode == PartyProtection && len(b.execHash) > 0 {
		return PrivacyMetaData{}, &ValidationError{Field: "execHash", Mode: b.mode, Reason: "exec hash must be absent"}
	}
	if b.mode == PrivateStateValidation && len(b.execHash) == 0 {
		return PrivacyMetaData{}, &ValidationError{Field: "execHash", Mode: b.mode, Reason: "exec hash is required"}
	}
	md := PrivacyMetaData{
		mode:     b.mode,
		groupID:  b.groupID,
		affected: SortHashes(b.affected),
	}
	if len(b.execHash) > 0 {
		md.execHash = bytes.Clone(b.execHash)
	}
	return md, nil
}

// BuildStandardPrivate builds STANDARD_PRIVATE metadata with no group and no dependencies.
func (b *PrivacyMetaDataBuilder) BuildStandardPrivate() PrivacyMetaData {
	return PrivacyMetaData{mode: StandardPrivate, affected: []TxHash{}}
}
