// Package payload converts encoded transaction payloads between their wire form and the
// domain types used for storage and staging.
package payload

import (
	"encoding/json"
	"fmt"
	"time"

	"privrelay/internal/digest"
	"privrelay/internal/domain"
)

type wirePayload struct {
	Sender          domain.PublicKey   `json:"sender"`
	CipherText      []byte             `json:"cipherText"`
	CipherTextNonce []byte             `json:"cipherTextNonce,omitempty"`
	RecipientBoxes  [][]byte           `json:"recipientBoxes"`
	RecipientNonce  []byte             `json:"recipientNonce,omitempty"`
	Recipients      []domain.PublicKey `json:"recipients"`
	PrivacyMode     domain.PrivacyMode `json:"privacyMode"`
	// keyed by base64 hash; encoding/json would write string-kind keys raw
	AffectedContractTransactions map[string][]byte `json:"affectedContractTransactions,omitempty"`
	ExecHash                     []byte            `json:"execHash,omitempty"`
	PrivacyGroupID               domain.PublicKey  `json:"privacyGroupId,omitempty"`
}

// Encode serializes p into its wire form.
func Encode(p domain.EncodedPayload) ([]byte, error) {
	if !p.PrivacyMode.Valid() {
		p.PrivacyMode = domain.StandardPrivate
	}
	w := wirePayload{
		Sender:          p.SenderKey,
		CipherText:      p.CipherText,
		CipherTextNonce: p.CipherTextNonce,
		RecipientBoxes:  p.RecipientBoxes,
		RecipientNonce:  p.RecipientNonce,
		Recipients:      p.RecipientKeys,
		PrivacyMode:     p.PrivacyMode,
		ExecHash:        p.ExecHash,
		PrivacyGroupID:  p.PrivacyGroupID,
	}
	if len(p.AffectedContractTransactions) > 0 {
		w.AffectedContractTransactions = make(map[string][]byte, len(p.AffectedContractTransactions))
		for h, sec := range p.AffectedContractTransactions {
			w.AffectedContractTransactions[h.String()] = sec
		}
	}
	return json.Marshal(w)
}

// Decode parses and validates a wire payload. All failures are *domain.ValidationError.
func Decode(data []byte) (domain.EncodedPayload, error) {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.EncodedPayload{}, &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if len(w.CipherText) == 0 {
		return domain.EncodedPayload{}, &domain.ValidationError{Field: "cipherText", Reason: "cipher text is required"}
	}
	if w.Sender == "" {
		return domain.EncodedPayload{}, &domain.ValidationError{Field: "sender", Reason: "sender key is required"}
	}
	if len(w.Recipients) > 0 && len(w.Recipients) != len(w.RecipientBoxes) {
		return domain.EncodedPayload{}, &domain.ValidationError{
			Field:  "recipientBoxes",
			Reason: fmt.Sprintf("%d recipients but %d boxes", len(w.Recipients), len(w.RecipientBoxes)),
		}
	}
	if w.PrivacyMode == domain.UnknownPrivacyMode {
		w.PrivacyMode = domain.StandardPrivate
	}
	p := domain.EncodedPayload{
		SenderKey:                    w.Sender,
		CipherText:                   w.CipherText,
		CipherTextNonce:              w.CipherTextNonce,
		RecipientBoxes:               w.RecipientBoxes,
		RecipientNonce:               w.RecipientNonce,
		RecipientKeys:                w.Recipients,
		PrivacyMode:                  w.PrivacyMode,
		ExecHash:                     w.ExecHash,
		PrivacyGroupID:               w.PrivacyGroupID,
		AffectedContractTransactions: make(map[domain.TxHash][]byte, len(w.AffectedContractTransactions)),
	}
	for encoded, sec := range w.AffectedContractTransactions {
		h, err := domain.ParseTxHash(encoded)
		if err != nil {
			return domain.EncodedPayload{}, err
		}
		p.AffectedContractTransactions[h] = sec
	}
	if _, err := p.MetaData(); err != nil {
		return domain.EncodedPayload{}, err
	}
	return p, nil
}

// Hash returns the content hash of a decoded payload.
func Hash(p domain.EncodedPayload) (domain.TxHash, error) {
	return digest.TransactionHash(p.CipherText)
}

// ToStaging decodes a raw pushed payload into an unresolved staging transaction.
func ToStaging(raw []byte, now time.Time) (domain.StagingTransaction, error) {
	p, err := Decode(raw)
	if err != nil {
		return domain.StagingTransaction{}, err
	}
	hash, err := Hash(p)
	if err != nil {
		return domain.StagingTransaction{}, err
	}
	md, err := p.MetaData()
	if err != nil {
		return domain.StagingTransaction{}, err
	}
	return domain.StagingTransaction{
		Hash:        hash,
		Payload:     append([]byte(nil), raw...),
		SenderKey:   p.SenderKey,
		PrivacyMode: md.PrivacyMode(),
		Affected:    md.AffectedContractTransactions(),
		Status:      domain.Unresolved,
		ReceivedAt:  now.UTC().Format(time.RFC3339),
	}, nil
}

// ToEncryptedTransaction encodes p for the transaction store.
func ToEncryptedTransaction(p domain.EncodedPayload, now time.Time) (domain.EncryptedTransaction, error) {
	hash, err := Hash(p)
	if err != nil {
		return domain.EncryptedTransaction{}, err
	}
	raw, err := Encode(p)
	if err != nil {
		return domain.EncryptedTransaction{}, err
	}
	mode := p.PrivacyMode
	if !mode.Valid() {
		mode = domain.StandardPrivate
	}
	return domain.EncryptedTransaction{
		Hash:           hash,
		EncodedPayload: raw,
		SenderKey:      p.SenderKey,
		PrivacyMode:    mode,
		CreatedAt:      now.UTC().Format(time.RFC3339),
	}, nil
}
