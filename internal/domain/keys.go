package domain

import (
	"bytes"
	"encoding/base64"
	"sort"
	"strings"
)

// PublicKey is raw key material. It renders as standard base64 in JSON and logs.
type PublicKey string

// ParsePublicKey decodes a base64 encoded key.
func ParsePublicKey(encoded string) (PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return "", &ValidationError{Field: "publicKey", Reason: "public key is required"}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &ValidationError{Field: "publicKey", Reason: "public key is not valid base64: " + err.Error()}
	}
	if len(raw) == 0 {
		return "", &ValidationError{Field: "publicKey", Reason: "public key is empty"}
	}
	return PublicKey(raw), nil
}

// PublicKeyFromBytes wraps raw key bytes.
func PublicKeyFromBytes(b []byte) PublicKey {
	return PublicKey(b)
}

func (k PublicKey) Bytes() []byte { return []byte(k) }

func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString([]byte(k))
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = ""
		return nil
	}
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// SortKeys returns a sorted, de-duplicated copy of keys.
func SortKeys(keys []PublicKey) []PublicKey {
	seen := make(map[PublicKey]struct{}, len(keys))
	out := make([]PublicKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare([]byte(out[i]), []byte(out[j])) < 0 })
	return out
}

// ContainsKey reports whether key is in keys.
func ContainsKey(keys []PublicKey, key PublicKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// TxHash is the content hash of an encrypted transaction (raw digest bytes).
type TxHash string

// ParseTxHash decodes a base64 transaction hash.
func ParseTxHash(encoded string) (TxHash, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil || len(raw) == 0 {
		return "", &ValidationError{Field: "hash", Reason: "transaction hash must be non-empty base64"}
	}
	return TxHash(raw), nil
}

func (h TxHash) Bytes() []byte { return []byte(h) }

func (h TxHash) String() string {
	return base64.StdEncoding.EncodeToString([]byte(h))
}

func (h TxHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *TxHash) UnmarshalText(text []byte) error {
	parsed, err := ParseTxHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// SortHashes returns a sorted, de-duplicated copy of hashes in ascending byte order.
func SortHashes(hashes []TxHash) []TxHash {
	seen := make(map[TxHash]struct{}, len(hashes))
	out := make([]TxHash, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
