// Package digest computes the content hashes used as identifiers across the node.
package digest

import (
	"fmt"

	"github.com/multiformats/go-multihash"
	_ "github.com/multiformats/go-multihash/register/sha3"

	"privrelay/internal/domain"
)

// Sum512 returns the raw SHA3-512 digest of data.
func Sum512(data []byte) ([]byte, error) {
	return sum(data, multihash.SHA3_512)
}

// Sum256 returns the raw SHA3-256 digest of data.
func Sum256(data []byte) ([]byte, error) {
	return sum(data, multihash.SHA3_256)
}

// TransactionHash is the SHA3-512 digest of a cipher text.
func TransactionHash(cipherText []byte) (domain.TxHash, error) {
	d, err := Sum512(cipherText)
	if err != nil {
		return "", err
	}
	return domain.TxHash(d), nil
}

func sum(data []byte, code uint64) ([]byte, error) {
	mh, err := multihash.Sum(data, code, -1)
	if err != nil {
		return nil, fmt.Errorf("multihash sum: %w", err)
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return nil, fmt.Errorf("multihash decode: %w", err)
	}
	return decoded.Digest, nil
}
