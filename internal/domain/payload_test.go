package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privrelay/internal/domain"
)

func samplePayload() domain.EncodedPayload {
	return domain.EncodedPayload{
		SenderKey:      "sender",
		CipherText:     []byte("cipher"),
		RecipientKeys:  []domain.PublicKey{"alice", "bob"},
		RecipientBoxes: [][]byte{[]byte("box-alice"), []byte("box-bob")},
		PrivacyMode:    domain.PartyProtection,
		AffectedContractTransactions: map[domain.TxHash][]byte{
			"dep-1": []byte("sec-1"),
			"dep-2": []byte("sec-2"),
		},
	}
}

func TestEncodedPayload_ForRecipient(t *testing.T) {
	p := samplePayload()

	bob, ok := p.ForRecipient("bob")
	require.True(t, ok)
	assert.Equal(t, []domain.PublicKey{"bob"}, bob.RecipientKeys)
	assert.Equal(t, [][]byte{[]byte("box-bob")}, bob.RecipientBoxes)
	assert.Len(t, p.RecipientKeys, 2, "original must not change")

	_, ok = p.ForRecipient("carol")
	assert.False(t, ok)
}

func TestEncodedPayload_WithAffected(t *testing.T) {
	p := samplePayload()
	filtered := p.WithAffected(func(h domain.TxHash) bool { return h == "dep-2" })

	assert.Len(t, filtered.AffectedContractTransactions, 1)
	assert.Contains(t, filtered.AffectedContractTransactions, domain.TxHash("dep-2"))
	assert.Len(t, p.AffectedContractTransactions, 2)
}

func TestEncodedPayload_MetaData(t *testing.T) {
	p := samplePayload()
	md, err := p.MetaData()
	require.NoError(t, err)
	assert.Equal(t, domain.PartyProtection, md.PrivacyMode())
	assert.Equal(t, []domain.TxHash{"dep-1", "dep-2"}, md.AffectedContractTransactions())

	p.ExecHash = []byte("exec")
	_, err = p.MetaData()
	assert.Error(t, err)
}
