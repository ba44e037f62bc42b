package recovery_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"privrelay/internal/domain"
	"privrelay/internal/payload"
	"privrelay/internal/recovery"
)

var (
	alice = domain.PublicKey("alice-key")
	bob   = domain.PublicKey("bob-key")
	carol = domain.PublicKey("carol-key")
)

func encode(t *testing.T, p domain.EncodedPayload) []byte {
	t.Helper()
	raw, err := payload.Encode(p)
	require.NoError(t, err)
	return raw
}

// storedTx builds a stored transaction sent by sender to recipients.
func storedTx(t *testing.T, cipher string, sender domain.PublicKey, recipients ...domain.PublicKey) domain.EncryptedTransaction {
	t.Helper()
	p := domain.EncodedPayload{
		SenderKey:   sender,
		CipherText:  []byte(cipher),
		PrivacyMode: domain.StandardPrivate,
	}
	for _, r := range recipients {
		p.RecipientKeys = append(p.RecipientKeys, r)
		p.RecipientBoxes = append(p.RecipientBoxes, []byte("box-"+string(r)))
	}
	tx, err := payload.ToEncryptedTransaction(p, time.Now())
	require.NoError(t, err)
	return tx
}

type fakeTransactions struct {
	mu       sync.Mutex
	txs      []domain.EncryptedTransaction
	fetches  int
	calls    int
	countErr error
	pageErr  error
	getErr   error
}

func (f *fakeTransactions) TransactionCount(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.countErr != nil {
		return 0, f.countErr
	}
	return int64(len(f.txs)), nil
}

func (f *fakeTransactions) RetrieveTransactions(_ context.Context, offset, limit int) ([]domain.EncryptedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.fetches++
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	if offset >= len(f.txs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.txs) {
		end = len(f.txs)
	}
	return append([]domain.EncryptedTransaction(nil), f.txs[offset:end]...), nil
}

func (f *fakeTransactions) GetTransaction(_ context.Context, hash domain.TxHash) (domain.EncryptedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.EncryptedTransaction{}, f.getErr
	}
	for _, tx := range f.txs {
		if tx.Hash == hash {
			return tx, nil
		}
	}
	return domain.EncryptedTransaction{}, domain.ErrNotFound
}

// partyDirectory treats senders, recipients and listed group members as eligible.
type partyDirectory struct {
	groups map[domain.PublicKey][]domain.PublicKey
	err    error
}

func (d partyDirectory) Eligible(_ context.Context, recipient domain.PublicKey, p domain.EncodedPayload) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if p.SenderKey == recipient || p.RecipientIndex(recipient) >= 0 {
		return true, nil
	}
	return domain.ContainsKey(d.groups[p.PrivacyGroupID], recipient), nil
}

type fakeEnclave struct {
	err   error
	calls int
}

func (e *fakeEnclave) CreateNewRecipientBox(_ context.Context, _ domain.EncodedPayload, recipient domain.PublicKey) ([]byte, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []byte("new-box-" + string(recipient)), nil
}

type sent struct {
	payload   domain.EncodedPayload
	recipient domain.PublicKey
}

type fakePublisher struct {
	mu     sync.Mutex
	sent   []sent
	pushes [][]domain.EncodedPayload
	failOn map[string]bool
}

// PublishBatch fails the whole batch when any payload's cipher text is in failOn.
func (p *fakePublisher) PublishBatch(_ context.Context, recipient domain.PublicKey, payloads []domain.EncodedPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pl := range payloads {
		if p.failOn[string(pl.CipherText)] {
			return fmt.Errorf("peer for %s unreachable", recipient)
		}
	}
	p.pushes = append(p.pushes, payloads)
	for _, pl := range payloads {
		p.sent = append(p.sent, sent{payload: pl, recipient: recipient})
	}
	return nil
}

func newFactory(txs *fakeTransactions, dir recovery.Directory, enc recovery.Enclave, pub recovery.Publisher) *recovery.WorkflowFactory {
	return &recovery.WorkflowFactory{
		Directory:    dir,
		Enclave:      enc,
		Transactions: txs,
		Publisher:    pub,
		Log:          zerolog.Nop(),
	}
}

func stagingHash(p domain.EncodedPayload) (domain.TxHash, error) {
	return payload.Hash(p)
}
