package recovery_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privrelay/internal/db"
	"privrelay/internal/domain"
	"privrelay/internal/migrate"
	"privrelay/internal/payload"
	"privrelay/internal/recovery"
	"privrelay/internal/repo"
)

func TestValidateBatchSize(t *testing.T) {
	cases := []struct{ requested, want int }{
		{0, 50},
		{-5, 50},
		{200, 50},
		{51, 50},
		{30, 30},
		{1, 1},
		{50, 50},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, recovery.ValidateBatchSize(tc.requested, 50), "requested %d", tc.requested)
	}
}

func TestCalculateBatchCount(t *testing.T) {
	assert.EqualValues(t, 10, recovery.CalculateBatchCount(10, 95))
	assert.EqualValues(t, 10, recovery.CalculateBatchCount(10, 100))
	assert.EqualValues(t, 11, recovery.CalculateBatchCount(10, 101))
	assert.EqualValues(t, 1, recovery.CalculateBatchCount(10, 1))
	assert.EqualValues(t, 0, recovery.CalculateBatchCount(10, 0))
}

func newManager(txs *fakeTransactions, staging recovery.StagingStore, pub recovery.Publisher, maxResults int) *recovery.BatchResendManager {
	return recovery.NewBatchResendManager(recovery.ManagerConfig{
		Transactions: txs,
		Staging:      staging,
		Factory:      newFactory(txs, partyDirectory{}, &fakeEnclave{}, pub),
		Log:          zerolog.Nop(),
		MaxResults:   maxResults,
	})
}

func TestResendBatch_PageFetches(t *testing.T) {
	const maxResults = 4
	for _, total := range []int{0, 3, 4, 8, 9, 13} {
		t.Run(fmt.Sprint(total), func(t *testing.T) {
			txs := &fakeTransactions{}
			for i := 0; i < total; i++ {
				txs.txs = append(txs.txs, storedTx(t, fmt.Sprintf("cipher-%d", i), alice, bob))
			}
			pub := &fakePublisher{}
			m := newManager(txs, nil, pub, maxResults)

			resp, err := m.ResendBatch(context.Background(), domain.ResendBatchRequest{PublicKey: bob.String(), BatchSize: 100})
			require.NoError(t, err)

			k, r := total/maxResults, total%maxResults
			wantFetches := k
			if r > 0 {
				wantFetches++
			}
			assert.Equal(t, wantFetches, txs.fetches)
			assert.EqualValues(t, total, resp.Total)
			assert.Len(t, pub.sent, total)
			// batch size 100 is clamped to maxResults
			assert.Len(t, pub.pushes, wantFetches)
		})
	}
}

func TestResendBatch_PartialPublishFailure(t *testing.T) {
	txs := &fakeTransactions{}
	for i := 0; i < 5; i++ {
		txs.txs = append(txs.txs, storedTx(t, fmt.Sprintf("c%d", i), alice, bob))
	}
	txs.txs = append(txs.txs, storedTx(t, "not-for-bob", alice, carol))
	pub := &fakePublisher{failOn: map[string]bool{"c1": true}}
	m := newManager(txs, nil, pub, 2)

	// batches are [c0 c1] (rejected), [c2 c3], [c4]
	resp, err := m.ResendBatch(context.Background(), domain.ResendBatchRequest{PublicKey: bob.String(), BatchSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, resp.Total)
	assert.Equal(t, 3, txs.fetches)
	assert.Len(t, pub.pushes, 2)
}

func TestResendBatch_PushesBatchesOfRequestedSize(t *testing.T) {
	for _, tc := range []struct{ eligible, batchSize, wantPushes int }{
		{7, 3, 3},
		{6, 3, 2},
		{1, 5, 1},
		{0, 5, 0},
		{10, 1, 10},
	} {
		t.Run(fmt.Sprintf("%d/%d", tc.eligible, tc.batchSize), func(t *testing.T) {
			txs := &fakeTransactions{}
			for i := 0; i < tc.eligible; i++ {
				txs.txs = append(txs.txs, storedTx(t, fmt.Sprintf("bob-%d", i), alice, bob))
				txs.txs = append(txs.txs, storedTx(t, fmt.Sprintf("carol-%d", i), alice, carol))
			}
			pub := &fakePublisher{}
			m := newManager(txs, nil, pub, 4)

			resp, err := m.ResendBatch(context.Background(), domain.ResendBatchRequest{PublicKey: bob.String(), BatchSize: tc.batchSize})
			require.NoError(t, err)
			assert.EqualValues(t, tc.eligible, resp.Total)
			require.Len(t, pub.pushes, tc.wantPushes)
			for i, batch := range pub.pushes {
				assert.LessOrEqual(t, len(batch), tc.batchSize, "push %d", i)
			}
			for _, s := range pub.sent {
				assert.Equal(t, bob, s.recipient)
			}
		})
	}
}

func TestResendBatch_CollaboratorStoreFailureIsFatal(t *testing.T) {
	txs := &fakeTransactions{txs: []domain.EncryptedTransaction{
		storedTx(t, "c0", alice, bob),
		storedTx(t, "c1", alice, bob),
	}}
	pub := &fakePublisher{}
	m := recovery.NewBatchResendManager(recovery.ManagerConfig{
		Transactions: txs,
		Factory: newFactory(txs, partyDirectory{err: domain.Unavailable("recipients", errors.New("database is locked"))},
			&fakeEnclave{}, pub),
		Log:        zerolog.Nop(),
		MaxResults: 10,
	})

	resp, err := m.ResendBatch(context.Background(), domain.ResendBatchRequest{PublicKey: bob.String(), BatchSize: 10})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Zero(t, resp.Total)
	assert.Empty(t, pub.pushes)
}

func TestResendBatch_MalformedKeyTouchesNoStore(t *testing.T) {
	txs := &fakeTransactions{}
	m := newManager(txs, nil, &fakePublisher{}, 10)

	for _, key := range []string{"", "%%%"} {
		_, err := m.ResendBatch(context.Background(), domain.ResendBatchRequest{PublicKey: key})
		var verr *domain.ValidationError
		require.True(t, errors.As(err, &verr), "key %q", key)
	}
	assert.Zero(t, txs.calls)
}

func TestResendBatch_StoreFailureIsFatal(t *testing.T) {
	txs := &fakeTransactions{countErr: errors.New("connection refused")}
	m := newManager(txs, nil, &fakePublisher{}, 10)
	_, err := m.ResendBatch(context.Background(), domain.ResendBatchRequest{PublicKey: bob.String()})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	txs = &fakeTransactions{txs: []domain.EncryptedTransaction{storedTx(t, "c", alice, bob)}, pageErr: errors.New("io")}
	m = newManager(txs, nil, &fakePublisher{}, 10)
	_, err = m.ResendBatch(context.Background(), domain.ResendBatchRequest{PublicKey: bob.String()})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestResendBatch_IgnoresCancellation(t *testing.T) {
	txs := &fakeTransactions{txs: []domain.EncryptedTransaction{storedTx(t, "c", alice, bob)}}
	pub := &fakePublisher{}
	m := newManager(txs, nil, pub, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := m.ResendBatch(ctx, domain.ResendBatchRequest{PublicKey: bob.String()})
	require.NoError(t, err)
	assert.EqualValues(t, 1, resp.Total)
}

func newStagingRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func pushPayloads(t *testing.T, prefix string, n int) [][]byte {
	t.Helper()
	out := make([][]byte, n)
	for i := range out {
		out[i] = encode(t, domain.EncodedPayload{
			SenderKey:      alice,
			CipherText:     []byte(fmt.Sprintf("%s-%d", prefix, i)),
			RecipientKeys:  []domain.PublicKey{bob},
			RecipientBoxes: [][]byte{[]byte("box")},
			PrivacyMode:    domain.StandardPrivate,
		})
	}
	return out
}

func TestStoreResendBatch_DuplicatePushIsNoop(t *testing.T) {
	ctx := context.Background()
	r := newStagingRepo(t)
	m := newManager(&fakeTransactions{}, r, &fakePublisher{}, 10)
	req := domain.PushBatchRequest{EncodedPayloads: pushPayloads(t, "p", 3)}

	res, err := m.StoreResendBatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, recovery.StoreResult{Stored: 3}, res)
	first, err := r.ListStaging(ctx, repo.StagingFilters{})
	require.NoError(t, err)

	res, err = m.StoreResendBatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, recovery.StoreResult{Duplicates: 3}, res)
	second, err := r.ListStaging(ctx, repo.StagingFilters{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStoreResendBatch_MalformedPayloadRejectsRequest(t *testing.T) {
	ctx := context.Background()
	r := newStagingRepo(t)
	m := newManager(&fakeTransactions{}, r, &fakePublisher{}, 10)
	payloads := pushPayloads(t, "p", 2)
	payloads = append(payloads, []byte("not a payload"))

	_, err := m.StoreResendBatch(ctx, domain.PushBatchRequest{EncodedPayloads: payloads})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))

	staged, err := r.ListStaging(ctx, repo.StagingFilters{})
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func cipherOf(t *testing.T, raw []byte) string {
	t.Helper()
	p, err := payload.Decode(raw)
	require.NoError(t, err)
	return string(p.CipherText)
}

func TestStoreResendBatch_ConcurrentPushesDoNotInterleave(t *testing.T) {
	ctx := context.Background()
	r := newStagingRepo(t)
	m := newManager(&fakeTransactions{}, r, &fakePublisher{}, 10)

	const peers, perBatch, rounds = 4, 6, 5
	var requests []domain.PushBatchRequest
	for p := 0; p < peers; p++ {
		for round := 0; round < rounds; round++ {
			prefix := fmt.Sprintf("peer%d-round%d", p, round)
			requests = append(requests, domain.PushBatchRequest{EncodedPayloads: pushPayloads(t, prefix, perBatch)})
		}
	}

	var wg sync.WaitGroup
	for _, req := range requests {
		wg.Add(1)
		go func(req domain.PushBatchRequest) {
			defer wg.Done()
			_, err := m.StoreResendBatch(ctx, req)
			assert.NoError(t, err)
		}(req)
	}
	wg.Wait()

	staged, err := r.ListStaging(ctx, repo.StagingFilters{})
	require.NoError(t, err)
	require.Len(t, staged, len(requests)*perBatch)

	for k := 1; k < len(staged); k++ {
		assert.Equal(t, staged[k-1].Sequence+1, staged[k].Sequence)
	}
	// every batch occupies a contiguous run of sequences in request order
	for i := 0; i < len(staged); i += perBatch {
		head := cipherOf(t, staged[i].Payload)
		require.True(t, strings.HasSuffix(head, "-0"), head)
		prefix := strings.TrimSuffix(head, "-0")
		for j := 0; j < perBatch; j++ {
			assert.Equal(t, fmt.Sprintf("%s-%d", prefix, j), cipherOf(t, staged[i+j].Payload))
		}
	}
}
