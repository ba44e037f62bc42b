// Package recovery resends stored transactions to peers that lost them and stages the
// batches peers push back.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"privrelay/internal/domain"
	"privrelay/internal/events"
	"privrelay/internal/payload"
)

// TransactionStore pages through stored encrypted transactions.
type TransactionStore interface {
	TransactionCount(ctx context.Context) (int64, error)
	RetrieveTransactions(ctx context.Context, offset, limit int) ([]domain.EncryptedTransaction, error)
}

// StagingStore persists pushed transactions. Save reports false for a hash already staged.
type StagingStore interface {
	SaveStaging(ctx context.Context, t domain.StagingTransaction) (bool, error)
}

type ManagerConfig struct {
	Transactions TransactionStore
	Staging      StagingStore
	Factory      *WorkflowFactory
	Events       events.Writer
	Log          zerolog.Logger
	MaxResults   int
	Now          func() time.Time
}

// BatchResendManager answers resend requests by paging the transaction store through a
// workflow, and ingests pushed batches into staging one request at a time.
type BatchResendManager struct {
	transactions TransactionStore
	staging      StagingStore
	factory      *WorkflowFactory
	events       events.Writer
	log          zerolog.Logger
	maxResults   int
	now          func() time.Time

	mu sync.Mutex
}

func NewBatchResendManager(cfg ManagerConfig) *BatchResendManager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxResults < 1 {
		cfg.MaxResults = 1
	}
	return &BatchResendManager{
		transactions: cfg.Transactions,
		staging:      cfg.Staging,
		factory:      cfg.Factory,
		events:       cfg.Events,
		log:          cfg.Log,
		maxResults:   cfg.MaxResults,
		now:          cfg.Now,
	}
}

func (m *BatchResendManager) MaxResults() int { return m.maxResults }

// ValidateBatchSize replaces any requested size outside [1, maxResults] with maxResults.
func ValidateBatchSize(requested, maxResults int) int {
	if requested < 1 || requested > maxResults {
		return maxResults
	}
	return requested
}

// CalculateBatchCount returns ceil(total / maxResults).
func CalculateBatchCount(maxResults int, total int64) int64 {
	if maxResults < 1 || total <= 0 {
		return 0
	}
	size := int64(maxResults)
	return (total + size - 1) / size
}

// ResendBatch publishes every stored transaction the requested key is entitled to, pushed to
// the recipient's node in batches of the clamped batch size. The operation ignores
// cancellation of ctx once started; only store failures abort it.
func (m *BatchResendManager) ResendBatch(ctx context.Context, req domain.ResendBatchRequest) (domain.ResendBatchResponse, error) {
	recipient, err := domain.ParsePublicKey(req.PublicKey)
	if err != nil {
		return domain.ResendBatchResponse{}, err
	}
	ctx = context.WithoutCancel(ctx)
	batchSize := ValidateBatchSize(req.BatchSize, m.maxResults)
	opID := uuid.NewString()
	log := m.log.With().Str("resend_id", opID).Str("recipient", recipient.String()).Logger()

	total, err := m.transactions.TransactionCount(ctx)
	if err != nil {
		return domain.ResendBatchResponse{}, domain.Unavailable("count transactions", err)
	}
	batchCount := CalculateBatchCount(m.maxResults, total)
	workflow := m.factory.Create(total)
	log.Info().Int64("total", total).Int64("batches", batchCount).Int("batch_size", batchSize).Msg("resend started")

	for i := int64(0); i < batchCount; i++ {
		page, err := m.transactions.RetrieveTransactions(ctx, int(i)*m.maxResults, m.maxResults)
		if err != nil {
			return domain.ResendBatchResponse{}, domain.Unavailable("retrieve transactions", err)
		}
		for _, tx := range page {
			if _, err := workflow.Execute(ctx, NewBatchWorkflowContext(tx, recipient, batchSize)); err != nil {
				log.Error().Err(err).Str("hash", tx.Hash.String()).Msg("resend aborted")
				return domain.ResendBatchResponse{}, err
			}
		}
	}
	workflow.Flush(ctx)

	published := workflow.PublishedMessageCount()
	log.Info().
		Int64("published", published).
		Int64("skipped", workflow.SkippedMessageCount()).
		Int64("failed", workflow.FailedMessageCount()).
		Int64("pushes", workflow.PushCount()).
		Msg("resend completed")
	if err := m.events.Append(ctx, nil, events.Event{
		Type:       events.ResendCompleted,
		EntityKind: "resend",
		EntityID:   opID,
		ActorID:    recipient.String(),
		Payload: events.EventPayload{
			"total":     total,
			"published": published,
			"skipped":   workflow.SkippedMessageCount(),
			"failed":    workflow.FailedMessageCount(),
			"pushes":    workflow.PushCount(),
		},
	}); err != nil {
		log.Warn().Err(err).Msg("append resend event")
	}
	return domain.ResendBatchResponse{Total: published}, nil
}

// StoreResult counts what one pushed batch added to staging.
type StoreResult struct {
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
}

// StoreResendBatch stages every payload of req in request order. The whole request is
// rejected with a validation error if any payload fails to decode. Payloads whose hash is
// already staged are ignored.
func (m *BatchResendManager) StoreResendBatch(ctx context.Context, req domain.PushBatchRequest) (StoreResult, error) {
	staged := make([]domain.StagingTransaction, 0, len(req.EncodedPayloads))
	now := m.now()
	for _, raw := range req.EncodedPayloads {
		t, err := payload.ToStaging(raw, now)
		if err != nil {
			return StoreResult{}, err
		}
		staged = append(staged, t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var res StoreResult
	for _, t := range staged {
		inserted, err := m.staging.SaveStaging(ctx, t)
		if err != nil {
			return res, domain.Unavailable("save staging", err)
		}
		if inserted {
			res.Stored++
		} else {
			res.Duplicates++
		}
	}
	m.log.Debug().Int("stored", res.Stored).Int("duplicates", res.Duplicates).Msg("push batch staged")
	if err := m.events.Append(ctx, nil, events.Event{
		Type:       events.PushBatchStored,
		EntityKind: "staging",
		Payload:    events.EventPayload{"stored": res.Stored, "duplicates": res.Duplicates},
	}); err != nil {
		m.log.Warn().Err(err).Msg("append push event")
	}
	return res, nil
}
