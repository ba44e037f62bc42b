package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"privrelay/internal/domain"
	"privrelay/internal/payload"
)

// Directory decides whether a recipient is entitled to a payload.
type Directory interface {
	Eligible(ctx context.Context, recipient domain.PublicKey, p domain.EncodedPayload) (bool, error)
}

// Enclave seals the master key of a payload for a recipient that has no box yet.
type Enclave interface {
	CreateNewRecipientBox(ctx context.Context, p domain.EncodedPayload, recipient domain.PublicKey) ([]byte, error)
}

// Publisher delivers prepared payloads to the node serving recipient in one push.
type Publisher interface {
	PublishBatch(ctx context.Context, recipient domain.PublicKey, payloads []domain.EncodedPayload) error
}

// TransactionLookup resolves stored transactions by hash.
type TransactionLookup interface {
	GetTransaction(ctx context.Context, hash domain.TxHash) (domain.EncryptedTransaction, error)
}

// Stage is one step of the workflow. A stage either returns the context still pending or
// moves it to a final state. A non-nil error means a collaborator store is unavailable and
// the whole resend operation must stop.
type Stage interface {
	Name() string
	Execute(ctx context.Context, c BatchWorkflowContext) (BatchWorkflowContext, error)
}

// storeFailure marks err as ErrStoreUnavailable unless it already is.
func storeFailure(what string, err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return domain.Unavailable(what, err)
}

type decodeStage struct{}

func (decodeStage) Name() string { return "decode" }

func (decodeStage) Execute(_ context.Context, c BatchWorkflowContext) (BatchWorkflowContext, error) {
	p, err := payload.Decode(c.Transaction().EncodedPayload)
	if err != nil {
		return c.Fail(fmt.Errorf("decode stored payload: %w", err)), nil
	}
	return c.WithPayload(p), nil
}

type eligibilityStage struct {
	directory Directory
}

func (eligibilityStage) Name() string { return "eligibility" }

func (s eligibilityStage) Execute(ctx context.Context, c BatchWorkflowContext) (BatchWorkflowContext, error) {
	p, _ := c.Payload()
	ok, err := s.directory.Eligible(ctx, c.Recipient(), p)
	if err != nil {
		return c, storeFailure("eligibility", err)
	}
	if !ok {
		return c.Skip("recipient is not a party to the transaction"), nil
	}
	return c, nil
}

type prepareStage struct {
	enclave      Enclave
	transactions TransactionLookup
}

func (prepareStage) Name() string { return "prepare" }

func (s prepareStage) Execute(ctx context.Context, c BatchWorkflowContext) (BatchWorkflowContext, error) {
	p, _ := c.Payload()
	recipient := c.Recipient()
	if p.SenderKey == recipient {
		return c.WithPayload(p), nil
	}

	out, ok := p.ForRecipient(recipient)
	if !ok {
		box, err := s.enclave.CreateNewRecipientBox(ctx, p, recipient)
		if err != nil {
			return c.Fail(fmt.Errorf("create recipient box: %w", err)), nil
		}
		out = p.WithRecipientBox(recipient, box)
	}

	if len(out.AffectedContractTransactions) > 0 {
		party, err := s.partyTo(ctx, recipient, out.AffectedContractTransactions)
		if err != nil {
			return c, err
		}
		out = out.WithAffected(func(h domain.TxHash) bool { return party[h] })
	}
	return c.WithPayload(out), nil
}

func (s prepareStage) partyTo(ctx context.Context, recipient domain.PublicKey, affected map[domain.TxHash][]byte) (map[domain.TxHash]bool, error) {
	out := make(map[domain.TxHash]bool, len(affected))
	for h := range affected {
		tx, err := s.transactions.GetTransaction(ctx, h)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storeFailure("lookup affected "+h.String(), err)
		}
		dep, err := payload.Decode(tx.EncodedPayload)
		if err != nil {
			continue
		}
		out[h] = dep.SenderKey == recipient || dep.RecipientIndex(recipient) >= 0
	}
	return out, nil
}

// Workflow runs contexts through its stages for a single resend operation. Prepared
// payloads are buffered per recipient and pushed once the buffer holds BatchSize entries;
// Flush pushes whatever is left.
type Workflow struct {
	stages         []Stage
	publisher      Publisher
	estimatedTotal int64
	log            zerolog.Logger

	mu      sync.Mutex
	pending map[domain.PublicKey][]BatchWorkflowContext

	published atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	pushes    atomic.Int64
}

// Execute drives c through every stage. A context that passes every stage is queued for
// publishing and returned still pending, unless its arrival filled the batch, in which case
// it is returned with the outcome of the push. The error is non-nil only when a store is
// unavailable.
func (w *Workflow) Execute(ctx context.Context, c BatchWorkflowContext) (BatchWorkflowContext, error) {
	for _, stage := range w.stages {
		if c.Done() {
			break
		}
		var err error
		if c, err = stage.Execute(ctx, c); err != nil {
			return c.Fail(err), fmt.Errorf("%s stage: %w", stage.Name(), err)
		}
	}
	switch c.State() {
	case Skipped:
		w.skipped.Add(1)
		return c, nil
	case Failed:
		w.failed.Add(1)
		w.log.Warn().
			Str("hash", c.Transaction().Hash.String()).
			Str("recipient", c.Recipient().String()).
			Str("reason", c.Reason()).
			Msg("resend transaction failed")
		return c, nil
	}

	w.mu.Lock()
	queue := append(w.pending[c.Recipient()], c)
	if len(queue) < max(c.BatchSize(), 1) {
		w.pending[c.Recipient()] = queue
		w.mu.Unlock()
		return c, nil
	}
	delete(w.pending, c.Recipient())
	w.mu.Unlock()

	done := w.push(ctx, c.Recipient(), queue)
	return done[len(done)-1], nil
}

// Flush pushes every buffered payload. Push failures are counted, not returned.
func (w *Workflow) Flush(ctx context.Context) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[domain.PublicKey][]BatchWorkflowContext)
	w.mu.Unlock()

	recipients := make([]domain.PublicKey, 0, len(pending))
	for r := range pending {
		recipients = append(recipients, r)
	}
	for _, r := range domain.SortKeys(recipients) {
		w.push(ctx, r, pending[r])
	}
}

func (w *Workflow) push(ctx context.Context, recipient domain.PublicKey, queue []BatchWorkflowContext) []BatchWorkflowContext {
	payloads := make([]domain.EncodedPayload, len(queue))
	for i, c := range queue {
		payloads[i], _ = c.Payload()
	}
	w.pushes.Add(1)
	err := w.publisher.PublishBatch(ctx, recipient, payloads)
	out := make([]BatchWorkflowContext, len(queue))
	for i, c := range queue {
		if err != nil {
			out[i] = c.Fail(fmt.Errorf("publish: %w", err))
		} else {
			out[i] = c.Publish()
		}
	}
	if err != nil {
		w.failed.Add(int64(len(queue)))
		w.log.Warn().Err(err).
			Str("recipient", recipient.String()).
			Int("payloads", len(queue)).
			Msg("resend push failed")
		return out
	}
	w.published.Add(int64(len(queue)))
	return out
}

func (w *Workflow) PublishedMessageCount() int64 { return w.published.Load() }
func (w *Workflow) SkippedMessageCount() int64   { return w.skipped.Load() }
func (w *Workflow) FailedMessageCount() int64    { return w.failed.Load() }
func (w *Workflow) PushCount() int64             { return w.pushes.Load() }
func (w *Workflow) EstimatedTotal() int64        { return w.estimatedTotal }

// WorkflowFactory builds one Workflow per resend operation.
type WorkflowFactory struct {
	Directory    Directory
	Enclave      Enclave
	Transactions TransactionLookup
	Publisher    Publisher
	Log          zerolog.Logger
}

// Create returns a workflow with zeroed counters.
func (f *WorkflowFactory) Create(estimatedTotal int64) *Workflow {
	return &Workflow{
		stages: []Stage{
			decodeStage{},
			eligibilityStage{directory: f.Directory},
			prepareStage{enclave: f.Enclave, transactions: f.Transactions},
		},
		publisher:      f.Publisher,
		estimatedTotal: estimatedTotal,
		log:            f.Log,
		pending:        make(map[domain.PublicKey][]BatchWorkflowContext),
	}
}
