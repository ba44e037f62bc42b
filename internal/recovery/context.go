package recovery

import (
	"privrelay/internal/domain"
)

// State is the outcome of one transaction within a resend operation.
type State int

const (
	Pending State = iota
	Published
	Skipped
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Published:
		return "PUBLISHED"
	case Skipped:
		return "SKIPPED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// BatchWorkflowContext carries one stored transaction through the workflow on behalf of one
// recipient. Every transition returns a new value; once the state leaves Pending it is final.
type BatchWorkflowContext struct {
	transaction domain.EncryptedTransaction
	recipient   domain.PublicKey
	batchSize   int
	payload     domain.EncodedPayload
	decoded     bool
	state       State
	reason      string
	err         error
}

func NewBatchWorkflowContext(tx domain.EncryptedTransaction, recipient domain.PublicKey, batchSize int) BatchWorkflowContext {
	return BatchWorkflowContext{transaction: tx, recipient: recipient, batchSize: batchSize}
}

func (c BatchWorkflowContext) Transaction() domain.EncryptedTransaction { return c.transaction }
func (c BatchWorkflowContext) Recipient() domain.PublicKey              { return c.recipient }
func (c BatchWorkflowContext) BatchSize() int                           { return c.batchSize }
func (c BatchWorkflowContext) State() State                             { return c.state }
func (c BatchWorkflowContext) Reason() string                           { return c.reason }
func (c BatchWorkflowContext) Err() error                               { return c.err }
func (c BatchWorkflowContext) Done() bool                               { return c.state != Pending }

// Payload returns the payload prepared so far and whether one has been decoded.
func (c BatchWorkflowContext) Payload() (domain.EncodedPayload, bool) {
	return c.payload, c.decoded
}

// WithPayload replaces the working payload of a pending context.
func (c BatchWorkflowContext) WithPayload(p domain.EncodedPayload) BatchWorkflowContext {
	if c.Done() {
		return c
	}
	c.payload = p
	c.decoded = true
	return c
}

func (c BatchWorkflowContext) Skip(reason string) BatchWorkflowContext {
	if c.Done() {
		return c
	}
	c.state = Skipped
	c.reason = reason
	return c
}

func (c BatchWorkflowContext) Fail(err error) BatchWorkflowContext {
	if c.Done() {
		return c
	}
	c.state = Failed
	c.err = err
	if err != nil {
		c.reason = err.Error()
	}
	return c
}

func (c BatchWorkflowContext) Publish() BatchWorkflowContext {
	if c.Done() {
		return c
	}
	c.state = Published
	return c
}
