package recovery

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"privrelay/internal/domain"
	"privrelay/internal/events"
	"privrelay/internal/resolver"
)

// PeerClient asks a remote node to resend everything it holds for a key.
type PeerClient interface {
	ResendBatch(ctx context.Context, peerURL string, req domain.ResendBatchRequest) (domain.ResendBatchResponse, error)
}

// KeySource lists the keys this node recovers transactions for.
type KeySource interface {
	PublicKeys(ctx context.Context) ([]domain.PublicKey, error)
}

// Promoter moves resolved staged transactions into the transaction store.
type Promoter interface {
	PromoteResolved(ctx context.Context) (int64, error)
}

// Recovery rebuilds the local transaction store from peers: it requests a resend for every
// local key from every peer, resolves what they pushed into staging, then promotes the
// valid transactions.
type Recovery struct {
	Peers       []string
	Keys        KeySource
	Client      PeerClient
	Resolver    *resolver.Resolver
	Promoter    Promoter
	BatchSize   int
	Concurrency int
	MaxPasses   int
	Events      events.Writer
	Log         zerolog.Logger
}

type PeerResult struct {
	Peer      string `json:"peer"`
	Key       string `json:"key"`
	Published int64  `json:"published"`
	Error     string `json:"error,omitempty"`
}

type Report struct {
	Requests []PeerResult          `json:"requests"`
	Passes   []resolver.PassResult `json:"passes"`
	Promoted int64                 `json:"promoted"`
}

func (r Report) Failed() int {
	n := 0
	for _, req := range r.Requests {
		if req.Error != "" {
			n++
		}
	}
	return n
}

// Run performs one recovery. Unreachable peers are reported but do not stop the run.
func (r *Recovery) Run(ctx context.Context) (Report, error) {
	keys, err := r.Keys.PublicKeys(ctx)
	if err != nil {
		return Report{}, domain.Unavailable("local keys", err)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, peer := range r.Peers {
		for _, key := range keys {
			g.Go(func() error {
				res := PeerResult{Peer: peer, Key: key.String()}
				resp, err := r.Client.ResendBatch(gctx, peer, domain.ResendBatchRequest{PublicKey: key.String(), BatchSize: r.BatchSize})
				if err != nil {
					res.Error = err.Error()
					r.Log.Warn().Err(err).Str("peer", peer).Str("key", res.Key).Msg("resend request failed")
				} else {
					res.Published = resp.Total
				}
				mu.Lock()
				report.Requests = append(report.Requests, res)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	settled, err := Settle(ctx, r.Resolver, r.Promoter, r.MaxPasses, r.Events, r.Log)
	report.Passes = settled.Passes
	report.Promoted = settled.Promoted
	if err != nil {
		return report, err
	}
	r.Log.Info().
		Int("requests", len(report.Requests)).
		Int("failed", report.Failed()).
		Int("passes", len(report.Passes)).
		Int64("promoted", report.Promoted).
		Msg("recovery completed")
	if err := r.Events.Append(ctx, nil, events.Event{
		Type:       events.RecoveryCompleted,
		EntityKind: "recovery",
		Payload: events.EventPayload{
			"requests": len(report.Requests),
			"failed":   report.Failed(),
			"passes":   len(report.Passes),
			"promoted": report.Promoted,
		},
	}); err != nil {
		r.Log.Warn().Err(err).Msg("append recovery event")
	}
	return report, nil
}

// Settlement is the outcome of resolving staging and promoting what resolved valid.
type Settlement struct {
	Passes   []resolver.PassResult `json:"passes"`
	Promoted int64                 `json:"promoted"`
}

// Settle runs resolution passes until one makes no progress, then promotes every
// RESOLVED_VALID staged transaction into the transaction store.
func Settle(ctx context.Context, res *resolver.Resolver, promoter Promoter, maxPasses int, ev events.Writer, log zerolog.Logger) (Settlement, error) {
	if maxPasses < 1 {
		maxPasses = 1
	}
	passes, err := res.Run(ctx, maxPasses)
	out := Settlement{Passes: passes}
	if err != nil {
		return out, err
	}
	promoted, err := promoter.PromoteResolved(ctx)
	if err != nil {
		return out, domain.Unavailable("promote staging", err)
	}
	out.Promoted = promoted
	if promoted == 0 {
		return out, nil
	}
	log.Info().Int64("promoted", promoted).Msg("staged transactions promoted")
	if err := ev.Append(ctx, nil, events.Event{
		Type:       events.TransactionsPromoted,
		EntityKind: "staging",
		Payload:    events.EventPayload{"promoted": promoted, "passes": len(passes)},
	}); err != nil {
		log.Warn().Err(err).Msg("append promotion event")
	}
	return out, nil
}
