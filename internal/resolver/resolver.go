// Package resolver decides which staged transactions can be accepted once the
// transactions they affect are known.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"privrelay/internal/domain"
	"privrelay/internal/events"
	"privrelay/internal/repo"
)

// Store is the staging and transaction storage the resolver reads and updates.
type Store interface {
	ListStaging(ctx context.Context, f repo.StagingFilters) ([]domain.StagingTransaction, error)
	MaxValidationRound(ctx context.Context) (int64, error)
	UpdateStagingStatuses(ctx context.Context, round int64, statuses map[domain.TxHash]domain.ResolutionStatus) error
	TransactionModes(ctx context.Context, hashes []domain.TxHash) (map[domain.TxHash]domain.PrivacyMode, error)
}

type node struct {
	tx     domain.StagingTransaction
	status domain.ResolutionStatus
}

type arena struct {
	nodes   map[domain.TxHash]*node
	known   map[domain.TxHash]domain.PrivacyMode
	memo    map[domain.TxHash]domain.ResolutionStatus
	onStack map[domain.TxHash]bool
}

// Resolve evaluates every unresolved transaction in staged and returns the ones that reached
// a terminal status. known holds the privacy mode of transactions already accepted into the
// transaction store; they count as valid dependencies.
//
// Transactions are visited in ascending hash order, so the result depends only on the input.
func Resolve(staged []domain.StagingTransaction, known map[domain.TxHash]domain.PrivacyMode) map[domain.TxHash]domain.ResolutionStatus {
	a := arena{
		nodes:   make(map[domain.TxHash]*node, len(staged)),
		known:   known,
		memo:    make(map[domain.TxHash]domain.ResolutionStatus),
		onStack: make(map[domain.TxHash]bool),
	}
	var pending []domain.TxHash
	for _, t := range staged {
		status := t.Status
		if status == "" {
			status = domain.Unresolved
		}
		a.nodes[t.Hash] = &node{tx: t, status: status}
		if !status.Resolved() {
			pending = append(pending, t.Hash)
		}
	}

	out := make(map[domain.TxHash]domain.ResolutionStatus)
	for _, h := range domain.SortHashes(pending) {
		if s := a.visit(h); s.Resolved() {
			out[h] = s
		}
	}
	return out
}

func (a *arena) visit(h domain.TxHash) domain.ResolutionStatus {
	n := a.nodes[h]
	if n.status.Resolved() {
		return n.status
	}
	if s, ok := a.memo[h]; ok {
		return s
	}
	if a.onStack[h] {
		return domain.ResolvedInvalid
	}
	a.onStack[h] = true
	defer delete(a.onStack, h)

	result := domain.ResolvedValid
	for _, dep := range domain.SortHashes(n.tx.Affected) {
		if mode, ok := a.known[dep]; ok {
			if !modeCompatible(n.tx.PrivacyMode, mode) {
				result = domain.ResolvedInvalid
				break
			}
			continue
		}
		depNode, ok := a.nodes[dep]
		if !ok {
			result = domain.Unresolved
			continue
		}
		s := a.visit(dep)
		if s == domain.ResolvedInvalid || (s == domain.ResolvedValid && !modeCompatible(n.tx.PrivacyMode, depNode.tx.PrivacyMode)) {
			result = domain.ResolvedInvalid
			break
		}
		if s == domain.Unresolved {
			result = domain.Unresolved
		}
	}
	a.memo[h] = result
	return result
}

// modeCompatible reports whether a transaction in mode may depend on one in depMode.
// Party protection and private state validation only accept dependencies of the same mode.
func modeCompatible(mode, depMode domain.PrivacyMode) bool {
	switch mode {
	case domain.PartyProtection, domain.PrivateStateValidation:
		return mode == depMode
	default:
		return true
	}
}

// PassResult summarizes one resolution round.
type PassResult struct {
	Round      int64 `json:"round"`
	Valid      int   `json:"valid"`
	Invalid    int   `json:"invalid"`
	Unresolved int   `json:"unresolved"`
}

func (p PassResult) Progress() bool { return p.Valid+p.Invalid > 0 }

// Resolver runs resolution passes against a Store. Passes are serialized.
type Resolver struct {
	Store  Store
	Events events.Writer
	Log    zerolog.Logger

	mu sync.Mutex
}

// Pass runs one resolution round over everything staged.
func (r *Resolver) Pass(ctx context.Context) (PassResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged, err := r.Store.ListStaging(ctx, repo.StagingFilters{})
	if err != nil {
		return PassResult{}, domain.Unavailable("list staging", err)
	}
	var deps []domain.TxHash
	for _, t := range staged {
		if !t.Status.Resolved() {
			deps = append(deps, t.Affected...)
		}
	}
	known, err := r.Store.TransactionModes(ctx, domain.SortHashes(deps))
	if err != nil {
		return PassResult{}, domain.Unavailable("transaction modes", err)
	}
	last, err := r.Store.MaxValidationRound(ctx)
	if err != nil {
		return PassResult{}, domain.Unavailable("validation round", err)
	}

	resolved := Resolve(staged, known)
	res := PassResult{Round: last + 1}
	for _, s := range resolved {
		if s == domain.ResolvedValid {
			res.Valid++
		} else {
			res.Invalid++
		}
	}
	for _, t := range staged {
		if !t.Status.Resolved() {
			res.Unresolved++
		}
	}
	res.Unresolved -= res.Valid + res.Invalid
	if !res.Progress() {
		res.Round = last
		return res, nil
	}
	if err := r.Store.UpdateStagingStatuses(ctx, res.Round, resolved); err != nil {
		return PassResult{}, domain.Unavailable("update staging", err)
	}
	r.Log.Info().
		Int64("round", res.Round).
		Int("valid", res.Valid).
		Int("invalid", res.Invalid).
		Int("unresolved", res.Unresolved).
		Msg("resolution pass")
	if err := r.Events.Append(ctx, nil, events.Event{
		Type:       events.ResolutionPass,
		EntityKind: "staging",
		EntityID:   fmt.Sprint(res.Round),
		Payload:    events.EventPayload{"valid": res.Valid, "invalid": res.Invalid, "unresolved": res.Unresolved},
	}); err != nil {
		r.Log.Warn().Err(err).Msg("append resolution event")
	}
	return res, nil
}

// Run repeats passes until one makes no progress or maxPasses is reached.
func (r *Resolver) Run(ctx context.Context, maxPasses int) ([]PassResult, error) {
	var out []PassResult
	for i := 0; i < maxPasses; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := r.Pass(ctx)
		if err != nil {
			return out, err
		}
		if !res.Progress() {
			break
		}
		out = append(out, res)
	}
	return out, nil
}
