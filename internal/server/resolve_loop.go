package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"privrelay/internal/events"
	"privrelay/internal/recovery"
	"privrelay/internal/resolver"
)

// ResolveLoop periodically resolves staging and promotes what resolved valid, so pushed
// batches settle without an explicit /staging/resolve call.
type ResolveLoop struct {
	Resolver  *resolver.Resolver
	Promoter  recovery.Promoter
	MaxPasses int
	Interval  time.Duration
	Events    events.Writer
	Log       zerolog.Logger
}

// Start runs the loop until ctx is done. A zero interval disables it.
func (l *ResolveLoop) Start(ctx context.Context) {
	if l.Interval <= 0 {
		return
	}
	go l.run(ctx)
}

func (l *ResolveLoop) run(ctx context.Context) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	for {
		l.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *ResolveLoop) tick(ctx context.Context) {
	res, err := recovery.Settle(ctx, l.Resolver, l.Promoter, l.MaxPasses, l.Events, l.Log)
	if err != nil {
		if ctx.Err() == nil {
			l.Log.Warn().Err(err).Msg("background resolution failed")
		}
		return
	}
	if len(res.Passes) > 0 {
		l.Log.Debug().Int("passes", len(res.Passes)).Int64("promoted", res.Promoted).Msg("background resolution")
	}
}
