package server

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privrelay/internal/db"
	"privrelay/internal/events"
	"privrelay/internal/migrate"
	"privrelay/internal/payload"
	"privrelay/internal/repo"
	"privrelay/internal/resolver"
)

func newLoop(t *testing.T, interval time.Duration) (*ResolveLoop, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn}
	return &ResolveLoop{
		Resolver:  &resolver.Resolver{Store: r, Events: ev, Log: zerolog.Nop()},
		Promoter:  r,
		MaxPasses: 5,
		Interval:  interval,
		Events:    ev,
		Log:       zerolog.Nop(),
	}, r
}

func TestResolveLoopPromotesStagedTransactions(t *testing.T) {
	loop, r := newLoop(t, 10*time.Millisecond)
	raw, _ := encodePayload(t, "looped")
	staged, err := payload.ToStaging(raw, time.Now())
	require.NoError(t, err)
	_, err = r.SaveStaging(context.Background(), staged)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)

	require.Eventually(t, func() bool {
		n, err := r.TransactionCount(context.Background())
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResolveLoopDisabled(t *testing.T) {
	loop, r := newLoop(t, 0)
	raw, _ := encodePayload(t, "idle")
	staged, err := payload.ToStaging(raw, time.Now())
	require.NoError(t, err)
	_, err = r.SaveStaging(context.Background(), staged)
	require.NoError(t, err)

	loop.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	n, err := r.TransactionCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
