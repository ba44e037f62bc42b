// Package app assembles a node from its configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"privrelay/internal/config"
	"privrelay/internal/db"
	"privrelay/internal/enclave"
	"privrelay/internal/events"
	"privrelay/internal/migrate"
	"privrelay/internal/p2p"
	"privrelay/internal/party"
	"privrelay/internal/privacygroup"
	"privrelay/internal/recovery"
	"privrelay/internal/repo"
	"privrelay/internal/resolver"
	"privrelay/internal/server"
)

// Node holds every wired component of a running node.
type Node struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Enclave  enclave.Enclave
	Parties  *party.Directory
	P2P      *p2p.Client
	Groups   *privacygroup.Manager
	Resend   *recovery.BatchResendManager
	Resolver *resolver.Resolver
	Recovery *recovery.Recovery
	Log      zerolog.Logger
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil || cfg.Logging.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Logging.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Open opens and migrates the workspace database.
func Open(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// Build opens the workspace database and wires the node.
func Build(ctx context.Context, workspace string, cfg *config.Config, log zerolog.Logger) (*Node, error) {
	conn, err := Open(ctx, workspace)
	if err != nil {
		return nil, err
	}
	n, err := Wire(conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return n, nil
}

// Wire assembles a node over an already migrated database.
func Wire(conn *sql.DB, cfg *config.Config, log zerolog.Logger) (*Node, error) {
	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn}

	var enc enclave.Enclave = enclave.Static{Keys: cfg.StaticKeys()}
	if cfg.Enclave.URL != "" {
		enc = enclave.NewClient(cfg.Enclave.URL, cfg.EnclaveTimeout())
	}

	parties, err := party.NewDirectory(r, nil, cfg.Directory.CacheSize)
	if err != nil {
		return nil, err
	}
	peers := p2p.New(p2p.Config{
		Directory: parties,
		Secret:    cfg.Auth.JWTSecret,
		Subject:   cfg.Node.PublicURL,
		Timeout:   cfg.P2PTimeout(),
		Log:       log.With().Str("component", "p2p").Logger(),
	})
	groups := privacygroup.NewManager(privacygroup.Config{
		Store:       r,
		Publisher:   peers,
		Keys:        enc,
		Events:      ev,
		Log:         log.With().Str("component", "privacygroup").Logger(),
		Concurrency: cfg.Recovery.Concurrency,
	})
	parties.SetGroups(groups)

	factory := &recovery.WorkflowFactory{
		Directory:    parties,
		Enclave:      enc,
		Transactions: r,
		Publisher:    peers,
		Log:          log.With().Str("component", "workflow").Logger(),
	}
	resend := recovery.NewBatchResendManager(recovery.ManagerConfig{
		Transactions: r,
		Staging:      r,
		Factory:      factory,
		Events:       ev,
		Log:          log.With().Str("component", "resend").Logger(),
		MaxResults:   cfg.Resend.MaxResults,
	})
	res := &resolver.Resolver{
		Store:  r,
		Events: ev,
		Log:    log.With().Str("component", "resolver").Logger(),
	}
	rec := &recovery.Recovery{
		Peers:       cfg.Peers,
		Keys:        enc,
		Client:      peers,
		Resolver:    res,
		Promoter:    r,
		BatchSize:   cfg.Recovery.BatchSize,
		Concurrency: cfg.Recovery.Concurrency,
		MaxPasses:   cfg.Recovery.MaxResolvePasses,
		Events:      ev,
		Log:         log.With().Str("component", "recovery").Logger(),
	}
	return &Node{
		Config:   cfg,
		DB:       conn,
		Repo:     r,
		Events:   ev,
		Enclave:  enc,
		Parties:  parties,
		P2P:      peers,
		Groups:   groups,
		Resend:   resend,
		Resolver: res,
		Recovery: rec,
		Log:      log,
	}, nil
}

// Check fails when the enclave does not answer.
func (n *Node) Check(ctx context.Context) error {
	if err := n.Enclave.Status(ctx); err != nil {
		return fmt.Errorf("enclave: %w", err)
	}
	return nil
}

// Handler returns the node HTTP API.
func (n *Node) Handler() (http.Handler, error) {
	return server.New(server.Config{
		BasePath:  n.Config.Server.BasePath,
		Auth:      server.AuthConfig{JWTSecret: n.Config.Auth.JWTSecret, Required: n.Config.Auth.JWTSecret != ""},
		Repo:      n.Repo,
		Resend:    n.Resend,
		Groups:    n.Groups,
		Resolver:  n.Resolver,
		MaxPasses: n.Config.Recovery.MaxResolvePasses,
		Events:    n.Events,
		Log:       n.Log,
	})
}

// ResolveLoop returns the background staging resolver configured for this node.
func (n *Node) ResolveLoop() *server.ResolveLoop {
	return &server.ResolveLoop{
		Resolver:  n.Resolver,
		Promoter:  n.Repo,
		MaxPasses: n.Config.Recovery.MaxResolvePasses,
		Interval:  n.Config.ResolveInterval(),
		Events:    n.Events,
		Log:       n.Log.With().Str("component", "resolve-loop").Logger(),
	}
}

func (n *Node) Close() error {
	return n.DB.Close()
}
