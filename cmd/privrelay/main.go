package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"privrelay/internal/app"
	"privrelay/internal/config"
	"privrelay/internal/db"
	"privrelay/internal/domain"
	"privrelay/internal/recovery"
	"privrelay/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "privrelay",
	Short: "Privacy-aware transaction relay node",
	Long: `privrelay stores encrypted private transactions and relays them between nodes.
- Resend: a peer asks this node to push back every transaction its key may see.
- Push: resent payloads land in staging until their dependencies resolve.
- Resolve: staged transactions become valid or invalid; valid ones are promoted.
- Recover: ask every configured peer to resend, then resolve what arrived.
- Privacy groups: named member sets distributed to every member node.
- Event log: view with 'privrelay events tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PRIVRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (defaults to <workspace>/"+config.FileName+")")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(stagingCmd())
	rootCmd.AddCommand(groupsCmd())
	rootCmd.AddCommand(partyCmd())
	rootCmd.AddCommand(peerKeyCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the node HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withNode(ctx, func(ctx context.Context, n *app.Node) error {
				if addr == "" {
					addr = n.Config.Server.Addr
				}
				if err := n.Check(ctx); err != nil {
					return err
				}
				handler, err := n.Handler()
				if err != nil {
					return err
				}
				n.ResolveLoop().Start(ctx)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				n.Log.Info().
					Str("addr", addr).
					Str("base_path", n.Config.Server.BasePath).
					Str("public_url", n.Config.Node.PublicURL).
					Msg("serving privrelay API (OpenAPI at /openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Ask every peer to resend this node's transactions, then resolve staging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				report, err := n.Recovery.Run(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Peer", "Key", "Published", "Error"})
				for _, r := range report.Requests {
					tw.AppendRow(table.Row{r.Peer, r.Key, r.Published, r.Error})
				}
				tw.AppendFooter(table.Row{"", "", "promoted", report.Promoted})
				tw.Render()
				return nil
			})
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Resolve staged transactions and promote the valid ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				settled, err := recovery.Settle(ctx, n.Resolver, n.Repo, n.Config.Recovery.MaxResolvePasses, n.Events, n.Log)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(settled)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Round", "Valid", "Invalid", "Unresolved"})
				for _, p := range settled.Passes {
					tw.AppendRow(table.Row{p.Round, p.Valid, p.Invalid, p.Unresolved})
				}
				tw.AppendFooter(table.Row{"", "", "promoted", settled.Promoted})
				tw.Render()
				return nil
			})
		},
	}
}

func stagingCmd() *cobra.Command {
	st := &cobra.Command{Use: "staging", Short: "Inspect pushed transactions awaiting resolution"}
	st.AddCommand(stagingListCmd())
	st.AddCommand(stagingPurgeCmd())
	return st
}

func stagingListCmd() *cobra.Command {
	var f repo.StagingFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List staged transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ResolutionStatus(strings.ToUpper(status))
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListStaging(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Hash", "Sender", "Mode", "Status", "Round", "Deps"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.Sequence, t.Hash, t.SenderKey, t.PrivacyMode, t.Status, t.ValidationRound, len(t.Affected)})
				}
				counts, err := r.StagingCounts(ctx)
				if err != nil {
					return err
				}
				tw.AppendFooter(table.Row{"", "", "", "", domain.Unresolved, counts[domain.Unresolved], ""})
				tw.AppendFooter(table.Row{"", "", "", "", domain.ResolvedValid, counts[domain.ResolvedValid], ""})
				tw.AppendFooter(table.Row{"", "", "", "", domain.ResolvedInvalid, counts[domain.ResolvedInvalid], ""})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (UNRESOLVED, RESOLVED_VALID, RESOLVED_INVALID)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func stagingPurgeCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete staged transactions with the given statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ss []domain.ResolutionStatus
			for _, s := range statuses {
				ss = append(ss, domain.ResolutionStatus(strings.ToUpper(s)))
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				n, err := r.PurgeStaging(ctx, ss...)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int64{"purged": n})
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", []string{string(domain.ResolvedInvalid)}, "statuses to purge")
	return cmd
}

func groupsCmd() *cobra.Command {
	g := &cobra.Command{Use: "groups", Short: "Manage privacy groups"}
	g.AddCommand(groupsListCmd())
	g.AddCommand(groupsCreateCmd())
	return g
}

func groupsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored privacy groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				groups, err := n.Groups.ListPrivacyGroups(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "State", "Members"})
				for _, g := range groups {
					tw.AppendRow(table.Row{g.ID, g.Name, g.Type, g.State, len(g.Members)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func groupsCreateCmd() *cobra.Command {
	var from, name, desc string
	var members []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a privacy group and distribute it to its members",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromKey, err := domain.ParsePublicKey(from)
			if err != nil {
				return err
			}
			keys, err := parseKeys(members)
			if err != nil {
				return err
			}
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				g, err := n.Groups.CreatePrivacyGroup(ctx, fromKey, keys, name, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "local public key creating the group")
	cmd.Flags().StringSliceVar(&members, "member", nil, "member public key (repeatable)")
	cmd.Flags().StringVar(&name, "name", "", "group name")
	cmd.Flags().StringVar(&desc, "description", "", "group description")
	return cmd
}

func partyCmd() *cobra.Command {
	p := &cobra.Command{Use: "party", Short: "Manage the recipient directory"}
	p.AddCommand(partyAddCmd())
	p.AddCommand(partyListCmd())
	return p
}

func partyAddCmd() *cobra.Command {
	var key, url string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Map a public key to the URL of the node serving it",
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := domain.ParsePublicKey(key)
			if err != nil {
				return err
			}
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("--url required")
			}
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				if err := n.Parties.Add(ctx, pk, url); err != nil {
					return err
				}
				fmt.Println("recipient saved")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "recipient public key (base64)")
	cmd.Flags().StringVar(&url, "url", "", "node URL")
	return cmd
}

func partyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				items, err := n.Parties.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "URL", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.PublicKey, r.URL, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func peerKeyCmd() *cobra.Command {
	pk := &cobra.Command{Use: "peer-key", Short: "Manage API keys issued to peer nodes"}
	pk.AddCommand(peerKeyAddCmd())
	pk.AddCommand(peerKeyListCmd())
	pk.AddCommand(peerKeyRevokeCmd())
	return pk
}

func peerKeyAddCmd() *cobra.Command {
	var peer, name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Issue an API key for a peer; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(peer) == "" {
				return fmt.Errorf("--peer required")
			}
			secret, err := newSecret()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := domain.PeerKey{
					ID:      uuid.NewString(),
					PeerKey: peer,
					Name:    name,
					KeyHash: repo.HashPeerKey(secret),
				}
				if err := r.InsertPeerKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "peer_key": peer, "api_key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer identity (public key or URL)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func peerKeyListCmd() *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List peer API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListPeerKeys(ctx, peer)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Peer", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.PeerKey, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer filter")
	return cmd
}

func peerKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a peer API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeletePeerKey(ctx, args[0])
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Read the event log"}
	ev.AddCommand(eventsTailCmd())
	return ev
}

func eventsTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print events after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, strings.TrimSuffix(e.EntityKind+":"+e.EntityID, ":"), e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.AfterID, "after", 0, "only events with a greater id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect node config",
		Long:  "Config is read from " + config.FileName + " in the workspace, or from --config. PRIVRELAY_JWT_SECRET and PRIVRELAY_PUBLIC_URL override the file.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if s := viper.GetString("jwt_secret"); s != "" {
		cfg.Auth.JWTSecret = s
	}
	if u := viper.GetString("public_url"); u != "" {
		cfg.Node.PublicURL = u
	}
	return cfg, cfg.Validate()
}

func withNode(ctx context.Context, fn func(context.Context, *app.Node) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := app.NewLogger(cfg, os.Stderr)
	n, err := app.Build(ctx, viper.GetString("workspace"), cfg, log)
	if err != nil {
		return err
	}
	defer n.Close()
	return fn(ctx, n)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func parseKeys(raw []string) ([]domain.PublicKey, error) {
	out := make([]domain.PublicKey, 0, len(raw))
	for _, s := range raw {
		k, err := domain.ParsePublicKey(s)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
