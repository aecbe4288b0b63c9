package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"freelanco/internal/app"
	"freelanco/internal/config"
	"freelanco/internal/db"
	"freelanco/internal/domain"
	"freelanco/internal/engine"
	"freelanco/internal/metrics"
	"freelanco/internal/migrate"
	"freelanco/internal/relay"
	"freelanco/internal/repo"
	"freelanco/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "freelanco",
	Short: "Freelanco marketplace CLI",
	Long: `Freelanco is a freelance marketplace whose disputes are settled by a DAO.
Core concepts:
- Ledger: a local simulated chain with blocks, chain time and balances in wei ("10eth" is accepted wherever an amount is).
- Offers: a client escrows funds for a freelancer's gig; proposed -> approved -> completed (withdrawn and disputed are exits).
- Disputes: either party of an approved offer may dispute it, which opens a governance proposal.
- Credentials: NFTs drawn with verifiable randomness; their tier decides voting weight.
- Proposals: pending -> active -> succeeded/defeated -> queued -> executed, behind a timelock.
- Oracle: an off-chain LLM classifies the dispute and votes once through the compute bridge.
- Event log: every state change, view with 'freelanco events tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FREELANCO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("as", "local-user", "ledger address the command acts as")
	flags.Bool("log-json", false, "log as JSON")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "as", "log-json", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chainCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(gigCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(boostCmd())
	rootCmd.AddCommand(nftCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(oracleCmd())
	rootCmd.AddCommand(reputationCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(eventsCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and seed the protocol config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				head, err := e.Head(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"workspace": viper.GetString("workspace"),
					"block":     head.Block,
					"addresses": e.Config.Addresses,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Workspace ready at block %d\n", head.Block)
				tw := newTable("Role", "Address")
				a := e.Config.Addresses
				for _, row := range [][2]string{
					{"escrow", a.Escrow}, {"treasury", a.Treasury}, {"issuer", a.Issuer},
					{"governor", a.Governor}, {"timelock", a.Timelock}, {"reputation", a.Reputation},
					{"guardian", a.Guardian}, {"vrf coordinator", a.VRFCoordinator}, {"oracle voter", a.OracleVoter},
				} {
					tw.AppendRow(table.Row{row[0], row[1]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect or replace the protocol config",
		Long:  "The active config lives in the workspace DB. It is seeded from freelanco.yml (or the defaults) on first use and replaced with 'config import'.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				out, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	})
	var filePath string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a YAML config and make it active",
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if next.Compute.DONPublicKey == "" {
					// keep the existing network key so sealed secrets stay readable
					if current, err := r.GetConfig(ctx); err == nil {
						next.Compute.DONPublicKey = current.Compute.DONPublicKey
						next.Compute.DONPrivateKey = current.Compute.DONPrivateKey
					}
				}
				if err := app.StoreConfig(ctx, r, next); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": true, "file": filePath})
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = importCmd.MarkFlagRequired("file")
	cfg.AddCommand(importCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "template",
		Short: "Print the default freelanco.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var localVRF, localOracle, dev, actorHeader bool
	var relayInterval, blockInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := newLogger()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.New(reg)

			conn, cfg, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			e, err := engine.New(conn, cfg, engine.Options{Logger: logger, Metrics: m})
			if err != nil {
				return err
			}

			if actorHeader && !dev {
				return errors.New("--dev-actor-header requires --dev")
			}
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				DevMode:          dev,
				AllowActorHeader: actorHeader,
				Logger:           logger.With("component", "auth"),
			}
			if authCfg.JWTSecret == "" && !actorHeader {
				return errors.New("FREELANCO_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Gatherer: reg})
			if err != nil {
				return err
			}

			dispatcher, closeRelay, err := relay.New(e, relay.Options{
				LocalVRF:    localVRF,
				LocalOracle: localOracle,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer closeRelay()
			if relayInterval > 0 {
				dispatcher.Interval = relayInterval
			}
			go dispatcher.Run(ctx)
			if blockInterval > 0 {
				go produceBlocks(ctx, e, blockInterval, logger)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving freelanco api", "addr", addr, "base_path", basePath,
				"dev", dev, "local_vrf", localVRF, "local_oracle", localOracle, "sinks", len(dispatcher.Sinks))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&localVRF, "local-vrf", false, "answer randomness requests in-process as the VRF coordinator")
	cmd.Flags().BoolVar(&localOracle, "local-oracle", false, "answer compute requests in-process with the configured LLM")
	cmd.Flags().BoolVar(&dev, "dev", false, "DEV ONLY: mount dev login, the faucet and the chain mine/advance endpoints")
	cmd.Flags().BoolVar(&actorHeader, "dev-actor-header", false, "DEV ONLY: trust X-Actor-Id without credentials (requires --dev)")
	cmd.Flags().DurationVar(&blockInterval, "block-interval", 12*time.Second, "mine one block per interval (0 disables)")
	cmd.Flags().DurationVar(&relayInterval, "relay-interval", 0, "event relay poll interval")
	_ = viper.BindEnv("jwt-secret", "FREELANCO_JWT_SECRET")
	return cmd
}

// produceBlocks mines one block per interval until ctx is done.
func produceBlocks(ctx context.Context, e engine.Engine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Mine(ctx, "block-producer", 1); err != nil && ctx.Err() == nil {
				logger.Warn("block production failed", "error", err)
			}
		}
	}
}

func reputationCmd() *cobra.Command {
	rep := &cobra.Command{Use: "reputation", Short: "Inspect reputation"}
	rep.AddCommand(&cobra.Command{
		Use:   "show <address>",
		Short: "Show an address's reputation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.ReputationOf(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	})
	return rep
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	var address, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key acting as an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if address == "" {
					address = caller()
				}
				key, plain, err := e.CreateAPIKey(ctx, address, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "address": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&address, "address", "", "address the key acts as (defaults to --as)")
	create.Flags().StringVar(&name, "name", "", "label")
	keys.AddCommand(create)

	var listAddress string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAPIKeys(ctx, listAddress)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Address", "Name", "Created")
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listAddress, "address", "", "filter by address")
	keys.AddCommand(list)

	keys.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return keys
}

func eventsCmd() *cobra.Command {
	evt := &cobra.Command{Use: "events", Short: "Inspect the event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Block", "Type", "Entity", "Actor", "Payload")
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Block, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	evt.AddCommand(tail)
	return evt
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if viper.GetBool("log-json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func caller() string {
	return strings.TrimSpace(viper.GetString("as"))
}

func openWorkspace(ctx context.Context) (*sql.DB, *config.Config, error) {
	workspace := viper.GetString("workspace")
	c, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(c); err != nil {
		c.Close()
		return nil, nil, err
	}
	cfg, err := app.ResolveConfig(ctx, workspace, repo.Repo{DB: c})
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, cfg, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	e, err := engine.New(conn, cfg, engine.Options{Logger: newLogger()})
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
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

func parseAmount(raw string) (*big.Int, error) {
	v, err := domain.ParseAmount(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return v, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// formatEth renders wei as ETH for tables.
func formatEth(wei string) string {
	v, ok := new(big.Int).SetString(wei, 10)
	if !ok {
		return wei
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(1e18))
	return f.Text('f', 4) + " ETH"
}
