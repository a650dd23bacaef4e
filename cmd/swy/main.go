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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"switchyard/internal/app"
	"switchyard/internal/config"
	"switchyard/internal/db"
	"switchyard/internal/domain"
	"switchyard/internal/migrate"
	"switchyard/internal/repo"
	"switchyard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "swy",
	Short: "Switchyard CLI",
	Long: `Switchyard routes payments across settlement rails.
A payment request names an amount, an urgency and two account references;
Switchyard picks the cheapest rail that can make the deadline, falls back
when a provider misbehaves, and reconciles settlement webhooks until the
transaction reaches a terminal status. 'swy serve' runs the HTTP API plus
the probe, poll and SLA sweep loops; the other commands work the local
workspace database directly.`,
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
	viper.SetEnvPrefix("SWITCHYARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()

			jwtSecret := os.Getenv("SWITCHYARD_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = a.Config.Auth.JWTSecret
			}
			if jwtSecret == "" {
				return fmt.Errorf("SWITCHYARD_JWT_SECRET or auth.jwt_secret is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Orchestrator: a.Orchestrator,
				Reconciler:   a.Reconciler,
				Health:       a.Health,
				Registry:     a.Registry,
				BasePath:     basePath,
				Auth:         server.AuthConfig{JWTSecret: jwtSecret},
			})
			if err != nil {
				return err
			}

			sched, err := a.StartSchedulers(cmd.Context())
			if err != nil {
				return err
			}
			defer sched.Stop()
			a.ProbeAll(cmd.Context())

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			a.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving switchyard api")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default switchyard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("config ok: %d providers\n", len(c.Providers))
			return nil
		},
	})
	return cfg
}

func paymentCmd() *cobra.Command {
	pay := &cobra.Command{Use: "payment", Short: "Submit and inspect payments"}
	pay.AddCommand(paymentSubmitCmd())
	pay.AddCommand(paymentGetCmd())
	pay.AddCommand(paymentAttemptsCmd())
	return pay
}

func paymentSubmitCmd() *cobra.Command {
	var req domain.PaymentRequest
	var meta []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a payment request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.CorrelationID == "" {
				req.CorrelationID = uuid.NewString()
			}
			if len(meta) > 0 {
				req.Metadata = map[string]string{}
				for _, kv := range meta {
					k, v, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("--meta wants key=value, got %q", kv)
					}
					req.Metadata[k] = v
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.ProbeAll(ctx)
				t, replayed, err := a.Orchestrator.Submit(ctx, req, viper.GetString("actor-id"))
				if err != nil && t.ID == "" {
					return err
				}
				if replayed {
					fmt.Println("replayed: correlation id already processed")
				}
				return printPayment(t)
			})
		},
	}
	cmd.Flags().StringVar(&req.CorrelationID, "correlation-id", "", "idempotency key (generated if empty)")
	cmd.Flags().Int64Var(&req.AmountMinor, "amount", 0, "amount in minor units")
	cmd.Flags().StringVar(&req.Currency, "currency", "USD", "ISO 4217 currency")
	cmd.Flags().StringVar(&req.SourceRef, "source", "", "source account reference")
	cmd.Flags().StringVar(&req.DestinationRef, "destination", "", "destination account reference")
	cmd.Flags().StringVar(&req.Urgency, "urgency", domain.UrgencyStandard, "standard|express|instant|emergency")
	cmd.Flags().StringVar(&req.PaymentType, "type", domain.PaymentP2P, "p2p|disbursement|payout|deposit")
	cmd.Flags().StringVar(&req.KYCTier, "kyc-tier", "", "sender KYC tier")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable; batch_id groups a batch)")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}

func paymentGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <correlation-id>",
		Short: "Show a payment by correlation id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetByCorrelation(ctx, args[0])
				if err != nil {
					return err
				}
				return printPayment(t)
			})
		},
	}
	return cmd
}

func paymentAttemptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts <correlation-id>",
		Short: "List submission attempts for a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetByCorrelation(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t.Attempts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Provider", "Rail", "Outcome", "Code", "Started", "Ended"})
				for _, a := range t.Attempts {
					code := ""
					if a.ProviderCode != nil {
						code = *a.ProviderCode
					}
					tw.AppendRow(table.Row{a.Seq, a.ProviderID, a.RailID, a.Outcome, code, a.StartedAt, a.EndedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func batchCmd() *cobra.Command {
	batch := &cobra.Command{Use: "batch", Short: "Inspect payment batches"}
	batch.AddCommand(&cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show batch member transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				txs, err := r.ListByBatch(ctx, args[0])
				if err != nil {
					return err
				}
				if len(txs) == 0 {
					return fmt.Errorf("batch %s not found", args[0])
				}
				if viper.GetBool("json") {
					return printJSON(txs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Correlation", "Amount", "Status", "Provider", "Rail", "Reason"})
				for _, t := range txs {
					tw.AppendRow(table.Row{t.CorrelationID, t.AmountMinor, t.Status,
						deref(t.ProviderID), deref(t.RailID), deref(t.Reason)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return batch
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Probe providers and show health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.ProbeAll(ctx)
				snapshot := a.Health.Snapshot()
				if viper.GetBool("json") {
					return printJSON(snapshot)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Provider", "State", "Score", "Success", "P95 ms", "Fail streak"})
				for _, id := range a.Registry.IDs() {
					h := snapshot[id]
					tw.AppendRow(table.Row{h.ProviderID, h.State,
						fmt.Sprintf("%.2f", h.Score), fmt.Sprintf("%.2f", h.SuccessRate),
						h.P95LatencyMs, h.ConsecutiveFailures})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	var limit int
	var evtType, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, limit, evtType, "", entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 50, "max events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityID, "entity", "", "entity id filter")
	log.AddCommand(tail)
	return log
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "swy_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k := repo.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("api key created (id=%s). Store the secret now, it is not recoverable:\n%s\n", k.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)

	key.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	key.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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

func printPayment(t domain.Transaction) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"Correlation", t.CorrelationID})
	tw.AppendRow(table.Row{"Status", t.Status})
	tw.AppendRow(table.Row{"Amount", fmt.Sprintf("%d %s", t.AmountMinor, t.Currency)})
	tw.AppendRow(table.Row{"Urgency", t.Urgency})
	tw.AppendRow(table.Row{"Provider", deref(t.ProviderID)})
	tw.AppendRow(table.Row{"Rail", deref(t.RailID)})
	tw.AppendRow(table.Row{"External ID", deref(t.ExternalID)})
	tw.AppendRow(table.Row{"Reason", deref(t.Reason)})
	tw.AppendRow(table.Row{"SLA deadline", deref(t.SLADeadline)})
	tw.Render()
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
