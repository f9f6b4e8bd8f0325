package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BoomerAng9/AIMS-sub004/internal/config"
	"github.com/BoomerAng9/AIMS-sub004/internal/controller"
	"github.com/BoomerAng9/AIMS-sub004/internal/db"
	"github.com/BoomerAng9/AIMS-sub004/internal/domain"
	"github.com/BoomerAng9/AIMS-sub004/internal/estimate"
	"github.com/BoomerAng9/AIMS-sub004/internal/events"
	"github.com/BoomerAng9/AIMS-sub004/internal/executor"
	"github.com/BoomerAng9/AIMS-sub004/internal/manifest"
	"github.com/BoomerAng9/AIMS-sub004/internal/migrate"
	"github.com/BoomerAng9/AIMS-sub004/internal/pipeline"
	"github.com/BoomerAng9/AIMS-sub004/internal/repo"
	"github.com/BoomerAng9/AIMS-sub004/internal/retrieval"
	"github.com/BoomerAng9/AIMS-sub004/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "aims",
	Short: "AIMS orchestration controller",
	Long: `AIMS is an always-on orchestration controller. Events from sources like
GitHub, tickets, schedules and monitors are gated by policy, priced into a
manifest, executed through the Foster -> Develop -> Hone pipeline, verified
against a fixed gate checklist, and sealed into a receipt.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("AIMS")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(chamberCmd())
	rootCmd.AddCommand(receiptCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write default aims.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show controller status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				st, err := c.GetStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOr(st, func() {
					t := newTable("FIELD", "VALUE")
					t.AppendRow(table.Row{"enabled", st.Enabled})
					t.AppendRow(table.Row{"active runs", fmt.Sprintf("%d/%d", st.ActiveRuns, st.MaxConcurrent)})
					t.AppendRow(table.Row{"pending approval", st.PendingApproval})
					t.AppendRow(table.Row{"queue depth", st.QueueDepth})
					t.AppendRow(table.Row{"spend", fmt.Sprintf("$%.2f / $%.2f (%s)", st.MonthlySpendUSD, st.BudgetCapUSD, st.SpendPeriod)})
					t.AppendRow(table.Row{"chambers", st.Chambers})
					t.AppendRow(table.Row{"within hours", st.WithinHours})
					for _, done := range st.RecentCompletions {
						t.AppendRow(table.Row{"completed " + short(done.RunID), fmt.Sprintf("%d/%d gates", done.GateScore, len(domain.AllGates()))})
					}
					t.Render()
				})
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	var source, evtType, priority, ownerID, chamberID, payloadJSON string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload json: %w", err)
				}
			}
			evt := domain.Event{
				ID:        fmt.Sprintf("cli-%d", time.Now().UnixNano()),
				Source:    domain.Source(source),
				Type:      evtType,
				Payload:   payload,
				OwnerID:   ownerID,
				ChamberID: chamberID,
				Timestamp: time.Now().UTC(),
				Priority:  domain.Priority(priority),
			}
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				out, err := c.IngestEvent(ctx, evt, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "manual", "event source (github, ticket, manual, schedule, monitor)")
	cmd.Flags().StringVar(&evtType, "type", "request", "event type")
	cmd.Flags().StringVar(&priority, "priority", "normal", "priority (low, normal, high, critical)")
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&chamberID, "chamber", "", "chamber id")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "event payload as JSON")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Manage runs"}
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runActionCmd("approve", "Approve a run awaiting approval", func(ctx context.Context, c *controller.Controller, id, actor string) (domain.Run, error) {
		return c.ApproveRun(ctx, id, actor)
	}))
	run.AddCommand(runRejectCmd())
	run.AddCommand(runActionCmd("pause", "Pause an in-flight run", func(ctx context.Context, c *controller.Controller, id, actor string) (domain.Run, error) {
		return c.Pipeline.PauseRun(ctx, id, actor)
	}))
	run.AddCommand(runActionCmd("resume", "Resume a paused or stalled run", func(ctx context.Context, c *controller.Controller, id, actor string) (domain.Run, error) {
		return c.Pipeline.ResumeRun(ctx, id, actor)
	}))
	return run
}

func runListCmd() *cobra.Command {
	var status, chamberID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				runs, err := c.Store.ListRuns(ctx, repo.RunFilters{Status: domain.RunStatus(status), ChamberID: chamberID, Limit: limit})
				if err != nil {
					return err
				}
				return printJSONOr(runs, func() {
					t := newTable("ID", "STATUS", "PHASE", "RETRIES", "COST USD", "SCOPE")
					for _, r := range runs {
						t.AppendRow(table.Row{
							short(r.ID), r.Status, r.CurrentPhase, r.RetryCount,
							fmt.Sprintf("%.2f", r.CostActual.TotalUSD), truncate(r.Manifest.Scope, 48),
						})
					}
					t.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&chamberID, "chamber", "", "chamber filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				run, err := c.Store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
}

func runActionCmd(verb, short string, fn func(context.Context, *controller.Controller, string, string) (domain.Run, error)) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				run, err := fn(ctx, c, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
}

func runRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a run before execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				run, err := c.Pipeline.RejectRun(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func chamberCmd() *cobra.Command {
	ch := &cobra.Command{Use: "chamber", Short: "Manage chambers"}
	ch.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List chambers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				chambers, err := c.Store.ListChambers(ctx)
				if err != nil {
					return err
				}
				return printJSONOr(chambers, func() {
					t := newTable("ID", "OWNER", "STATUS", "POLL MS", "COMPLETED", "SPEND USD")
					for _, ch := range chambers {
						t.AppendRow(table.Row{
							short(ch.ID), ch.OwnerID, ch.Status, ch.PollIntervalMS,
							ch.CompletedRunCount, fmt.Sprintf("%.2f", ch.TotalSpendUSD),
						})
					}
					t.Render()
				})
			})
		},
	})
	var status string
	setStatus := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Set chamber status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				ch, err := c.SetChamberStatus(ctx, args[0], domain.ChamberStatus(status), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(ch)
			})
		},
	}
	setStatus.Flags().StringVar(&status, "status", "", "status (active, watching, paused, completed)")
	_ = setStatus.MarkFlagRequired("status")
	ch.AddCommand(setStatus)
	return ch
}

func receiptCmd() *cobra.Command {
	rc := &cobra.Command{Use: "receipt", Short: "Inspect receipts"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List receipts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				receipts, err := c.Store.ListReceipts(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOr(receipts, func() {
					t := newTable("ID", "RUN", "GATES", "ARTIFACTS", "COST USD", "DEPLOY")
					for _, r := range receipts {
						t.AppendRow(table.Row{
							short(r.ID), short(r.RunID), fmt.Sprintf("%d/%d", r.GateScore, len(domain.AllGates())), len(r.Artifacts),
							fmt.Sprintf("%.2f", r.CostActual.TotalUSD), r.DeployApproved,
						})
					}
					t.Render()
				})
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	rc.AddCommand(list)
	rc.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				r, err := c.Store.GetReceipt(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	})
	rc.AddCommand(&cobra.Command{
		Use:   "deploy-approve <id>",
		Short: "Approve a receipt for deploy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				if err := c.Store.ApproveReceiptDeploy(ctx, args[0]); err != nil {
					return err
				}
				r, err := c.Store.GetReceipt(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	})
	return rc
}

func policyCmd() *cobra.Command {
	pc := &cobra.Command{Use: "policy", Short: "Manage the controller policy"}
	pc.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				pol, err := c.Policy(ctx)
				if err != nil {
					return err
				}
				return printJSON(pol)
			})
		},
	})
	var patch controller.PolicyPatch
	var enabled, autoWire bool
	var maxRuns, stallTimeout int
	var threshold, cap float64
	var hours string
	set := &cobra.Command{
		Use:   "set",
		Short: "Patch policy fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("enabled") {
				patch.Enabled = &enabled
			}
			if cmd.Flags().Changed("auto-wire") {
				patch.AutoWireEnabled = &autoWire
			}
			if cmd.Flags().Changed("max-concurrent") {
				patch.MaxConcurrentRuns = &maxRuns
			}
			if cmd.Flags().Changed("stall-timeout") {
				patch.StallTimeoutMinutes = &stallTimeout
			}
			if cmd.Flags().Changed("approve-threshold") {
				patch.AutoApproveThresholdUSD = &threshold
			}
			if cmd.Flags().Changed("budget-cap") {
				patch.MonthlyBudgetCapUSD = &cap
			}
			if cmd.Flags().Changed("hours") {
				oh := domain.OperatingHours(hours)
				patch.OperatingHours = &oh
			}
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				pol, err := c.PatchPolicy(ctx, patch, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(pol)
			})
		},
	}
	set.Flags().BoolVar(&enabled, "enabled", true, "enable or pause the controller")
	set.Flags().BoolVar(&autoWire, "auto-wire", true, "toggle auto wiring")
	set.Flags().IntVar(&maxRuns, "max-concurrent", 3, "max concurrent runs")
	set.Flags().IntVar(&stallTimeout, "stall-timeout", 30, "stall timeout in minutes")
	set.Flags().Float64Var(&threshold, "approve-threshold", 5, "auto approve threshold USD")
	set.Flags().Float64Var(&cap, "budget-cap", 500, "monthly budget cap USD")
	set.Flags().StringVar(&hours, "hours", "always", "operating hours (always, business, custom)")
	pc.AddCommand(set)
	return pc
}

func logCmd() *cobra.Command {
	lc := &cobra.Command{Use: "log", Short: "Audit log"}
	var n int
	var evtType, entityKind string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, c *controller.Controller) error {
				entries, err := c.Events.Latest(ctx, n, evtType, entityKind)
				if err != nil {
					return err
				}
				return printJSONOr(entries, func() {
					t := newTable("TS", "TYPE", "ENTITY", "ACTOR")
					for _, e := range entries {
						t.AppendRow(table.Row{e.TS, e.Type, e.EntityKind + "/" + short(e.EntityID), e.ActorID})
					}
					t.Render()
				})
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	lc.AddCommand(tail)
	return lc
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the controller and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			log := newLogger()
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			c, conn, err := buildController(workspace, cfg, log)
			if err != nil {
				return err
			}
			defer conn()

			if addr == "" {
				addr = cfg.Server.Listen
			}
			secret := cfg.Server.JWTSecret
			if env := os.Getenv("AIMS_JWT_SECRET"); env != "" {
				secret = env
			}
			authCfg := server.AuthConfig{
				JWTSecret:              secret,
				AllowLegacyActorHeader: secret == "",
				Logger:                 log,
			}
			handler, err := server.New(server.Config{
				Controller: c,
				Store:      c.Store,
				Events:     c.Events,
				BasePath:   basePath,
				Auth:       authCfg,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// config hot reload; only the policy section applies live
			stopWatch, err := config.Watch(config.Path(workspace), func(next *config.Config) {
				if err := c.SetPolicy(ctx, next.DomainPolicy(), "config-reload"); err != nil {
					log.Error().Err(err).Msg("apply reloaded policy")
					return
				}
				log.Info().Msg("policy reloaded from config file")
			}, func(err error) {
				log.Error().Err(err).Msg("config reload failed")
			})
			if err == nil {
				defer stopWatch()
			} else {
				log.Warn().Err(err).Msg("config watch unavailable")
			}

			go c.Start(ctx, time.Duration(cfg.Controller.PollIntervalSeconds)*time.Second)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving AIMS API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.listen)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func newLogger() zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger()
}

func buildController(workspace string, cfg *config.Config, log zerolog.Logger) (*controller.Controller, func(), error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	store := repo.Repo{DB: conn}
	writer := events.Writer{DB: conn}
	est := estimate.Heuristic{
		CostPer1KTokensUSD: cfg.Estimator.CostPer1KTokensUSD,
		DiscountPct:        cfg.Estimator.DiscountPct,
	}
	eng := &pipeline.Engine{
		Store:     store,
		Events:    writer,
		Retriever: retrieval.ScopeLibrary{Store: store},
		Executor:  executor.Scripted{},
		Verifier:  executor.StaticVerifier{},
	}
	c := &controller.Controller{
		Store:         store,
		Events:        writer,
		Builder:       manifest.Builder{Estimator: est},
		Pipeline:      eng,
		Log:           log,
		DefaultPolicy: cfg.DomainPolicy(),
	}
	return c, func() { conn.Close() }, nil
}

func withController(ctx context.Context, fn func(context.Context, *controller.Controller) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	c, closeFn, err := buildController(workspace, cfg, newLogger())
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, c)
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(headers))
	return t
}

func printJSONOr(v any, render func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
