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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"worktower/internal/app"
	"worktower/internal/config"
	"worktower/internal/db"
	"worktower/internal/domain"
	"worktower/internal/engine"
	"worktower/internal/repo"
	"worktower/internal/server"
	"worktower/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "wt",
	Short: "Worktower CLI",
	Long: `Worktower runs delegated tasks through a policed lifecycle.
A task is admitted by the policy gate, queued, claimed by exactly one worker,
executed, and then judged: the prover collects evidence from the run's
artifacts and the review policy decides whether a human must sign off.
Every state change lands in an append-only audit log, correlated by trace id.`,
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
	viper.SetEnvPrefix("WORKTOWER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-kind", "human", "actor kind (human, agent, system)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-kind", rootCmd.PersistentFlags().Lookup("actor-kind"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates the .worktower directory, the database, and a default worktower.yml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Setup(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"workspace": workspace,
					"database":  db.Path(workspace),
					"config":    config.Path(workspace),
				})
			}
			fmt.Printf("Workspace ready: db at %s, config at %s\n", db.Path(workspace), config.Path(workspace))
			fmt.Printf("Trace root: %s\n", cfg.Trace.RootURI)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func enqueueCmd() *cobra.Command {
	var spec domain.TaskSpec
	var idempotencyKey, inputs, metadata string
	var criteria, requirements []string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a task",
		Long:  "Submits a task through the policy gate. Rejected specs never reach the queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.RequestedBy = cliActor()
			spec.IdempotencyKey = optionalString(idempotencyKey)
			spec.InputsJSON = optionalString(inputs)
			spec.MetadataJSON = optionalString(metadata)
			spec.AcceptanceCriteria = criteria
			spec.EvidenceRequirements = requirements
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, created, err := e.EnqueueTask(ctx, spec, spec.RequestedBy)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": task, "created": created})
				}
				if !created {
					fmt.Printf("Idempotent replay: task %s already exists (trace %s)\n", task.ID, task.TraceID)
					return nil
				}
				fmt.Printf("Enqueued task %s (status %s, trace %s)\n", task.ID, task.Status, task.TraceID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&spec.Objective, "objective", "", "what the task should accomplish")
	cmd.Flags().StringVar(&spec.Operation, "operation", "code_change", "operation (code_change, docs, analysis, ops)")
	cmd.Flags().StringVar(&spec.Target.Repo, "repo", "", "target repository")
	cmd.Flags().StringVar(&spec.Target.Ref, "ref", "", "target ref (defaults to main)")
	cmd.Flags().StringVar(&spec.Target.Path, "path", "", "target path within the repo")
	cmd.Flags().IntVar(&spec.Constraints.TimeBudgetSeconds, "time-budget", 0, "time budget in seconds (0 uses the policy default)")
	cmd.Flags().BoolVar(&spec.Constraints.AllowNetwork, "allow-network", false, "request network access")
	cmd.Flags().BoolVar(&spec.Constraints.AllowSecrets, "allow-secrets", false, "request secrets access")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "dedupe key; replays return the original task")
	cmd.Flags().StringVar(&inputs, "inputs-json", "", "inputs JSON")
	cmd.Flags().StringVar(&metadata, "metadata-json", "", "metadata JSON")
	cmd.Flags().StringArrayVar(&criteria, "criterion", []string{}, "acceptance criterion (repeatable)")
	cmd.Flags().StringArrayVar(&requirements, "require-evidence", []string{}, "evidence requirement (repeatable)")
	cmd.Flags().StringVar(&spec.TraceID, "trace-id", "", "trace id (minted when omitted)")
	_ = cmd.MarkFlagRequired("objective")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Inspect and cancel tasks",
	}
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskCancelCmd())
	task.AddCommand(taskRunsCmd())
	return task
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f, limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Operation", "Repo", "Status", "Assigned", "Trace"})
				for _, t := range tasks {
					assigned := ""
					if t.AssignedTo != nil {
						assigned = *t.AssignedTo
					}
					tw.AppendRow(table.Row{t.ID, t.Operation, t.TargetRepo, t.Status, assigned, t.TraceID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Repo, "repo", "", "repository filter")
	cmd.Flags().StringVar(&f.Operation, "operation", "", "operation filter")
	cmd.Flags().StringVar(&f.RequestedBy, "requested-by", "", "requester id filter")
	cmd.Flags().StringVar(&f.TraceID, "trace-id", "", "trace id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or queued task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs <id>",
		Short: "List runs for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRunsForTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Executor", "Worker", "Created", "Updated"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Status, r.ExecutorType, r.WorkerID, r.CreatedAt, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workerCmd() *cobra.Command {
	var executorName string
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker loop",
		Long:  "Polls the queue, claims tasks, executes them, and records runs, evidence, and review outcomes. Multiple workers may share one workspace; the claim is atomic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				name := executorName
				if name == "" {
					name = e.Config.Worker.Executor
				}
				exec, err := worker.NewExecutor(name)
				if err != nil {
					return err
				}
				w := worker.New(e, exec, nil)
				if once {
					tasks, err := e.Repo.NextQueuedTasks(ctx, w.ClaimLimit)
					if err != nil {
						return err
					}
					for _, t := range tasks {
						if _, err := w.ProcessTask(ctx, t); err != nil {
							return err
						}
					}
					return nil
				}
				fmt.Printf("Worker %s polling every %ds (executor %s)\n", w.ID, e.Config.Worker.PollIntervalSeconds, exec.Name())
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&executorName, "executor", "", "executor to run (defaults to config)")
	cmd.Flags().BoolVar(&once, "once", false, "drain currently queued tasks and exit")
	return cmd
}

func reviewCmd() *cobra.Command {
	rv := &cobra.Command{
		Use:   "review",
		Short: "Manual review of evidence packs",
	}
	rv.AddCommand(reviewPendingCmd())
	rv.AddCommand(reviewSubmitCmd())
	rv.AddCommand(reviewShowCmd())
	return rv
}

func reviewPendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List evidence packs awaiting manual review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				packs, err := e.Repo.ListPendingReviewPacks(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(packs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pack", "Run", "Verdict", "Missing", "Created"})
				for _, p := range packs {
					tw.AppendRow(table.Row{p.ID, p.RunID, p.Verdict, len(p.MissingEvidence), p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func reviewSubmitCmd() *cobra.Command {
	var opts engine.SubmitReviewOptions
	var overrides string
	cmd := &cobra.Command{
		Use:   "submit <pack-id>",
		Short: "Approve or reject an evidence pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.EvidencePackID = args[0]
			opts.Reviewer = cliActor()
			opts.OverridesJSON = optionalString(overrides)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				decision, err := e.SubmitReview(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(decision)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Decision, "decision", "", "approved or rejected")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason for the decision")
	cmd.Flags().StringVar(&overrides, "overrides-json", "", "criterion overrides JSON")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func reviewShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <pack-id>",
		Short: "Show an evidence pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pack, err := e.Repo.GetEvidencePack(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(pack)
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
	}
	a.AddCommand(auditTraceCmd())
	a.AddCommand(auditEntityCmd())
	a.AddCommand(auditActorCmd())
	a.AddCommand(auditRecentCmd())
	return a
}

func auditTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <trace-id>",
		Short: "Full history of one trace, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.AuditByTrace(ctx, args[0])
				if err != nil {
					return err
				}
				return printAudit(entries)
			})
		},
	}
	return cmd
}

func auditEntityCmd() *cobra.Command {
	var limit int
	var beforeID int64
	cmd := &cobra.Command{
		Use:   "entity <kind> <id>",
		Short: "Audit entries for one entity, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListAudit(ctx, repo.AuditFilters{EntityKind: args[0], EntityID: args[1]}, limit, beforeID)
				if err != nil {
					return err
				}
				return printAudit(entries)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().Int64Var(&beforeID, "before-id", 0, "return entries older than this id")
	return cmd
}

func auditActorCmd() *cobra.Command {
	var limit int
	var beforeID int64
	cmd := &cobra.Command{
		Use:   "actor <kind> <id>",
		Short: "Audit entries by one actor, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListAudit(ctx, repo.AuditFilters{ActorKind: args[0], ActorID: args[1]}, limit, beforeID)
				if err != nil {
					return err
				}
				return printAudit(entries)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().Int64Var(&beforeID, "before-id", 0, "return entries older than this id")
	return cmd
}

func auditRecentCmd() *cobra.Command {
	var limit int
	var beforeID int64
	var action string
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListAudit(ctx, repo.AuditFilters{Action: action}, limit, beforeID)
				if err != nil {
					return err
				}
				return printAudit(entries)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	cmd.Flags().Int64Var(&beforeID, "before-id", 0, "return entries older than this id")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Setup(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, cfg)
			if addr == "" {
				addr = cfg.Server.Addr
			}
			authCfg := server.AuthConfig{JWTSecret: cfg.Server.JWTSecret}
			if secret := os.Getenv("WORKTOWER_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			mode := "dev header auth"
			if authCfg.JWTSecret != "" {
				mode = "bearer auth"
			}
			fmt.Printf("Serving Worktower API on http://%s%s (%s; OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath, mode)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl int64
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dev bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("WORKTOWER_JWT_SECRET")
			if secret == "" {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					if e.Config.Server.JWTSecret == "" {
						return fmt.Errorf("no JWT secret configured; set WORKTOWER_JWT_SECRET or server.jwt_secret")
					}
					return printToken(e.Config.Server.JWTSecret, ttl)
				})
			}
			return printToken(secret, ttl)
		},
	}
	cmd.Flags().Int64Var(&ttl, "ttl-seconds", 3600, "token lifetime (0 for no expiry)")
	return cmd
}

func printToken(secret string, ttl int64) error {
	token, err := server.MintDevToken(secret, cliActor(), ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, cfg, err := app.Setup(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, _, err := app.Setup(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func cliActor() domain.Actor {
	return domain.Actor{
		Kind: viper.GetString("actor-kind"),
		ID:   viper.GetString("actor-id"),
	}
}

func printAudit(entries []domain.AuditEntry) error {
	if viper.GetBool("json") {
		return printJSON(entries)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Actor", "Action", "Entity", "Note"})
	for _, e := range entries {
		note := ""
		if e.Note != nil {
			note = *e.Note
		}
		tw.AppendRow(table.Row{
			e.ID, e.TS,
			e.ActorKind + "/" + e.ActorID,
			e.Action,
			e.EntityKind + "/" + e.EntityID,
			note,
		})
	}
	tw.Render()
	return nil
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
