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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"renderq/internal/cache"
	"renderq/internal/config"
	"renderq/internal/db"
	"renderq/internal/domain"
	"renderq/internal/engine"
	"renderq/internal/events"
	"renderq/internal/migrate"
	"renderq/internal/notify"
	"renderq/internal/repo"
	"renderq/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rq",
	Short: "Renderq CLI",
	Long: `Renderq schedules generation tasks across remote worker nodes.
Workflows declare typed inputs with per-unit costs; submitting one admits a
task (or a batch of tasks) into a weighted queue, charges the submitter's
balance, and streams status changes out through the cache layer. Workers
report progress with 'rq task event', and each user gets a deduplicated
notification feed.`,
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
	viper.SetEnvPrefix("RENDERQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowDeleteCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var name, description, seedField, inputsJSON string
	var baseCost, baseWeight float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			inputs := map[string]domain.Input{}
			if inputsJSON != "" {
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return fmt.Errorf("parse --inputs: %w", err)
				}
			}
			w := domain.Workflow{
				ID:          uuid.New().String(),
				Name:        name,
				Description: description,
				Inputs:      inputs,
				BaseCost:    baseCost,
				BaseWeight:  baseWeight,
				SeedField:   seedField,
				CreatedAt:   time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertWorkflow(ctx, w); err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workflow name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "input schema as JSON")
	cmd.Flags().StringVar(&seedField, "seed-field", "", "input mutated per batch item")
	cmd.Flags().Float64Var(&baseCost, "base-cost", 0, "fixed cost per execution")
	cmd.Flags().Float64Var(&baseWeight, "base-weight", 0, "base scheduling weight")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Base Cost", "Base Weight", "Inputs"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.BaseCost, w.BaseWeight, len(w.Inputs)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow with task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				w, err := r.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := r.CountTasksByStatus(ctx, w.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"workflow": w, "task_counts": counts})
			})
		},
	}
	return cmd
}

func workflowDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteWorkflow(ctx, args[0])
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow queuing -> pending -> running -> success/failed. Batch submissions create a parent whose status folds over its children.",
	}
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskEventCmd())
	task.AddCommand(taskLogCmd())
	return task
}

func taskSubmitCmd() *cobra.Command {
	var inputsJSON string
	var repeat int
	cmd := &cobra.Command{
		Use:   "submit <workflow-id>",
		Short: "Submit an execution request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs := map[string]any{}
			if inputsJSON != "" {
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return fmt.Errorf("parse --inputs: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AdmitTask(ctx, engine.AdmitOptions{
					WorkflowID: args[0],
					Inputs:     inputs,
					Repeat:     repeat,
					UserID:     viper.GetString("user"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "input values as JSON")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "repeat count")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Workflow", "Status", "Weight", "Cost", "Client"})
				for _, t := range tasks {
					client := ""
					if t.ClientID != nil {
						client = *t.ClientID
					}
					tw.AppendRow(table.Row{t.ID, t.WorkflowID, t.Status, fmt.Sprintf("%.3f", t.Weight), t.Cost, client})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.RootsOnly, "roots", false, "only parents and lone tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with effective status and children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				eff, err := e.EffectiveStatus(ctx, t)
				if err != nil {
					return err
				}
				children, err := e.Repo.ListChildren(ctx, t.ID)
				if err != nil {
					return err
				}
				out := map[string]any{"task": t, "effective_status": eff}
				if last, err := e.Repo.LatestEventByStatus(ctx, t.ID, t.Status); err == nil {
					out["status_since"] = last.TS
				}
				if len(children) > 0 {
					out["children"] = children
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, args[0])
			})
		},
	}
	return cmd
}

func taskEventCmd() *cobra.Command {
	var status, detail, clientID, dataJSON string
	cmd := &cobra.Command{
		Use:   "event <id>",
		Short: "Record a status transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if dataJSON != "" {
				if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
					return fmt.Errorf("parse --data: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RecordTransition(ctx, engine.TransitionOptions{
					TaskID:   args[0],
					Status:   domain.Status(status),
					Detail:   detail,
					Data:     events.EventData(data),
					ClientID: optionalString(clientID),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (pending, running, success, failed)")
	cmd.Flags().StringVar(&detail, "detail", "", "human-readable detail")
	cmd.Flags().StringVar(&clientID, "client", "", "reporting worker id")
	cmd.Flags().StringVar(&dataJSON, "data", "", "structured payload as JSON")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Show a task's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListTaskEvents(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Status", "Detail"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.TS, ev.Status, ev.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func queueCmd() *cobra.Command {
	queue := &cobra.Command{Use: "queue", Short: "Inspect the scheduling queue"}
	queue.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Show the queuing task with the lowest weight",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.NextQueued(ctx)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						fmt.Println("queue is empty")
						return nil
					}
					return err
				}
				return printJSONOrTable(t)
			})
		},
	})
	return queue
}

func notifyCmd() *cobra.Command {
	nt := &cobra.Command{Use: "notify", Short: "Manage the notification feed"}
	nt.AddCommand(notifyListCmd())
	nt.AddCommand(notifyReadAllCmd())
	nt.AddCommand(notifyClearCmd())
	return nt
}

func notifyListCmd() *cobra.Command {
	var unread bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotifications(ctx, repo.NotificationFilters{
					UserID:     viper.GetString("user"),
					UnreadOnly: unread,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Progress", "Read", "Target"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Title, fmt.Sprintf("%d%%", n.Value), n.Read, n.TargetID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread entries")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func notifyReadAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read-all",
		Short: "Mark the whole feed read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.MarkAllNotificationsRead(ctx, viper.GetString("user"))
			})
		},
	}
}

func notifyClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all notifications for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAllNotifications(ctx, viper.GetString("user"))
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userTopupCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var id, name, role string
	var balance, weightOffset float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = uuid.New().String()
			}
			u := domain.User{
				ID:           id,
				Name:         name,
				Role:         role,
				Balance:      balance,
				WeightOffset: weightOffset,
				CreatedAt:    time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (generated if empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "user", "role (admin, editor, user)")
	cmd.Flags().Float64Var(&balance, "balance", 0, "initial balance (negative = unlimited)")
	cmd.Flags().Float64Var(&weightOffset, "weight-offset", 0, "scheduling offset, lower runs sooner")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Balance", "Offset"})
				for _, u := range items {
					balance := fmt.Sprintf("%.2f", u.Balance)
					if u.Unlimited() {
						balance = "unlimited"
					}
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role, balance, u.WeightOffset})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userTopupCmd() *cobra.Command {
	var amount float64
	cmd := &cobra.Command{
		Use:   "topup <id>",
		Short: "Add balance to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.AddBalance(ctx, args[0], amount); err != nil {
					return err
				}
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().Float64Var(&amount, "amount", 0, "amount to add")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Manage API tokens"}
	tok.AddCommand(tokenCreateCmd())
	tok.AddCommand(tokenListCmd())
	tok.AddCommand(tokenDeleteCmd())
	return tok
}

func tokenCreateCmd() *cobra.Command {
	var description string
	var balance float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API token for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := uuid.New().String()
			t := domain.Token{
				ID:          uuid.New().String(),
				UserID:      viper.GetString("user"),
				KeyHash:     repo.HashToken(secret),
				Description: description,
				Balance:     balance,
				CreatedAt:   time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertToken(ctx, t); err != nil {
					return err
				}
				// The secret is shown once and never stored.
				fmt.Printf("token id: %s\nsecret:   %s\n", t.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().Float64Var(&balance, "balance", 0, "token balance (negative = unlimited)")
	return cmd
}

func tokenListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the acting user's tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTokens(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Description", "Balance", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Description, t.Balance, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tokenDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteToken(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if secret := os.Getenv("RENDERQ_JWT_SECRET"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("RENDERQ_JWT_SECRET is required for bearer auth")
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			store, err := cache.Open(cmd.Context(), cfg.Cache)
			if err != nil {
				return err
			}
			defer store.Close()
			e := engine.New(conn, cfg, store)
			manager := notify.New(e.Repo, store)
			manager.Start()
			defer manager.Stop()
			handler, err := server.New(server.Config{
				Engine:   e,
				Notify:   manager,
				Cache:    store,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving renderq API on http://%s%s (cache backend: %s)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Cache.Backend)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	store, err := cache.Open(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer store.Close()
	e := engine.New(conn, cfg, store)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
