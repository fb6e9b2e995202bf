package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sprintboard/internal/app"
	"sprintboard/internal/config"
	"sprintboard/internal/domain"
	"sprintboard/internal/engine"
	"sprintboard/internal/engine/auth"
	"sprintboard/internal/logging"
	"sprintboard/internal/repo"
	"sprintboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sb",
	Short: "Sprint board coordination server",
	Long: `sb runs and administers a sprint task board.
- Tasks move Available -> Owned -> InProgress -> Completed; exactly one owner at a time.
- Every committed change becomes a numbered event per sprint, pushed to subscribers in order.
- Reconnecting clients resume from their last delivered sequence, or resync from a snapshot.
- Local commands act on the workspace database as --user with --role.`,
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
	viper.SetEnvPrefix("SPRINTBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "acting user id")
	rootCmd.PersistentFlags().String("role", "admin", "acting role (viewer, contributor, maintainer, admin)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sprintCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API and push server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			if env.JWTSecret == "" {
				return fmt.Errorf("SPRINTBOARD_JWT_SECRET is required for bearer auth")
			}
			logger := logging.New(os.Stderr, logging.Options{Level: env.SlogLevel(), Format: env.LogFormat, Color: env.LogColor})
			slog.SetDefault(logger)
			cfg, err := loadConfig(env)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			handler, err := rt.Handler(basePath, server.AuthConfig{JWTSecret: env.JWTSecret, DevTokens: cfg.Auth.DevTokens, Logger: logger})
			if err != nil {
				return err
			}
			logger.Info("serving sprint board", "addr", "http://"+addr+basePath, "store", cfg.Store.Driver,
				"openapi", basePath+"/openapi.json", "stream", basePath+"/stream")
			return rt.Serve(ctx, addr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func sprintCmd() *cobra.Command {
	sp := &cobra.Command{Use: "sprint", Short: "Manage sprints"}
	sp.AddCommand(sprintPutCmd())
	sp.AddCommand(sprintListCmd())
	sp.AddCommand(sprintShowCmd())
	sp.AddCommand(sprintAggregateCmd())
	return sp
}

func sprintPutCmd() *cobra.Command {
	var s domain.Sprint
	var start, end string
	cmd := &cobra.Command{
		Use:   "put <sprint-id>",
		Short: "Create or update a sprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s.ID = args[0]
			var err error
			if s.StartDate, err = parseDate(start); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if s.EndDate, err = parseDate(end); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				saved, err := rt.Engine.PutSprint(ctx, actor(), s)
				if err != nil {
					return err
				}
				return printSprints([]domain.Sprint{saved})
			})
		},
	}
	cmd.Flags().StringVar(&s.Name, "name", "", "sprint name")
	cmd.Flags().StringVar(&s.TeamID, "team", "", "team id")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&s.CapacityPoints, "capacity", 0, "capacity points")
	cmd.Flags().IntVar(&s.CommittedPoints, "committed", 0, "committed points")
	return cmd
}

func sprintListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Auth.Require(actor().Role, auth.PermBoardRead); err != nil {
					return err
				}
				sprints, err := rt.Store.ListSprints(ctx)
				if err != nil {
					return err
				}
				return printSprints(sprints)
			})
		},
	}
}

func sprintShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <sprint-id>",
		Short: "Show the board snapshot of a sprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Auth.Require(actor().Role, auth.PermBoardRead); err != nil {
					return err
				}
				snap, err := rt.Engine.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("%s  %s  seq=%d  %d/%d done (%d%%, %d pts)\n", snap.Sprint.ID, snap.Sprint.Name, snap.Sequence,
					snap.Aggregate.CompletedTaskCount, snap.Aggregate.TotalTaskCount, snap.Aggregate.ProgressPercentage, snap.Aggregate.CompletedPoints)
				return printTasks(snap.Tasks)
			})
		},
	}
}

func sprintAggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate <sprint-id>",
		Short: "Show sprint progress counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				agg, err := rt.Engine.GetAggregate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(agg)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks and ownership",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskTransitionCmd("claim", "Claim an available task", func(ctx context.Context, e *engine.Engine, id string) (domain.Task, error) {
		return e.ClaimTask(ctx, id, actor())
	}))
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskTransitionCmd("start", "Start work on an owned task", func(ctx context.Context, e *engine.Engine, id string) (domain.Task, error) {
		return e.StartWork(ctx, id, actor())
	}))
	task.AddCommand(taskTransitionCmd("complete", "Complete an owned or in-progress task", func(ctx context.Context, e *engine.Engine, id string) (domain.Task, error) {
		return e.CompleteWork(ctx, id, actor())
	}))
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in a sprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.SprintID == "" || opts.StoryID == "" || opts.Title == "" {
				return fmt.Errorf("--sprint, --story and --title are required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.CreateTask(ctx, actor(), opts)
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.SprintID, "sprint", "", "sprint id")
	cmd.Flags().StringVar(&opts.StoryID, "story", "", "story id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringSliceVar(&opts.AcceptanceCriteriaRefs, "criteria", nil, "acceptance criteria refs")
	cmd.Flags().Float64Var(&opts.EstimatedHours, "hours", 0, "estimated hours")
	cmd.Flags().IntVar(&opts.StoryPoints, "points", 0, "story points")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if t.Status != domain.StatusCompleted {
					return printJSONOrTable(t)
				}
				// completion clears the owner; the journal still knows who held it
				last, err := rt.Journal.LastOwner(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					domain.Task
					CompletedBy string `json:"completed_by,omitempty"`
				}{t, last})
			})
		},
	}
}

func taskTransitionCmd(use, short string, op func(context.Context, *engine.Engine, string) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := op(ctx, rt.Engine, args[0])
				if err != nil {
					return describeTransitionError(err)
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
}

func taskReleaseCmd() *cobra.Command {
	var override bool
	cmd := &cobra.Command{
		Use:   "release <task-id>",
		Short: "Release ownership of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.ReleaseOwnership(ctx, args[0], actor(), override)
				if err != nil {
					return describeTransitionError(err)
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
	cmd.Flags().BoolVar(&override, "override", false, "release a task owned by someone else (needs ownership.override)")
	return cmd
}

func describeTransitionError(err error) error {
	var te *engine.TransitionError
	if errors.As(err, &te) && te.Task.ID != "" {
		return fmt.Errorf("%s: %w (task is %s, owner %q, version %d)", te.Code(), err, te.Task.Status, te.Task.Owner(), te.Task.Version)
	}
	return err
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event journal",
		Long:  "Every committed ownership or status change, numbered per sprint.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var sprintID string
	var after uint64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events of a sprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sprintID == "" {
				return fmt.Errorf("--sprint is required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var evts []domain.TaskEvent
				var err error
				if cmd.Flags().Changed("after") {
					evts, err = rt.Journal.SprintEventsAfter(ctx, sprintID, after, n)
				} else {
					evts, err = rt.Journal.Recent(ctx, sprintID, n)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Task", "Actor", "Owner", "Status", "At"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.Sequence, e.Type, e.TaskID, e.ActorUserID, e.OwnerUserID,
						fmt.Sprintf("%s -> %s", e.OldStatus, e.NewStatus), e.Timestamp.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&sprintID, "sprint", "", "sprint id")
	cmd.Flags().Uint64Var(&after, "after", 0, "list events after this sequence instead of the newest")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Board configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			c, err := loadConfig(env)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := c.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a config file (defaults to the workspace sprintboard.yml)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.FromFile(path); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	return cfg
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var user, role string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a JWT with SPRINTBOARD_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			token, err := server.SignToken(env.JWTSecret, user, domain.ParseRole(role), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&user, "for", "", "user id the token identifies")
	issue.Flags().StringVar(&role, "as", string(domain.RoleContributor), "role carried by the token")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "validity")
	tok.AddCommand(issue)
	return tok
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "API keys for the X-Api-Key header"}
	var user, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(user) == "" {
				return fmt.Errorf("--for is required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := requireAdmin(rt); err != nil {
					return err
				}
				raw := "sb_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  user,
					Role:    domain.ParseRole(role),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := rt.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": raw})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&user, "for", "", "user id the key identifies")
	create.Flags().StringVar(&role, "as", string(domain.RoleContributor), "role carried by the key")
	create.Flags().StringVar(&name, "name", "", "label")
	keys.AddCommand(create)

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := requireAdmin(rt); err != nil {
					return err
				}
				found, err := rt.Repo.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					for i := range found {
						found[i].KeyHash = ""
					}
					return printJSON(found)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Role", "Name", "Created"})
				for _, k := range found {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Role, k.Name, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "for", "", "only keys of this user")
	keys.AddCommand(list)

	keys.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := requireAdmin(rt); err != nil {
					return err
				}
				if err := rt.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return fmt.Errorf("revoke %s: %w", args[0], err)
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	})
	return keys
}

// requireAdmin gates key management on the configured admin rank.
func requireAdmin(rt *app.Runtime) error {
	if !rt.Engine.Auth.AtLeast(actor().Role, domain.RoleAdmin) {
		return fmt.Errorf("managing api keys requires the admin role")
	}
	return nil
}

// --- helpers ---

func actor() domain.Actor {
	return domain.Actor{UserID: viper.GetString("user"), Role: domain.ParseRole(viper.GetString("role"))}
}

func loadConfig(env *config.Env) (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	env.Apply(cfg)
	return cfg, cfg.Validate()
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(env)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, logging.Options{Level: env.SlogLevel(), Format: env.LogFormat, Color: env.LogColor})
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

func printSprints(sprints []domain.Sprint) error {
	if viper.GetBool("json") {
		return printJSON(sprints)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Team", "Tasks", "Done", "Points", "Progress"})
	for _, s := range sprints {
		tw.AppendRow(table.Row{s.ID, s.Name, s.TeamID, s.TotalTaskCount, s.CompletedTaskCount, s.CompletedPoints,
			fmt.Sprintf("%d%%", s.ProgressPercentage)})
	}
	tw.Render()
	return nil
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Owner", "Points", "Version"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Owner(), t.StoryPoints, t.Version})
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
