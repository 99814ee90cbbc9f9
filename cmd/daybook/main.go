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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"daybook/internal/clock"
	"daybook/internal/config"
	"daybook/internal/db"
	"daybook/internal/domain"
	"daybook/internal/engine"
	"daybook/internal/migrate"
	"daybook/internal/notify"
	"daybook/internal/repo"
	"daybook/internal/scheduler"
	"daybook/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "daybook",
	Short: "Daybook CLI",
	Long: `Daybook keeps per-person reminders and day-scoped task lists.
- Reminders fire once at the scheduled time minus an optional lead, then are
  marked sent forever.
- Tasks live on a calendar day; unfinished ones roll forward at midnight and
  remember the day they were born on.
- Everything is stored in the workspace's .daybook SQLite database.`,
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
	viper.SetEnvPrefix("DAYBOOK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner", "local-user", "owner identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner", rootCmd.PersistentFlags().Lookup("owner"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(reminderCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(rolloverCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default daybook.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
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
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func reminderCmd() *cobra.Command {
	rem := &cobra.Command{
		Use:   "reminder",
		Short: "Manage reminders",
		Long:  "Reminders deliver a one-shot notification at the scheduled time minus the lead. Once sent they never fire again.",
	}
	rem.AddCommand(reminderAddCmd())
	rem.AddCommand(reminderListCmd())
	return rem
}

func reminderAddCmd() *cobra.Command {
	var at, title string
	var lead int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a reminder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				when, err := parseWhen(e.Clock, at)
				if err != nil {
					return err
				}
				rem, err := e.CreateReminder(ctx, engine.ReminderCreateOptions{
					OwnerID:     viper.GetString("owner"),
					Title:       title,
					ScheduledAt: when,
					LeadMinutes: lead,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rem)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", `event time ("2006-01-02 15:04" in the workspace zone, or RFC3339)`)
	cmd.Flags().StringVar(&title, "title", "", "title (defaults to one derived from the event time)")
	cmd.Flags().IntVar(&lead, "lead", 0, "minutes before the event to deliver")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func reminderListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListActiveReminders(ctx, viper.GetString("owner"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Event time", "Fires at", "Lead"})
				for _, rem := range items {
					tw.AppendRow(table.Row{
						rem.ID,
						rem.Title,
						rem.ScheduledAt.In(e.Clock.Loc).Format("02.01.2006 15:04"),
						rem.FireAt().In(e.Clock.Loc).Format("02.01.2006 15:04"),
						fmt.Sprintf("%dm", rem.LeadMinutes),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage day-scoped tasks",
		Long:  "Tasks belong to a calendar day. Pending tasks roll forward at midnight; each remembers its original day so old ones stand out.",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskToggleCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "add <description>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					OwnerID:     viper.GetString("owner"),
					Description: strings.Join(args, " "),
					Day:         day,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "calendar day (YYYY-MM-DD, defaults to today)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks for a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := day
				if target == "" {
					target = e.Clock.Today()
				}
				tasks, err := e.ListTasks(ctx, viper.GetString("owner"), target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				today := e.Clock.Today()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Description", "Status", "Since"})
				for _, t := range tasks {
					since := domain.AgeLabel(t.OriginalDay, today)
					tw.AppendRow(table.Row{t.ID, t.Description, t.Status, since})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "calendar day (YYYY-MM-DD, defaults to today)")
	return cmd
}

func taskToggleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Flip a task between pending and completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ToggleTask(ctx, id, viper.GetString("owner"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func rolloverCmd() *cobra.Command {
	roll := &cobra.Command{Use: "rollover", Short: "Advance unfinished tasks"}
	roll.AddCommand(rolloverRunCmd())
	return roll
}

func rolloverRunCmd() *cobra.Command {
	var catchUp bool
	var day string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the day rollover once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				policy := e.Config.Rollover.Policy
				if catchUp {
					policy = config.RolloverCatchUp
				}
				advanced, err := e.Rollover(ctx, policy, day)
				if err != nil {
					return err
				}
				fmt.Printf("Advanced %d tasks (policy %s)\n", advanced, policy)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&catchUp, "catch-up", false, "also advance tasks from days before the boundary")
	cmd.Flags().StringVar(&day, "day", "", "boundary day (YYYY-MM-DD, defaults to today)")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Store-wide counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var cursor int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.EventsAfter(ctx, n, cursor)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "return events after this id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "dbk_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:      uuid.NewString(),
				OwnerID: viper.GetString("owner"),
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The raw key is shown once and never stored.
				out := map[string]string{"id": key.ID, "owner_id": key.OwnerID, "key": secret}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("owner"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "Auth helpers"}
	auth.AddCommand(authTokenCmd())
	return auth
}

func authTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("set server.jwt_secret in daybook.yml or DAYBOOK_JWT_SECRET")
			}
			token, err := server.SignToken(secret, viper.GetString("owner"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reminder scheduler, midnight rollover and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			clk, err := clock.New(cfg.Timezone)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, clk)
			notifier, err := buildNotifier(cfg)
			if err != nil {
				return err
			}
			sched := scheduler.New(e, notifier, clk)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			scheduled, expired, err := sched.Restore(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Restored %d reminders (%d already past due)\n", scheduled, expired)

			go scheduler.RunRolloverLoop(ctx, e, clk, cfg.Rollover.Policy)
			server.StartWebhookDispatcher(ctx, e)

			authCfg := server.AuthConfig{
				JWTSecret:              jwtSecret(cfg),
				AllowLegacyOwnerHeader: cfg.Server.AllowOwnerHeader,
				EnableDevLogin:         cfg.Server.DevAuth,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyOwnerHeader {
				return fmt.Errorf("set server.jwt_secret (or DAYBOOK_JWT_SECRET) or enable server.allow_owner_header")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, Scheduler: sched, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Daybook API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			// Let in-flight timer callbacks finish before the db closes.
			sched.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func buildNotifier(cfg *config.Config) (notify.Notifier, error) {
	switch cfg.Notifier.Kind {
	case config.NotifierTelegram:
		token := cfg.Notifier.Telegram.Token
		if token == "" {
			token = os.Getenv("DAYBOOK_TELEGRAM_TOKEN")
		}
		if token == "" {
			return nil, fmt.Errorf("telegram notifier needs notifier.telegram.token or DAYBOOK_TELEGRAM_TOKEN")
		}
		return notify.NewTelegramNotifier(token), nil
	default:
		return notify.LogNotifier{}, nil
	}
}

func jwtSecret(cfg *config.Config) string {
	if s := os.Getenv("DAYBOOK_JWT_SECRET"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func parseWhen(clk clock.Clock, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, clk.Loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: use \"2006-01-02 15:04\" or RFC3339", s)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	clk, err := clock.New(cfg.Timezone)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, clk))
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
