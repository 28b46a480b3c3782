package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nudgeline/internal/app"
	"nudgeline/internal/config"
	"nudgeline/internal/domain"
	"nudgeline/internal/engine"
	"nudgeline/internal/repo"
	"nudgeline/internal/scheduler"
	"nudgeline/internal/server"
	"nudgeline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "nl",
	Short: "Nudgeline CLI",
	Long: `Nudgeline schedules health check-in nudges and delivers them as push notifications.
- Nudges: scheduled messages for one user (medication check-ins, condition tracking, follow-ups, insights).
- Delivery pass: finds due nudges nobody was notified about, ranks them, applies the daily cap and quiet hours, and pushes them once.
- Responses: answering a nudge completes it; positive answers close the sequence, concerning ones schedule a follow-up.
- Event log: every lifecycle change is journaled, view with 'nl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("error loading .env file: %v", err)
	}
	viper.SetEnvPrefix("NUDGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", config.FileName, "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(nudgeCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file (defaults when absent) and applies
// secrets from the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("scheduler_secret"); v != "" {
		cfg.Scheduler.Secret = v
	}
	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("fcm_credentials"); v != "" {
		cfg.Push.CredentialsFile = v
	}
	return cfg, cfg.Validate()
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "nudgeline ", log.LstdFlags)
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server, scheduler and webhook relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if cfg.Server.JWTSecret == "" {
					return fmt.Errorf("NUDGELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: cfg.Server.BasePath,
					Logger:   rt.Logger,
					Auth: server.AuthConfig{
						JWTSecret:       cfg.Server.JWTSecret,
						SchedulerSecret: cfg.Scheduler.Secret,
						Logger:          rt.Logger,
					},
				})
				if err != nil {
					return err
				}

				if cfg.Scheduler.Enabled {
					sched, err := scheduler.New(rt.Engine, cfg.Scheduler, rt.Logger)
					if err != nil {
						return err
					}
					sched.Now = rt.Engine.Clock
					sched.Start()
					defer func() {
						stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.RunTimeout.Std())
						defer cancel()
						sched.Stop(stopCtx)
					}()
				}

				relayCtx, stopRelay := context.WithCancel(ctx)
				defer stopRelay()
				go server.NewWebhookRelay(rt.Repo, cfg.Webhooks, rt.Logger).Run(relayCtx)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Nudgeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one delivery pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				now := rt.Engine.Clock()
				woken, err := rt.Engine.WakeSnoozed(ctx, now)
				if err != nil {
					return err
				}
				stats, err := rt.Engine.ProcessDueNudges(ctx, now)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"woken": woken, "stats": stats})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Scanned", "Processed", "Notified", "Errors", "Daily cap", "Quiet hours", "Locked", "Woken"})
				tw.AppendRow(table.Row{stats.Scanned, stats.Processed, stats.Notified, stats.Errors,
					stats.SkippedDailyLimit, stats.SkippedQuietHours, stats.LockContended, woken})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func backfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Stamp notification_sent=false on legacy pending nudges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.Backfill(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"success": true, "updated": n})
				}
				fmt.Printf("Backfilled %d nudges\n", n)
				return nil
			})
		},
	}
	return cmd
}

func nudgeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "nudge", Short: "Manage nudges"}
	cmd.AddCommand(nudgeListCmd())
	cmd.AddCommand(nudgeShowCmd())
	cmd.AddCommand(nudgeCreateCmd())
	cmd.AddCommand(nudgeRespondCmd())
	cmd.AddCommand(nudgeDismissCmd())
	return cmd
}

func nudgeListCmd() *cobra.Command {
	var f store.NudgeFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nudges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f.Status = domain.NudgeStatus(status)
				if f.Status != "" && !f.Status.Valid() {
					return fmt.Errorf("invalid status %s", status)
				}
				items, err := rt.Engine.ListNudges(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Type", "Status", "Scheduled", "Sent", "Skipped"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.UserID, n.Type, n.Status, n.ScheduledFor.UTC().Format(time.RFC3339), sentLabel(n), n.NotificationSkipped})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UserID, "user", "", "user id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func sentLabel(n domain.Nudge) string {
	switch {
	case n.NotificationSent == nil:
		return "-"
	case *n.NotificationSent:
		return "yes"
	default:
		return "no"
	}
}

func nudgeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a nudge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.GetNudge(ctx, args[0], "")
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	return cmd
}

func nudgeCreateCmd() *cobra.Command {
	var opts engine.NudgeCreateOptions
	var typ, at string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a nudge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				when, err := parseWhen(at, rt.Engine.Clock())
				if err != nil {
					return err
				}
				opts.Type = domain.NudgeType(typ)
				opts.ScheduledFor = when
				n, err := rt.Engine.CreateNudge(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "nudge id (generated when empty)")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&typ, "type", string(domain.TypeMedicationCheckin), "nudge type")
	cmd.Flags().StringVar(&opts.Title, "title", "", "notification title")
	cmd.Flags().StringVar(&opts.Message, "message", "", "notification body")
	cmd.Flags().StringVar(&opts.SequenceID, "sequence", "", "sequence id")
	cmd.Flags().IntVar(&opts.SequenceDay, "sequence-day", 0, "day within the sequence")
	cmd.Flags().StringVar(&opts.ConditionID, "condition-id", "", "condition id")
	cmd.Flags().StringVar(&opts.MedicationID, "medication-id", "", "medication id")
	cmd.Flags().StringVar(&opts.MedicationName, "medication-name", "", "medication name")
	cmd.Flags().StringVar(&opts.VisitID, "visit-id", "", "visit id")
	cmd.Flags().StringVar(&at, "at", "now", "RFC3339 time, 'now', or an offset like +2h")
	return cmd
}

// parseWhen accepts RFC3339, "now", or a "+duration" offset from now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "now":
		return now, nil
	case strings.HasPrefix(s, "+"):
		d, err := time.ParseDuration(strings.TrimPrefix(s, "+"))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at offset %q: %w", s, err)
		}
		return now.Add(d), nil
	default:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at time %q: %w", s, err)
		}
		return t, nil
	}
}

func nudgeRespondCmd() *cobra.Command {
	var response, note string
	cmd := &cobra.Command{
		Use:   "respond <id>",
		Short: "Respond to a nudge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Respond(ctx, engine.RespondOptions{
					NudgeID:  args[0],
					Response: response,
					Note:     note,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Nudge %s %s (%s)\n", res.Nudge.ID, res.Nudge.Status, res.Category)
				if res.DismissedSiblings > 0 {
					fmt.Printf("Dismissed %d pending nudges in the sequence\n", res.DismissedSiblings)
				}
				if res.FollowUp != nil {
					fmt.Printf("Follow-up %s scheduled for %s\n", res.FollowUp.ID, res.FollowUp.ScheduledFor.UTC().Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&response, "response", "", "structured response value")
	cmd.Flags().StringVar(&note, "note", "", "free-text answer")
	return cmd
}

func nudgeDismissCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss a nudge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.Dismiss(ctx, args[0], "", rt.Engine.Clock())
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage user profiles and device tokens"}
	cmd.AddCommand(userSetCmd())
	token := &cobra.Command{Use: "token", Short: "Manage push tokens"}
	token.AddCommand(userTokenAddCmd())
	token.AddCommand(userTokenRemoveCmd())
	cmd.AddCommand(token)
	return cmd
}

func userSetCmd() *cobra.Command {
	var tz string
	cmd := &cobra.Command{
		Use:   "set <user-id>",
		Short: "Set a user's timezone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", tz, err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p := domain.UserProfile{ID: args[0], Timezone: tz}
				if err := rt.Store.UpsertUserProfile(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&tz, "timezone", "UTC", "IANA timezone")
	return cmd
}

func userTokenAddCmd() *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "add <user-id> <token>",
		Short: "Register a device token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Store.UpsertPushToken(ctx, domain.PushToken{
					UserID:    args[0],
					Token:     args[1],
					Platform:  platform,
					CreatedAt: time.Now().UTC(),
				})
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "ios, android or web")
	return cmd
}

func userTokenRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <user-id> <token>",
		Short: "Remove a device token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Store.DeletePushToken(ctx, args[0], args[1])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The journal of nudge lifecycle changes: created, notified, skipped, completed, dismissed, follow-ups.",
	}
	cmd.AddCommand(logTailCmd())
	cmd.AddCommand(logPruneCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "User", "Nudge", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.UserID, e.NudgeID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.UserID, "user", "", "user id filter")
	cmd.Flags().StringVar(&f.NudgeID, "nudge", "", "nudge id filter")
	return cmd
}

func logPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Journal.Prune(ctx, rt.Engine.Clock().Add(-olderThan))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": n})
				}
				fmt.Printf("Deleted %d events\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "API tokens"}
	cmd.AddCommand(tokenMintCmd())
	return cmd
}

func tokenMintCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint <user-id>",
		Short: "Mint a user JWT signed with the server secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)}
			if ttl > 0 {
				claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
			}
			tok, err := server.MintToken(cfg.Server.JWTSecret, args[0], roles, claims)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create nudgeline.yml",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Server.JWTSecret = redact(cfg.Server.JWTSecret)
			cfg.Scheduler.Secret = redact(cfg.Scheduler.Secret)
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
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
