package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"actionline/internal/app"
	"actionline/internal/config"
	"actionline/internal/domain"
	"actionline/internal/effects"
	"actionline/internal/engine"
	"actionline/internal/events"
	"actionline/internal/logging"
	"actionline/internal/notices"
	"actionline/internal/repo"
	"actionline/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Actionline CLI",
	Long: `Actionline dispatches contextual clinic actions.
- Screens: each screen (agenda, patients, messages, dashboard) offers a short, prioritized list of actions.
- Roles: a role holds capabilities; an action is shown and run only when the role holds its capability.
- Activities: every run is tracked as pending -> in-progress -> completed/failed; failed runs can be retried.
- Approvals: sensitive actions wait for someone holding the approval capability.
- Audit: every attempt is recorded, allowed or not. Use 'al audit tail' and 'al audit metrics'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		// .env values never override the real environment.
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		l, err := logging.New(viper.GetString("log-level"), viper.GetBool("log-json"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ACTIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.StringP("config", "c", "", "config file (default <workspace>/actionline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("role", "", "role the actor acts as")
	flags.Bool("archive", true, "persist audit entries and activity events in the workspace database")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit JSON logs")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "role", "archive", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func actionsCmd() *cobra.Command {
	var screen string
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List the actions a role sees on a screen",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := requireRole()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				defs := rt.Engine.GetActions(domain.ActionContext{ScreenScope: screen, Role: role, ActorID: viper.GetString("actor-id")})
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "ID", "Label", "Capability", "Kind", "Approval"})
				for _, def := range defs {
					approval := ""
					if def.RequiresApproval {
						approval = "required"
					}
					tw.AppendRow(table.Row{def.Priority, def.ID, def.Label, def.RequiredCapability, def.Kind, approval})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&screen, "screen", "", "screen scope (agenda, patients, messages, dashboard)")
	_ = cmd.MarkFlagRequired("screen")
	return cmd
}

func execCmd() *cobra.Command {
	var screen, patient, subject string
	var aux map[string]string
	var fail bool
	var scale float64
	cmd := &cobra.Command{
		Use:   "exec <action-id>",
		Short: "Execute an action as --actor-id/--role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := requireRole()
			if err != nil {
				return err
			}
			c := domain.ActionContext{
				ScreenScope: screen,
				Role:        role,
				ActorID:     viper.GetString("actor-id"),
				PatientID:   patient,
				SubjectID:   subject,
			}
			if len(aux) > 0 || fail {
				c.Aux = map[string]any{}
				for k, v := range aux {
					c.Aux[k] = v
				}
				if fail {
					c.Aux[effects.AuxSimulateFailure] = true
				}
			}
			return withRuntimeOpts(cmd.Context(), app.Options{Effects: effects.Simulated{Scale: scale}}, true, func(ctx context.Context, rt *app.Runtime) error {
				transitions, unsubscribe := rt.Engine.SubscribeActivity("")
				var g errgroup.Group
				if rt.DB != nil {
					g.Go(func() error {
						return rt.Events.Record(context.WithoutCancel(ctx), transitions, logger.Named("events"))
					})
				}
				res := rt.Engine.Execute(ctx, engine.ExecuteRequest{ActionID: args[0], Context: c})
				unsubscribe()
				if err := g.Wait(); err != nil {
					return err
				}
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("%s: %s", res.ErrorKind, res.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&screen, "screen", "", "screen scope the action is invoked from")
	cmd.Flags().StringVar(&patient, "patient", "", "patient id")
	cmd.Flags().StringVar(&subject, "subject", "", "subject id activities are grouped under (defaults to patient)")
	cmd.Flags().StringToStringVar(&aux, "aux", nil, "auxiliary context key=value pairs")
	cmd.Flags().BoolVar(&fail, "fail", false, "make the simulated effect fail")
	cmd.Flags().Float64Var(&scale, "latency-scale", 1, "multiplier applied to simulated latency")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(auditTailCmd())
	cmd.AddCommand(auditMetricsCmd())
	return cmd
}

func auditTailCmd() *cobra.Command {
	var n int
	var actor, role, action, since string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest archived audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := repo.AuditQuery{ActorID: actor, Role: role, Action: action, Limit: n}
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				q.Since = time.Now().Add(-d)
			}
			return withArchive(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListAudit(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Actor", "Role", "Action", "Success", "Note"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.Timestamp.Local().Format(time.DateTime), e.ActorID, e.Role, e.ActionID, e.Success, auditNote(e)})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of entries")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id filter")
	cmd.Flags().StringVar(&role, "filter-role", "", "role filter")
	cmd.Flags().StringVar(&action, "action", "", "action id substring filter")
	cmd.Flags().StringVar(&since, "since", "", "only entries newer than this duration (e.g. 24h)")
	return cmd
}

func auditNote(e domain.AuditLogEntry) string {
	for _, key := range []string{"error_kind", "reason", "approval_id"} {
		if v, ok := e.Details[key]; ok {
			return fmt.Sprintf("%s=%v", key, v)
		}
	}
	return ""
}

func auditMetricsCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Aggregate metrics over the retained audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				m := rt.Engine.GetMetrics(role)
				if viper.GetBool("json") {
					return printJSON(m)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Total", m.TotalActions},
					{"Today", m.TodayActions},
					{"Last 7 days", m.WeekActions},
					{"Success rate", fmt.Sprintf("%.2f%%", m.SuccessRate)},
					{"Average per day", fmt.Sprintf("%.2f", m.AverageActionsPerDay)},
				})
				for i, c := range m.MostUsedActions {
					tw.AppendRow(table.Row{fmt.Sprintf("Top %d", i+1), fmt.Sprintf("%s (%d)", c.ActionID, c.Count)})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "filter-role", "", "only count entries of this role")
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect archived activity transitions",
	}
	var n int
	var activityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest activity events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Events.List(ctx, activityID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Type", "Activity", "Subject", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityID, e.SubjectID, e.ActorID})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&activityID, "activity", "", "activity id filter")
	cmd.AddCommand(tail)
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the capabilities of --role",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := requireRole()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				caps := rt.Engine.Gate.Capabilities(role)
				if len(caps) == 0 {
					return fmt.Errorf("unknown role %q (known: %s)", role, strings.Join(rt.Engine.Gate.Roles(), ", "))
				}
				return printJSONOrTable(map[string]any{
					"actor_id":     viper.GetString("actor-id"),
					"role":         role,
					"capabilities": caps,
					"can_approve":  rt.Engine.Gate.Allow(role, rt.Config.Approval.Capability),
				})
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the dispatcher config",
		Long:  "Config is the rulebook: screens and their actions, roles and capabilities, kind profiles and webhooks. It is read from actionline.yml in the workspace, falling back to built-in defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
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

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id/--role (needs ACTIONLINE_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := requireRole()
			if err != nil {
				return err
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), role, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var headerAuth, devLogin bool
	var scale float64
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:       viper.GetString("jwt-secret"),
				AllowHeaderAuth: headerAuth,
				EnableDevLogin:  devLogin,
				Logger:          logger.Named("auth"),
			}
			if authCfg.JWTSecret == "" && !headerAuth {
				return fmt.Errorf("ACTIONLINE_JWT_SECRET is required for bearer auth (or pass --allow-header-auth)")
			}
			if devLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("--dev-login needs ACTIONLINE_JWT_SECRET")
			}
			return withRuntimeOpts(cmd.Context(), app.Options{Effects: effects.Simulated{Scale: scale}}, true, func(ctx context.Context, rt *app.Runtime) error {
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					Events:   eventsWriter(rt),
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   logger.Named("http"),
				})
				if err != nil {
					return err
				}
				g, gctx := errgroup.WithContext(ctx)
				// Streams end with gctx, so Shutdown does not wait on them.
				srv := &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
					BaseContext:       func(net.Listener) context.Context { return gctx },
				}
				relay := &notices.Relay{
					Source:   rt.Engine.Tracker,
					Webhooks: rt.Config.Notices.Webhooks,
					Logger:   logger.Named("notices"),
				}
				g.Go(relay.Start(gctx))
				g.Go(func() error { return rt.RecordEvents(gctx) })
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
					fmt.Printf("Serving Actionline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&headerAuth, "allow-header-auth", false, "trust X-Actor-Id/X-Role headers from a proxy")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST <base>/auth/dev/login")
	cmd.Flags().Float64Var(&scale, "latency-scale", 1, "multiplier applied to simulated latency")
	return cmd
}

// --- helpers ---

func requireRole() (string, error) {
	role := strings.TrimSpace(viper.GetString("role"))
	if role == "" {
		return "", fmt.Errorf("--role (or ACTIONLINE_ROLE) is required")
	}
	return role, nil
}

func withRuntime(ctx context.Context, archive bool, fn func(context.Context, *app.Runtime) error) error {
	return withRuntimeOpts(ctx, app.Options{}, archive, fn)
}

// withRuntimeOpts opens the runtime; the archive is used when both the
// command wants it and --archive is set.
func withRuntimeOpts(ctx context.Context, opts app.Options, archive bool, fn func(context.Context, *app.Runtime) error) error {
	opts.Workspace = viper.GetString("workspace")
	opts.ConfigPath = viper.GetString("config")
	opts.Archive = archive && viper.GetBool("archive")
	opts.Logger = logger
	rt, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withArchive(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	if !viper.GetBool("archive") {
		return fmt.Errorf("this command reads the workspace archive; drop --archive=false")
	}
	return withRuntime(ctx, true, fn)
}

func eventsWriter(rt *app.Runtime) *events.Writer {
	if rt.DB == nil {
		return nil
	}
	w := rt.Events
	return &w
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
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
