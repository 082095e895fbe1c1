package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskpilot/internal/assign"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/flow"
	"taskpilot/internal/intent"
	"taskpilot/internal/migrate"
	"taskpilot/internal/notify"
	"taskpilot/internal/oracle"
	"taskpilot/internal/repo"
	"taskpilot/internal/server"
	"taskpilot/internal/session"
	"taskpilot/internal/sweep"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "Taskpilot coordination service",
	Long: `Taskpilot coordinates projects and tasks for chat groups: guided
dialogues for registering skills and creating projects and tasks,
skill-based task assignment, and overdue reminders.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "taskpilot.yml", "config file")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func newLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.DisableStacktrace = true
	return zcfg.Build()
}

func openDB() (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if s := os.Getenv("TASKPILOT_JWT_SECRET"); s != "" {
		cfg.HTTP.JWTSecret = s
	}
	if k := os.Getenv("TASKPILOT_GEMINI_API_KEY"); k != "" {
		cfg.Gemini.APIKey = k
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the overdue sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Listen = addr
			}
			if cfg.HTTP.JWTSecret == "" {
				return fmt.Errorf("TASKPILOT_JWT_SECRET is required for bearer auth")
			}
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()

			core := engine.New(conn, log)
			sessions := session.NewStore(cfg.Session.IdleTTL)

			var gem *oracle.Gemini
			if cfg.Gemini.APIKey != "" {
				gem, err = oracle.NewGemini(cmd.Context(), cfg.Gemini.APIKey, cfg.Gemini.Model, log)
				if err != nil {
					return err
				}
			} else {
				log.Warn("no Gemini API key configured, oracles disabled")
			}

			var scorer oracle.Scorer
			var classifier oracle.Classifier
			var extractor oracle.Extractor
			var gen notify.Generator
			if gem != nil {
				scorer, classifier, extractor, gen = gem, gem, gem, gem
			} else {
				scorer = unavailableScorer{}
			}

			assigner := assign.New(core.Repo, scorer, log)
			flows := flow.New(core, sessions, assigner, config.DeadlineLayout, log)
			router := intent.NewRouter(flows, classifier, extractor, config.DeadlineLayout, log)

			renderer := notify.NewRenderer(gen, log)
			sweeper := sweep.New(core.Repo, renderer, notify.LogNotifier{Log: log}, log)
			sweeper.Concurrency = cfg.Sweep.Concurrency

			handler, err := server.New(server.Config{
				Engine:   core,
				Router:   router,
				Sweeper:  sweeper,
				BasePath: cfg.HTTP.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.HTTP.JWTSecret},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go sessions.Run(ctx, cfg.Session.SweepInterval)
			go sweeper.RunEvery(ctx, cfg.Sweep.Interval)

			srv := &http.Server{Addr: cfg.HTTP.Listen, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving", zap.String("addr", cfg.HTTP.Listen), zap.String("base_path", cfg.HTTP.BasePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// unavailableScorer keeps assignment on the deterministic fallback when no
// oracle is configured.
type unavailableScorer struct{}

func (unavailableScorer) Score(ctx context.Context, taskName, taskDesc string, candidates map[string][]domain.Skill) (string, error) {
	return "", oracle.ErrUnavailable
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Println("database is up to date")
			return nil
		},
	}
}

func projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.Repo{DB: conn}
			projects, err := r.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Status", "Chat", "Created"})
			for _, p := range projects {
				tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.ChatID, p.CreatedAt})
			}
			tw.Render()
			return nil
		},
	}
}

func tasksCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.Repo{DB: conn}
			tasks, err := r.ListTasks(cmd.Context(), f)
			if err != nil {
				return err
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Status", "Assignee", "Deadline"})
			for _, t := range tasks {
				assignee := ""
				if t.AssigneeID != nil {
					assignee = *t.AssigneeID
				}
				tw.AppendRow(table.Row{t.CustomID, t.Name, t.Status, assignee, t.Deadline})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one overdue sweep pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.Repo{DB: conn}
			renderer := notify.NewRenderer(nil, log)
			sweeper := sweep.New(r, renderer, notify.LogNotifier{Log: log}, log)
			rep, err := sweeper.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("scanned=%d notified=%d failed=%d\n",
				rep.Scanned, rep.Notified, rep.Failed)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("taskpilot", version)
		},
	}
}
