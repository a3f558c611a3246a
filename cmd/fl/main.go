package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"factline/internal/catalog"
	"factline/internal/config"
	"factline/internal/db"
	"factline/internal/domain"
	"factline/internal/engine"
	"factline/internal/migrate"
	"factline/internal/repo"
	"factline/internal/server"
	"factline/internal/warehouse"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Factline CLI",
	Long: `Factline syncs labeling operations data from an analytical warehouse
into a relational mart and keeps derived facts current.
Concepts:
- Warehouse: the read-only DuckDB source holding raw labeling history.
- Mart: the SQLite database under .factline/ that serves dashboards and lookups.
- Dataset: one extract-transform-load job (contributors, task_facts, completions,
  handle_times, review_facts, daily_rollups). Datasets depend on each other and
  always run in dependency order; asking for one pulls in its predecessors.
- Sync run: one dataset execution with its counts and outcome
  (success, partial, failed, skipped-dependency).
- Cycle: one pass over the requested datasets; the daemon fires one per interval
  and notifies configured webhooks about terminal runs.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
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
	viper.SetEnvPrefix("FACTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/factline.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(datasetsCmd())
	rootCmd.AddCommand(configCmd())
}

func initCmd() *cobra.Command {
	var project string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a factline workspace",
		Long:  "Writes a default factline.yml, creates the mart database, and applies migrations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(project)), 0o644); err != nil {
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
			if viper.GetBool("json") {
				return printJSON(map[string]string{"config": cfgPath, "mart": db.Path(workspace)})
			}
			fmt.Printf("Initialized factline workspace in %s\n  config: %s\n  mart:   %s\n", workspace, cfgPath, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "warehouse project scope")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func syncCmd() *cobra.Command {
	var datasets []string
	var syncType string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long:  "Extracts, transforms, and loads the selected datasets (default all) in dependency order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.RunCycle(ctx, engine.CycleOptions{Datasets: datasets, SyncType: syncType})
				if err != nil {
					return err
				}
				if err := printCycle(res); err != nil {
					return err
				}
				if _, _, failed, _ := res.Counts(); failed > 0 {
					return fmt.Errorf("%d dataset(s) failed", failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&datasets, "dataset", []string{}, "dataset to sync (repeatable; default all)")
	cmd.Flags().StringVar(&syncType, "type", domain.SyncManual, "sync type (manual, initial)")
	return cmd
}

func daemonCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync scheduler and HTTP API",
		Long:  "Fires a sync cycle every interval, prunes run history, posts webhook notifications, and serves the HTTP API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context(), addr, basePath, true)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  "Serves the sync API without the scheduler loop; cycles run only when triggered over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context(), addr, basePath, false)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func runsCmd() *cobra.Command {
	var f repo.RunFilter
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Dataset != "" {
				if _, err := catalog.JobByDataset(f.Dataset); err != nil {
					return err
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListSyncRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Dataset", "Type", "Status", "Started", "Processed", "Skipped"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.Dataset, run.SyncType, run.Status,
						run.StartedAt.UTC().Format(time.RFC3339), run.Processed, run.Skipped})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Dataset, "dataset", "", "dataset filter")
	cmd.Flags().IntVar(&f.Limit, "limit", repo.DefaultRunLimit, "maximum runs to list")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show mart contents and sync cadence",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				// scheduler without a warehouse: only the countdown logic is used
				s := engine.NewScheduler(engine.New(r.DB, nil, cfg))
				if err := s.Seed(ctx); err != nil {
					return err
				}
				jobs := catalog.Jobs()
				tables := make([]string, len(jobs))
				for i, j := range jobs {
					tables[i] = j.TargetTable
				}
				counts, err := r.TableCounts(ctx, tables)
				if err != nil {
					return err
				}
				type datasetStatus struct {
					Dataset    string `json:"dataset"`
					Table      string `json:"table"`
					Rows       int    `json:"rows"`
					LastStatus string `json:"last_status,omitempty"`
					LastRunAt  string `json:"last_run_at,omitempty"`
				}
				statuses := make([]datasetStatus, 0, len(jobs))
				for _, j := range jobs {
					ds := datasetStatus{Dataset: j.Dataset, Table: j.TargetTable, Rows: counts[j.TargetTable]}
					last, err := r.ListSyncRuns(ctx, repo.RunFilter{Dataset: j.Dataset, Limit: 1})
					if err != nil {
						return err
					}
					if len(last) > 0 {
						ds.LastStatus = last[0].Status
						ds.LastRunAt = last[0].StartedAt.UTC().Format(time.RFC3339)
					}
					statuses = append(statuses, ds)
				}
				var lastSync *string
				if t := s.LastRunAt(); t != nil {
					v := t.UTC().Format(time.RFC3339)
					lastSync = &v
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project":                 cfg.Scope.Project,
						"mart":                    db.Path(workspace),
						"last_sync_time":          lastSync,
						"sync_interval_minutes":   cfg.Sync.IntervalMinutes,
						"seconds_until_next_sync": s.SecondsUntilNext(),
						"datasets":                statuses,
					})
				}
				fmt.Printf("Project: %s\n", cfg.Scope.Project)
				fmt.Printf("Mart: %s\n", db.Path(workspace))
				if lastSync != nil {
					fmt.Printf("Last sync: %s (next in %ds)\n", *lastSync, s.SecondsUntilNext())
				} else {
					fmt.Println("Last sync: never")
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Dataset", "Table", "Rows", "Last Status", "Last Run"})
				for _, ds := range statuses {
					tw.AppendRow(table.Row{ds.Dataset, ds.Table, ds.Rows, ds.LastStatus, ds.LastRunAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func datasetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "Show the dataset catalog",
		Long:  "Lists every dataset job with its target table, load strategy, predecessors, and effective batch size.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			jobs := catalog.Jobs()
			if viper.GetBool("json") {
				type datasetInfo struct {
					Dataset      string   `json:"dataset"`
					TargetTable  string   `json:"target_table"`
					Strategy     string   `json:"strategy"`
					Predecessors []string `json:"predecessors"`
					BatchSize    int      `json:"batch_size"`
					Enabled      bool     `json:"enabled"`
				}
				out := make([]datasetInfo, 0, len(jobs))
				for _, j := range jobs {
					out = append(out, datasetInfo{
						Dataset:      j.Dataset,
						TargetTable:  j.TargetTable,
						Strategy:     j.Strategy,
						Predecessors: j.Predecessors,
						BatchSize:    cfg.BatchSizeFor(j.Dataset),
						Enabled:      cfg.Enabled(j.Dataset),
					})
				}
				return printJSON(out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Dataset", "Table", "Strategy", "Predecessors", "Batch", "Enabled"})
			for _, j := range jobs {
				tw.AppendRow(table.Row{j.Dataset, j.TargetTable, j.Strategy,
					strings.Join(j.Predecessors, ", "), cfg.BatchSizeFor(j.Dataset), cfg.Enabled(j.Dataset)})
			}
			tw.Render()
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
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config and dataset catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := catalog.Validate()
			if err == nil {
				_, err = loadConfig(viper.GetString("workspace"))
			}
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
	return cmd
}

// --- helpers ---

func loadConfig(workspace string) (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// warehousePath resolves the configured warehouse file against the
// workspace. Empty stays empty, which opens an in-memory instance.
func warehousePath(workspace string, cfg *config.Config) string {
	p := cfg.Warehouse.Path
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig(workspace)
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
	wh, err := warehouse.Open(warehousePath(workspace, cfg))
	if err != nil {
		return err
	}
	defer wh.Close()
	return fn(ctx, engine.New(conn, wh, cfg))
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

func runService(ctx context.Context, addr, basePath string, daemon bool) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig(workspace)
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
	wh, err := warehouse.Open(warehousePath(workspace, cfg))
	if err != nil {
		return err
	}
	defer wh.Close()
	e := engine.New(conn, wh, cfg)
	s := engine.NewScheduler(e)
	if err := s.Seed(ctx); err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if basePath == "" {
		basePath = cfg.Server.BasePath
	}
	handler, err := server.New(server.Config{Engine: e, Scheduler: s, BasePath: basePath})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler}
	if daemon {
		go func() { _ = s.Run(ctx) }()
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	fmt.Printf("Serving factline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func printCycle(res engine.CycleResult) error {
	success, partial, failed, skipped := res.Counts()
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"started_at": res.StartedAt.UTC().Format(time.RFC3339),
			"success":    success,
			"partial":    partial,
			"failed":     failed,
			"skipped":    skipped,
			"runs":       res.Runs,
		})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Dataset", "Status", "Type", "Processed", "Skipped", "Error"})
	for _, r := range res.Runs {
		msg := ""
		if r.Error != nil {
			msg = *r.Error
		}
		tw.AppendRow(table.Row{r.Dataset, r.Status, r.SyncType, r.Processed, r.Skipped, msg})
	}
	tw.Render()
	fmt.Printf("%d success, %d partial, %d failed, %d skipped\n", success, partial, failed, skipped)
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
