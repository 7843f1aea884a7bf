package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/healthsync/internal/config"
	"github.com/hitoshi/healthsync/internal/database"
	"github.com/hitoshi/healthsync/internal/ingest"
	"github.com/hitoshi/healthsync/internal/model"
	"github.com/hitoshi/healthsync/internal/quest"
	"github.com/hitoshi/healthsync/internal/transform"
	"github.com/hitoshi/healthsync/internal/whoop"
)

// rootOptions はすべてのサブコマンドで共有する状態。
type rootOptions struct {
	logOut io.Writer
	cfg    *config.Config
}

// NewRootCommand はhealthsyncのルートコマンドを生成する。
// ログはlogOutにJSONで出力する。
func NewRootCommand(logOut io.Writer) *cobra.Command {
	opts := &rootOptions{logOut: logOut}

	cmd := &cobra.Command{
		Use:           "healthsync",
		Short:         "WHOOP and Quest health data ingestion",
		Long:          "Ingests WHOOP API collections and Quest FHIR documents into a Postgres raw layer and derives the unified layer incrementally.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(opts.logOut)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newAuthCommand(opts))
	cmd.AddCommand(newIngestCommand(opts))
	cmd.AddCommand(newRefreshCommand(opts))
	cmd.AddCommand(newRebuildCommand(opts))
	cmd.AddCommand(newDailyCommand(opts))
	cmd.AddCommand(newQuestCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	cmd.AddCommand(newRunsCommand(opts))

	return cmd
}

// withRuntime は依存関係を初期化してfnを実行し、終了時に後始末を行う。
func (o *rootOptions) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	log := slog.Default().With(slog.String("command", cmd.CommandPath()))

	rt, err := newRuntime(ctx, o.cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	started := time.Now()
	err = fn(ctx, rt)
	duration := slog.Int64("duration_ms", time.Since(started).Milliseconds())
	if err != nil {
		log.Error("command failed",
			slog.String("error", err.Error()),
			slog.Int("exit_code", ExitCode(err)),
			duration,
		)
		return err
	}
	log.Info("command completed", duration)
	return nil
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "migrate [up|down|version]",
		Short: "Apply or roll back database migrations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			return runMigrate(cmd.OutOrStdout(), opts.cfg, action, steps)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back (down only; 0 = all)")
	return cmd
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(out io.Writer, cfg *config.Config, action string, steps int) error {
	switch action {
	case "up", "down", "version":
	default:
		return fmt.Errorf("unknown migrate action %q (valid: up, down, version)", action)
	}

	slog.Info("running database migrations",
		slog.String("action", action),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case "up":
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case "down":
		if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version %d (dirty=%t)\n", version, dirty)
	return nil
}

func newAuthCommand(opts *rootOptions) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize access to the WHOOP API",
		Long:  "Runs the OAuth2 authorization-code flow through a local callback listener and stores the credential. --reset deletes the stored credential.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				tm := rt.tokenManager(cmd.ErrOrStderr())
				if reset {
					if err := tm.Reset(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "stored credential removed")
					return nil
				}

				cred, err := tm.AuthorizeInteractive(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "authorized: scope=%q expires_at=%s\n",
					cred.Scope, cred.ExpiresAt.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "delete the stored credential instead of authorizing")
	return cmd
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var resources, since, until string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch WHOOP collections and upsert them into the raw layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := whoop.ParseNames(resources)
			if err != nil {
				return err
			}
			from, to, err := parseBounds(since, until)
			if err != nil {
				return err
			}

			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				results, err := rt.ingester(cmd.ErrOrStderr()).IngestAll(ctx, selected, from, to)
				printIngestResults(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&resources, "resources", "", "comma separated resources ("+strings.Join(whoop.Names(), ", ")+"); empty = all")
	cmd.Flags().StringVar(&since, "since", "", "lower bound (RFC3339 or YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&until, "until", "", "upper bound (RFC3339 or YYYY-MM-DD, exclusive)")
	return cmd
}

func newRefreshCommand(opts *rootOptions) *cobra.Command {
	var (
		daily      bool
		start, end string
		resources  string
	)

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Delete and reload a time window of the raw layer",
		Long:  "Without --start/--end the window is yesterday 00:00 UTC to today 00:00 UTC. Refreshes of the same resource are serialized with a database lock.",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := windowedResources(resources)
			if err != nil {
				return err
			}
			window, err := refreshWindow(daily, start, end)
			if err != nil {
				return err
			}

			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				refresher := rt.refresher(cmd.ErrOrStderr())
				var results []*model.IngestResult
				if window == nil {
					results, err = refresher.DailyRefresh(ctx, selected)
				} else {
					results, err = refresher.RangedRefresh(ctx, *window, selected)
				}
				printIngestResults(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&daily, "daily", false, "refresh yesterday (UTC); the default when no range is given")
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC3339 or YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC3339 or YYYY-MM-DD, exclusive)")
	cmd.Flags().StringVar(&resources, "resources", "", "comma separated windowed resources; empty = all windowed")
	return cmd
}

func newRebuildCommand(opts *rootOptions) *cobra.Command {
	var (
		table string
		full  bool
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Derive unified tables from raw rows newer than the watermark",
		Long:  "Pipelines whose raw resource is being refreshed fail with exit code 7 and can be rerun once the refresh finishes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var target model.CanonicalTable
			if table != "" {
				t, err := transform.ParseTable(transform.DefaultPipelines(), table)
				if err != nil {
					return err
				}
				target = t
			}

			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				engine := rt.engine()
				var (
					results []*transform.PipelineResult
					err     error
				)
				if target == "" {
					results, err = engine.RunAll(ctx, full)
				} else {
					results, err = engine.Rebuild(ctx, target, full)
				}
				printPipelineResults(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "unified table to rebuild (e.g. sleep_sessions); empty = all")
	cmd.Flags().BoolVar(&full, "full", false, "clear watermarks and re-derive every row")
	return cmd
}

func newDailyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daily",
		Short: "Refresh yesterday, rebuild the unified layer and prune old run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				results, refreshErr := rt.refresher(cmd.ErrOrStderr()).DailyRefresh(ctx, whoop.Windowed())
				printIngestResults(cmd.OutOrStdout(), results)
				if err := ctx.Err(); err != nil {
					return errors.Join(refreshErr, err)
				}

				// 保存済みのレコードは有効なので、リフレッシュの一部が失敗しても変換は行う
				pipelines, transformErr := rt.engine().RunAll(ctx, false)
				printPipelineResults(cmd.OutOrStdout(), pipelines)

				if _, err := rt.pruner().Run(ctx); err != nil {
					rt.logger.Warn("run history pruning failed", slog.String("error", err.Error()))
				}
				return errors.Join(refreshErr, transformErr)
			})
		},
	}
}

func newQuestCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quest",
		Short: "Quest FHIR document ingestion",
	}

	var path, patientID, since, until string
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Read FHIR Patient and Observation resources from .json/.ndjson files",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := parseBounds(since, until)
			if err != nil {
				return err
			}

			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				reader := quest.NewReader(patientID, rt.logger)
				ingester := ingest.NewIngester(nil, rt.raw, rt.runs, rt.metrics, rt.logger, 1)
				results, err := ingester.IngestSource(ctx, reader, path, quest.Resources(), from, to)
				printIngestResults(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
	ingestCmd.Flags().StringVar(&path, "path", "", "file or directory to read (required)")
	_ = ingestCmd.MarkFlagRequired("path")
	ingestCmd.Flags().StringVar(&patientID, "patient-id", "", "patient id for resources without a subject")
	ingestCmd.Flags().StringVar(&since, "since", "", "only observations at or after this time")
	ingestCmd.Flags().StringVar(&until, "until", "", "only observations before this time")

	cmd.AddCommand(ingestCmd)
	return cmd
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Empty raw activity tables and clear transform watermarks",
		Long:  "Empties cycles, sleeps, recoveries and workouts. --all also empties profile, body measurement and Quest tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				targets := resetTargets(all)
				if err := rt.raw.Truncate(ctx, targets); err != nil {
					return err
				}
				engine := rt.engine()
				for _, table := range engine.Tables() {
					if err := rt.canonical.ResetWatermarks(ctx, table); err != nil {
						return err
					}
				}
				for _, t := range targets {
					fmt.Fprintf(cmd.OutOrStdout(), "truncated %s\n", t)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also empty profile, body measurement and Quest tables")
	return cmd
}

func newRunsCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent ingestion runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				results, err := rt.runs.ListRecent(ctx, limit)
				if err != nil {
					return err
				}
				printIngestResults(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

// resetTargets はresetで空にするリソースを返す。
func resetTargets(all bool) []model.ResourceType {
	var out []model.ResourceType
	for _, r := range whoop.All() {
		if all || r.Windowed {
			out = append(out, r.Type)
		}
	}
	if all {
		out = append(out, quest.Resources()...)
	}
	return out
}

// windowedResources はリフレッシュ対象のリソースを解決する。
func windowedResources(csv string) ([]whoop.Resource, error) {
	if strings.TrimSpace(csv) == "" {
		return whoop.Windowed(), nil
	}
	return whoop.ParseNames(csv)
}

// refreshWindow はフラグからウィンドウを決める。範囲指定が無い場合はnil（日次）を返す。
func refreshWindow(daily bool, start, end string) (*model.RefreshWindow, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if daily {
		return nil, errors.New("--daily cannot be combined with --start/--end")
	}
	if start == "" || end == "" {
		return nil, errors.New("--start and --end must be given together")
	}
	from, to, err := parseBounds(start, end)
	if err != nil {
		return nil, err
	}
	return &model.RefreshWindow{Start: *from, End: *to}, nil
}

// parseBounds は期間指定のフラグを解析する。両方ある場合はsinceがuntilより前でなければならない。
func parseBounds(since, until string) (*time.Time, *time.Time, error) {
	from, err := parseTimeFlag("since", since)
	if err != nil {
		return nil, nil, err
	}
	to, err := parseTimeFlag("until", until)
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && !from.Before(*to) {
		return nil, nil, fmt.Errorf("invalid range: %s is not before %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}

// parseTimeFlag はRFC3339または日付（UTCの0時）を解析する。空文字列はnilを返す。
func parseTimeFlag(name, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid --%s %q: use RFC3339 or YYYY-MM-DD", name, value)
}

// printIngestResults はリソースごとの取り込み結果を表形式で出力する。
func printIngestResults(w io.Writer, results []*model.IngestResult) {
	if len(results) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tSTATUS\tFETCHED\tSTORED\tDELETED\tWINDOW\tSTARTED\tERROR")
	for _, r := range results {
		if r == nil {
			continue
		}
		window := "-"
		if r.Window != nil {
			window = r.Window.String()
		}
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			r.Resource, r.Status, r.Fetched, r.Stored, r.Deleted, window,
			r.StartedAt.UTC().Format(time.RFC3339), errMsg)
	}
	tw.Flush()
}

// printPipelineResults は変換パイプラインごとの結果を表形式で出力する。
func printPipelineResults(w io.Writer, results []*transform.PipelineResult) {
	if len(results) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PIPELINE\tREAD\tWRITTEN\tSKIPPED\tWATERMARK")
	for _, r := range results {
		if r == nil {
			continue
		}
		wm := "-"
		if r.Watermark != nil {
			wm = r.Watermark.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", r.Pipeline, r.Read, r.Written, r.Skipped, wm)
	}
	tw.Flush()
}
