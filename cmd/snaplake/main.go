package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/JonMunkholm/snaplake/internal/audit"
	"github.com/JonMunkholm/snaplake/internal/cdc"
	"github.com/JonMunkholm/snaplake/internal/config"
	"github.com/JonMunkholm/snaplake/internal/diff"
	"github.com/JonMunkholm/snaplake/internal/lake"
	"github.com/JonMunkholm/snaplake/internal/logging"
	"github.com/JonMunkholm/snaplake/internal/retention"
	"github.com/JonMunkholm/snaplake/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

const usage = `snaplake <command> [flags]

Snapshot commands:
  import       import a record batch as a new snapshot version
  versions     list a source's snapshot versions
  data         read a page of records from a snapshot
  diff         compare two snapshot versions
  sync         reconcile a batch against the last synced state
  watermark    show or reset a source's sync watermark

Lake commands:
  lake-create  define a consolidated lake
  lake-build   rebuild a lake from its sources' latest snapshots
  lake-query   read rows from a ready lake
  lake-list    list lakes
  lake-delete  delete a lake and its rows

Maintenance:
  archive      mark a source's old versions archived, keeping the newest
  sweep        apply the retention policy to old snapshot versions

Run 'snaplake <command> -h' for command flags.`

// app bundles the services every command dispatches through.
type app struct {
	cfg       *config.Config
	store     *store.Service
	engine    *cdc.Engine
	differ    *diff.Differ
	lakes     *lake.Builder
	sweeper   *retention.Sweeper
}

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := connect(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.New(pool,
		store.WithBatchSize(cfg.Import.BatchSize),
		store.WithLimiter(store.NewImportLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime)),
	)
	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	auditLog := audit.NewLogger(pool)
	a := &app{
		cfg:     cfg,
		store:   st,
		engine:  cdc.NewEngine(st, auditLog),
		differ:  diff.NewDiffer(st),
		lakes:   lake.NewBuilder(st, auditLog),
		sweeper: retention.NewSweeper(st, auditLog),
	}

	if err := a.run(ctx, command, args); err != nil {
		msg := store.MapError(err)
		fmt.Fprintf(os.Stderr, "[%s] %s\n", msg.Code, msg.Message)
		if msg.Action != "" {
			fmt.Fprintln(os.Stderr, msg.Action)
		}
		slog.Debug("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Debug("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}
	return pool, nil
}

// commands maps every subcommand to its handler.
var commands = map[string]func(*app, context.Context, []string) error{
	"import":      (*app).runImport,
	"versions":    (*app).runVersions,
	"data":        (*app).runData,
	"diff":        (*app).runDiff,
	"sync":        (*app).runSync,
	"watermark":   (*app).runWatermark,
	"lake-create": (*app).runLakeCreate,
	"lake-build":  (*app).runLakeBuild,
	"lake-query":  (*app).runLakeQuery,
	"lake-list":   (*app).runLakeList,
	"lake-delete": (*app).runLakeDelete,
	"archive":     (*app).runArchive,
	"sweep":       (*app).runSweep,
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	fn, ok := commands[command]
	if !ok {
		fmt.Fprintln(os.Stderr, usage)
		return fmt.Errorf("unknown command %q: %w", command, store.ErrInvalidInput)
	}
	return fn(a, ctx, args)
}

func (a *app) runImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	source := fs.String("source", "", "source identifier (required)")
	file := fs.String("file", "-", "JSON file holding an array of records, - for stdin")
	batch := fs.String("batch", "", "optional import batch label stored in snapshot metadata")
	fs.Parse(args)

	records, err := readRecords(*file)
	if err != nil {
		return err
	}

	var metadata map[string]any
	if *batch != "" {
		metadata = map[string]any{"importBatch": *batch}
	}

	importCtx, cancel := context.WithTimeout(ctx, a.cfg.Import.Timeout)
	defer cancel()

	result, err := a.store.ImportSnapshot(importCtx, *source, records, nil, metadata)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) runVersions(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("versions", flag.ExitOnError)
	source := fs.String("source", "", "source identifier (required)")
	fs.Parse(args)

	snaps, err := a.store.ListVersions(ctx, *source)
	if err != nil {
		return err
	}
	return printJSON(snaps)
}

func (a *app) runData(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("data", flag.ExitOnError)
	source := fs.String("source", "", "source identifier (required)")
	version := fs.Int64("version", 0, "snapshot version, 0 for latest")
	limit := fs.Int("limit", 0, "page size, 0 for the default")
	offset := fs.Int("offset", 0, "rows to skip")
	fs.Parse(args)

	data, err := a.store.GetSnapshotData(ctx, *source, store.SnapshotRef{Version: *version}, *limit, *offset)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func (a *app) runDiff(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	source := fs.String("source", "", "source identifier (required)")
	from := fs.Int64("from", 0, "older version, 0 for latest")
	to := fs.Int64("to", 0, "newer version, 0 for latest")
	key := fs.String("key", "", "comma-separated comparison key fields (required)")
	ignore := fs.String("ignore", "", "comma-separated fields to skip")
	format := fs.String("format", "json", "output format: json, csv, or report")
	max := fs.Int("max", 0, "truncate the change list, 0 for unlimited")
	unchanged := fs.Bool("unchanged", false, "include unchanged records")
	deep := fs.Bool("deep", false, "structural comparison instead of display strings")
	fs.Parse(args)

	opts := diff.DefaultOptions()
	opts.MaxRecords = *max
	opts.IncludeUnchanged = *unchanged
	opts.DeepCompare = *deep
	if *ignore != "" {
		opts.IgnoreFields = splitList(*ignore)
	}

	cmp, err := a.differ.CompareVersions(ctx, *source,
		store.SnapshotRef{Version: *from},
		store.SnapshotRef{Version: *to},
		splitList(*key), opts)
	if err != nil {
		return err
	}

	switch *format {
	case "csv":
		return diff.WriteCSV(os.Stdout, cmp)
	case "report":
		return diff.WriteReport(os.Stdout, cmp)
	default:
		return printJSON(cmp)
	}
}

func (a *app) runSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	source := fs.String("source", "", "source identifier (required)")
	file := fs.String("file", "-", "JSON file holding an array of records, - for stdin")
	key := fs.String("key", "", "comma-separated primary key fields (required)")
	compare := fs.String("compare", "", "comma-separated columns to compare, empty for all")
	mode := fs.String("mode", "hash", "tracking mode: hash, timestamp, or rowversion")
	cursor := fs.String("cursor", "", "cursor column for timestamp and rowversion modes")
	deletes := fs.Bool("deletes", false, "treat missing baseline records as deletes (hash mode only)")
	softDelete := fs.Bool("soft-delete", false, "flag deleted records instead of removing them")
	auditChanges := fs.Bool("audit", false, "attach sync operation metadata to changed records")
	fs.Parse(args)

	records, err := readRecords(*file)
	if err != nil {
		return err
	}

	syncCtx, cancel := context.WithTimeout(ctx, a.cfg.Import.Timeout)
	defer cancel()

	result, err := a.engine.Sync(syncCtx, *source, records, cdc.SyncOptions{
		PrimaryKey:     splitList(*key),
		CompareColumns: splitList(*compare),
		EnableDeletes:  *deletes,
		Mode:           cdc.TrackingMode(*mode),
		CursorColumn:   *cursor,
		Strategy: cdc.MergeStrategy{
			OnConflict:   cdc.OnConflictSourceWins,
			SoftDelete:   *softDelete,
			AuditChanges: *auditChanges,
		},
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) runWatermark(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watermark", flag.ExitOnError)
	source := fs.String("source", "", "source identifier (required)")
	reset := fs.Bool("reset", false, "clear the watermark so the next sync is a full load")
	fs.Parse(args)

	if *reset {
		if err := a.engine.ResetWatermark(ctx, *source); err != nil {
			return err
		}
		fmt.Printf("watermark reset for %s\n", *source)
		return nil
	}

	wm, err := a.engine.GetWatermark(ctx, *source)
	if err != nil {
		return err
	}
	if wm == nil {
		fmt.Printf("no watermark for %s\n", *source)
		return nil
	}
	return printJSON(wm)
}

func (a *app) runLakeCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lake-create", flag.ExitOnError)
	project := fs.String("project", "default", "project the lake belongs to")
	name := fs.String("name", "", "lake name (required)")
	sources := fs.String("sources", "", "comma-separated source identifiers (required)")
	dedupKey := fs.String("dedup-key", "", "comma-separated dedup key fields, empty disables dedup")
	filters := fs.String("filters", "", "JSON array of {field, operator, value} filters")
	fs.Parse(args)

	cfg := lake.Config{SourceIDs: splitList(*sources)}
	if *dedupKey != "" {
		cfg.Dedup = true
		cfg.DedupKey = splitList(*dedupKey)
	}
	if *filters != "" {
		if err := json.Unmarshal([]byte(*filters), &cfg.Filters); err != nil {
			return fmt.Errorf("parse filters: %v: %w", err, store.ErrInvalidInput)
		}
	}

	lk, err := a.lakes.CreateLake(ctx, *project, *name, cfg)
	if err != nil {
		return err
	}
	return printJSON(lk)
}

func (a *app) runLakeBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lake-build", flag.ExitOnError)
	id := fs.String("id", "", "lake id (required)")
	fs.Parse(args)

	lakeID, err := parseID(*id)
	if err != nil {
		return err
	}

	report, err := a.lakes.Build(ctx, lakeID)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func (a *app) runLakeQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lake-query", flag.ExitOnError)
	id := fs.String("id", "", "lake id (required)")
	filters := fs.String("filters", "", "JSON array of {field, operator, value} filters")
	sortField := fs.String("sort", "", "field to sort by")
	direction := fs.String("dir", "asc", "sort direction: asc or desc")
	limit := fs.Int("limit", 0, "page size, 0 for the default")
	offset := fs.Int("offset", 0, "rows to skip")
	fields := fs.String("fields", "", "comma-separated output columns, empty for all")
	fs.Parse(args)

	lakeID, err := parseID(*id)
	if err != nil {
		return err
	}

	opts := lake.QueryOptions{
		Limit:  *limit,
		Offset: *offset,
		Fields: splitList(*fields),
	}
	if *filters != "" {
		if err := json.Unmarshal([]byte(*filters), &opts.Filters); err != nil {
			return fmt.Errorf("parse filters: %v: %w", err, store.ErrInvalidInput)
		}
	}
	if *sortField != "" {
		opts.Sort = &lake.Sort{Field: *sortField, Direction: *direction}
	}

	result, err := a.lakes.Query(ctx, lakeID, opts)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) runLakeList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lake-list", flag.ExitOnError)
	project := fs.String("project", "default", "project to list")
	fs.Parse(args)

	lakes, err := a.lakes.ListLakes(ctx, *project)
	if err != nil {
		return err
	}
	return printJSON(lakes)
}

func (a *app) runLakeDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lake-delete", flag.ExitOnError)
	id := fs.String("id", "", "lake id (required)")
	fs.Parse(args)

	lakeID, err := parseID(*id)
	if err != nil {
		return err
	}

	deleted, err := a.lakes.DeleteLake(ctx, lakeID)
	if err != nil {
		return err
	}
	if deleted {
		fmt.Printf("deleted lake %s\n", lakeID)
	} else {
		fmt.Printf("lake %s not found\n", lakeID)
	}
	return nil
}

func (a *app) runArchive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	source := fs.String("source", "", "source identifier (required)")
	keepLast := fs.Int("keep-last", a.cfg.Retention.KeepLast, "versions kept active")
	fs.Parse(args)

	archived, err := a.sweeper.Archive(ctx, *source, *keepLast)
	if err != nil {
		return err
	}
	fmt.Printf("archived %d versions of %s\n", archived, *source)
	return nil
}

func (a *app) runSweep(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	keepLast := fs.Int("keep-last", a.cfg.Retention.KeepLast, "versions per source always retained")
	maxAge := fs.Int("max-age-days", a.cfg.Retention.MaxAgeDays, "age in days beyond which versions are deleted")
	dryRun := fs.Bool("dry-run", false, "report what would be deleted without deleting")
	fs.Parse(args)

	policy := retention.Policy{KeepLast: *keepLast, MaxAgeDays: *maxAge}

	if *dryRun {
		plan, err := a.sweeper.PlanSweep(ctx, policy)
		if err != nil {
			return err
		}
		return printJSON(plan)
	}

	report, err := a.sweeper.Sweep(ctx, policy)
	if err != nil {
		return err
	}
	return printJSON(report)
}

// readRecords loads a JSON array of records from a file or stdin.
func readRecords(path string) ([]store.Record, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open records file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var records []store.Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode records: %v: %w", err, store.ErrInvalidInput)
	}
	return records, nil
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, store.ErrInvalidInput)
	}
	return id, nil
}

// splitList parses a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
