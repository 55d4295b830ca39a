package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cswenor/conductor/internal/eventlog"
	"github.com/cswenor/conductor/internal/migration"
	"github.com/cswenor/conductor/internal/model"
	"github.com/cswenor/conductor/internal/outbox"
	"github.com/cswenor/conductor/internal/projection"
	"github.com/cswenor/conductor/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const schemaVersion = 1

var errShowUsage = errors.New("show usage")

type cliConfig struct {
	dataDir    string
	driver     string
	dsn        string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	if command == "version" {
		fmt.Printf("conductorctl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}
	if command == "" {
		printUsage()
		os.Exit(1)
	}

	stores, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer stores.db.Close()

	switch command {
	case "runs":
		err = runRuns(stores, cfg, args)
	case "outbox":
		err = runOutbox(stores, cfg, args)
	case "override":
		err = runOverride(stores, cfg, args)
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		dataDir: envOr("CONDUCTOR_DATA_DIR", "/var/lib/conductor"),
		driver:  envOr("CONDUCTOR_STORAGE_DRIVER", storage.DriverSQLite),
		dsn:     os.Getenv("CONDUCTOR_STORAGE_DSN"),
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--data-dir":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--data-dir requires a value")
			}
			cfg.dataDir = args[idx+1]
			idx += 2
		case "--dsn":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--dsn requires a value")
			}
			cfg.dsn = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		if len(args) == 0 {
			return cfg, "version", nil, nil
		}
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type stores struct {
	db         *sql.DB
	events     *eventlog.Store
	projection *projection.Store
	outbox     *outbox.Store
}

func openStores(cfg cliConfig) (*stores, error) {
	dsn := cfg.dsn
	if dsn == "" && cfg.driver == storage.DriverSQLite {
		dsn = cfg.dataDir + "/conductor.db"
	}
	db, err := storage.Open(cfg.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := migration.CheckVersion(db, schemaVersion); err != nil {
		db.Close()
		return nil, err
	}

	events, err := eventlog.Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	proj, err := projection.Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	ob, err := outbox.Open(db, nil, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &stores{db: db, events: events, projection: proj, outbox: ob}, nil
}

func runRuns(s *stores, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return listRuns(s, cfg, "")
	}
	switch args[0] {
	case "list":
		projectID := ""
		if len(args) > 1 {
			projectID = args[1]
		}
		return listRuns(s, cfg, projectID)
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: conductorctl runs show <run-id>")
		}
		return showRun(s, cfg, args[1])
	default:
		return fmt.Errorf("unknown runs subcommand: %s", args[0])
	}
}

func listRuns(s *stores, cfg cliConfig, projectID string) error {
	runs, err := s.projection.ListRuns(projectID, 100)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return printJSON(os.Stdout, runs)
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{r.RunID, r.TaskID, string(r.Phase), string(r.Result), formatTimeOrDash(r.UpdatedAt)})
	}
	renderTable(os.Stdout, []string{"RUN_ID", "TASK_ID", "PHASE", "RESULT", "UPDATED"}, rows)
	return nil
}

func showRun(s *stores, cfg cliConfig, runID string) error {
	run, err := s.projection.GetRun(runID)
	if err != nil {
		return err
	}
	gates, err := s.projection.DeriveGateState(runID)
	if err != nil {
		return err
	}

	if cfg.jsonOutput {
		return printJSON(os.Stdout, map[string]any{"run": run, "gates": gates})
	}

	fmt.Printf("run_id:    %s\n", run.RunID)
	fmt.Printf("task_id:   %s\n", run.TaskID)
	fmt.Printf("phase:     %s\n", run.Phase)
	fmt.Printf("step:      %s\n", run.Step)
	fmt.Printf("result:    %s\n", run.Result)
	fmt.Printf("updated:   %s\n\n", formatTimeOrDash(run.UpdatedAt))

	rows := make([][]string, 0, len(gates))
	for gateID, eval := range gates {
		rows = append(rows, []string{string(gateID), string(eval.Status), eval.Reason})
	}
	renderTable(os.Stdout, []string{"GATE", "STATUS", "REASON"}, rows)
	return nil
}

func runOutbox(s *stores, cfg cliConfig, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: conductorctl outbox requeue <write-id>")
	}
	switch args[0] {
	case "requeue":
		if len(args) < 2 {
			return fmt.Errorf("usage: conductorctl outbox requeue <write-id>")
		}
		if err := s.outbox.RequeueWrite(args[1]); err != nil {
			return err
		}
		fmt.Printf("requeued %s\n", args[1])
		return nil
	default:
		return fmt.Errorf("unknown outbox subcommand: %s", args[0])
	}
}

func runOverride(s *stores, cfg cliConfig, args []string) error {
	if len(args) < 1 || args[0] != "set" {
		return fmt.Errorf("usage: conductorctl override set <run-id> --kind=K --scope=S [--reason=R] [--ttl=DURATION]")
	}
	rest := args[1:]
	if len(rest) < 1 {
		return fmt.Errorf("override set requires a run id")
	}
	runID := rest[0]

	var kind, scope, reason, ttl string
	for _, a := range rest[1:] {
		switch {
		case strings.HasPrefix(a, "--kind="):
			kind = strings.TrimPrefix(a, "--kind=")
		case strings.HasPrefix(a, "--scope="):
			scope = strings.TrimPrefix(a, "--scope=")
		case strings.HasPrefix(a, "--reason="):
			reason = strings.TrimPrefix(a, "--reason=")
		case strings.HasPrefix(a, "--ttl="):
			ttl = strings.TrimPrefix(a, "--ttl=")
		}
	}
	if kind == "" || scope == "" {
		return fmt.Errorf("--kind and --scope are required")
	}

	run, err := s.projection.GetRun(runID)
	if err != nil {
		return err
	}

	override := model.Override{
		OverrideID:    uuid.New().String(),
		RunID:         runID,
		Kind:          model.OverrideKind(kind),
		Scope:         model.OverrideScope(scope),
		TargetID:      targetForScope(model.OverrideScope(scope), run),
		Justification: reason,
		Operator:      "conductorctl",
		CreatedAt:     time.Now().UTC(),
	}
	if ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("invalid --ttl: %w", err)
		}
		expires := time.Now().UTC().Add(d)
		override.ExpiresAt = &expires
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	created, err := s.projection.CreateOverride(tx, override)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	fmt.Printf("created override %s (%s, scope=%s)\n", created.OverrideID, created.Kind, created.Scope)
	return nil
}

func targetForScope(scope model.OverrideScope, run *model.Run) string {
	switch scope {
	case model.ScopeThisRun:
		return run.RunID
	case model.ScopeThisTask:
		return run.TaskID
	case model.ScopeThisRepo:
		return run.RepoID
	default:
		return run.ProjectID
	}
}

func printUsage() {
	fmt.Println(`conductorctl — operate a conductor instance from the terminal.

Usage:
  conductorctl [flags] runs list [project-id]
  conductorctl [flags] runs show <run-id>
  conductorctl outbox requeue <write-id>
  conductorctl override set <run-id> --kind=K --scope=S [--reason=R] [--ttl=DURATION]
  conductorctl version

Flags (given before the command):
  --data-dir   SQLite data directory (default /var/lib/conductor)
  --dsn        Storage DSN override
  --json       Print JSON instead of a table`)
}
