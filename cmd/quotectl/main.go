// Command quotectl is the operator CLI: schema migration, fixture seeding,
// host/process health checks, audit hash-chain verification, and execution
// queue inspection/replay. Subcommand dispatch (flag.NewFlagSet per verb,
// switch over os.Args) is grounded on cmd/slctl/main.go's shape, generalized
// from an HTTP API client to direct operator access against the database,
// since these are operational tasks, not tenant-facing API calls.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/junlov/quotey/internal/audit"
	"github.com/junlov/quotey/internal/catalog"
	"github.com/junlov/quotey/internal/database"
	"github.com/junlov/quotey/internal/ids"
	"github.com/junlov/quotey/internal/queue"
	"github.com/junlov/quotey/migrations"
	"github.com/junlov/quotey/pkg/config"
)

// Exit codes: 0 success, 1 usage error, 2 operational failure (DB error,
// broken hash chain, failed health check).
const (
	exitOK    = 0
	exitUsage = 1
	exitFail  = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitUsage
	}

	switch args[0] {
	case "migrate":
		return cmdMigrate(ctx, args[1:])
	case "seed":
		return cmdSeed(ctx, args[1:])
	case "doctor":
		return cmdDoctor(ctx, args[1:])
	case "audit":
		return cmdAudit(ctx, args[1:])
	case "queue":
		return cmdQueue(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "quotectl: unknown command %q\n", args[0])
		printUsage()
		return exitUsage
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: quotectl <command> [args]

commands:
  migrate up|down                 apply or roll back schema migrations
  seed                             load a minimal demo catalog/ruleset
  doctor                           check host resources, DB, and config
  audit verify-integrity           re-verify the audit hash chain
  queue list --state <state>      list execution tasks in a given state
  queue replay <task_id>          requeue a dead-lettered task`)
}

func openDB(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	return database.Open(ctx, database.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifeSecs) * time.Second,
	})
}

func loadConfig() (*config.Config, int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotectl: load config: %v\n", err)
		return nil, exitFail
	}
	return cfg, exitOK
}

func cmdMigrate(ctx context.Context, args []string) int {
	if len(args) == 0 || (args[0] != "up" && args[0] != "down") {
		fmt.Fprintln(os.Stderr, "quotectl migrate: expected up|down")
		return exitUsage
	}
	cfg, code := loadConfig()
	if cfg == nil {
		return code
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotectl migrate: connect: %v\n", err)
		return exitFail
	}
	defer db.Close()

	switch args[0] {
	case "up":
		err = migrations.Up(db)
	case "down":
		err = migrations.Down(db)
	default:
		fmt.Fprintf(os.Stderr, "quotectl migrate: unknown subcommand %q\n", args[0])
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotectl migrate %s: %v\n", args[0], err)
		return exitFail
	}
	version, dirty, verr := migrations.Version(db)
	if verr == nil {
		fmt.Printf("migrate %s: ok (version=%d dirty=%v)\n", args[0], version, dirty)
	}
	return exitOK
}

func cmdSeed(ctx context.Context, args []string) int {
	cfg, code := loadConfig()
	if cfg == nil {
		return code
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotectl seed: connect: %v\n", err)
		return exitFail
	}
	defer db.Close()

	clock := ids.SystemClock{}
	auditStore := audit.NewStore(db, clock, cfg.Audit.TamperEvidence)
	store := catalog.NewStore(db, clock, auditStore)

	products := []catalog.Product{
		{SKU: "demo-sku-1", Name: "Demo Widget", Currency: "USD", BasePrice: "100.00", UnitOfMeasure: "each"},
	}
	rules := []catalog.Rule{
		{RuleID: "demo-rule-1", Stage: catalog.StagePolicyEnforcement, Family: catalog.FamilyDiscountPolicy,
			Priority: 100, Specificity: 1, Condition: "true", Payload: json.RawMessage(`{"percent_off":"0"}`)},
	}

	cs, err := store.CreateCatalogDraft(ctx, products)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotectl seed: create catalog draft: %v\n", err)
		return exitFail
	}
	rs, err := store.CreateRulesetDraft(ctx, rules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotectl seed: create ruleset draft: %v\n", err)
		return exitFail
	}

	activation := catalog.ActivationInput{
		ActorID: "quotectl", ActorType: audit.ActorTypeSystem,
		OperationID: ids.New(ids.PrefixOperation), CorrelationID: ids.New(ids.PrefixCorrelation),
	}
	if err := store.ActivateCatalog(ctx, cs.ID, activation); err != nil {
		fmt.Fprintf(os.Stderr, "quotectl seed: activate catalog: %v\n", err)
		return exitFail
	}
	if err := store.ActivateRuleset(ctx, rs.ID, cs.ID, activation); err != nil {
		fmt.Fprintf(os.Stderr, "quotectl seed: activate ruleset: %v\n", err)
		return exitFail
	}

	fmt.Printf("seed: ok (catalog=%s ruleset=%s)\n", cs.ID, rs.ID)
	return exitOK
}

func cmdDoctor(ctx context.Context, args []string) int {
	cfg, code := loadConfig()
	if cfg == nil {
		return code
	}

	ok := true

	if cfg.Auth.JWTSecret == "" {
		fmt.Println("doctor: FAIL auth.jwt_secret is empty")
		ok = false
	} else {
		fmt.Println("doctor: OK  auth.jwt_secret is set")
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Printf("doctor: FAIL database unreachable: %v\n", err)
		ok = false
	} else {
		fmt.Println("doctor: OK  database reachable")
		db.Close()
	}

	if posture, err := hostPosture(); err != nil {
		fmt.Printf("doctor: FAIL host posture check: %v\n", err)
		ok = false
	} else {
		fmt.Printf("doctor: OK  %s\n", posture)
	}

	if !ok {
		return exitFail
	}
	return exitOK
}

func cmdAudit(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] != "verify-integrity" {
		fmt.Fprintln(os.Stderr, "quotectl audit: expected verify-integrity")
		return exitUsage
	}
	fs := flag.NewFlagSet("audit verify-integrity", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 2000, "number of most recent events to verify")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	cfg, code := loadConfig()
	if cfg == nil {
		return code
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotectl audit: connect: %v\n", err)
		return exitFail
	}
	defer db.Close()

	clock := ids.SystemClock{}
	auditStore := audit.NewStore(db, clock, cfg.Audit.TamperEvidence)
	events, err := auditStore.ListRecent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotectl audit: list recent: %v\n", err)
		return exitFail
	}

	brokenAt, err := audit.VerifyChain(events)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotectl audit: verify: %v\n", err)
		return exitFail
	}
	if brokenAt >= 0 {
		fmt.Printf("audit verify-integrity: FAIL chain broken at event index %d\n", brokenAt)
		return exitFail
	}
	fmt.Printf("audit verify-integrity: ok (%d events verified)\n", len(events))
	return exitOK
}

func cmdQueue(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "quotectl queue: expected list|replay")
		return exitUsage
	}
	if args[0] != "list" && args[0] != "replay" {
		fmt.Fprintf(os.Stderr, "quotectl queue: unknown subcommand %q\n", args[0])
		return exitUsage
	}
	if args[0] == "replay" && len(args) < 2 {
		fmt.Fprintln(os.Stderr, "quotectl queue replay: expected <task_id>")
		return exitUsage
	}

	cfg, code := loadConfig()
	if cfg == nil {
		return code
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotectl queue: connect: %v\n", err)
		return exitFail
	}
	defer db.Close()

	store := queue.NewStore(db, ids.SystemClock{})

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("queue list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		state := fs.String("state", string(queue.StateRetryableFailed), "task state to list")
		if err := fs.Parse(args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitUsage
		}
		tasks, err := store.ListByState(ctx, queue.State(strings.TrimSpace(*state)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "quotectl queue list: %v\n", err)
			return exitFail
		}
		for _, t := range tasks {
			fmt.Printf("%s\t%s\t%s\tretries=%d/%d\n", t.TaskID, t.OperationKind, t.State, t.RetryCount, t.MaxRetries)
		}
		fmt.Printf("%d task(s)\n", len(tasks))
		return exitOK

	case "replay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "quotectl queue replay: expected <task_id>")
			return exitUsage
		}
		if err := store.Replay(ctx, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "quotectl queue replay: %v\n", err)
			return exitFail
		}
		fmt.Printf("queue replay: ok (task_id=%s)\n", args[1])
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "quotectl queue: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}
