// Command strata manages the revision history of an embedded SQLite
// store: it applies and reverts revisions, generates new ones from a
// declared schema, and reports the state of the ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/syssam/strata"
	"github.com/syssam/strata/dialect"
	sqld "github.com/syssam/strata/dialect/sql"
	"github.com/syssam/strata/migrate"
	"github.com/syssam/strata/schema"
)

const usage = `usage: strata [flags] <command> [arguments]

commands:
  upgrade [-to REV]          apply pending revisions up to REV (default: head)
  downgrade [-to REV]        revert revisions back to REV (default: everything)
  revision -m MSG -schema F  diff the declared schema against the store and
                             write the resulting revision
  merge -m MSG REV1 REV2     create a merge revision unifying two heads
  stamp REV                  mark REV applied without executing it
  current                    print the most recently applied revision
  history                    print the ledger in application order
  heads                      print the current head revisions
  verify                     check the store against the replayed history

flags:
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("strata", flag.ExitOnError)
	var (
		db      = fs.String("db", "strata.db", "path or DSN of the store")
		dir     = fs.String("dir", "revisions", "revision directory")
		verbose = fs.Bool("v", false, "debug logging")
	)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, log, *db, *dir, fs.Arg(0), fs.Args()[1:]); err != nil {
		log.Error("strata failed", "err", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps well-known failures to stable exit codes scripts can
// branch on.
func exitCode(err error) int {
	switch {
	case strata.IsMultipleHeads(err):
		return 2
	case strata.IsLockTimeout(err):
		return 3
	case strata.IsIrreversible(err):
		return 4
	default:
		return 1
	}
}

func dispatch(ctx context.Context, log *slog.Logger, db, dirPath, cmd string, args []string) error {
	d := migrate.NewDir(dirPath, log)
	graph, err := d.Load()
	if err != nil {
		return err
	}
	drv, err := sqld.Open(dialect.SQLite, db)
	if err != nil {
		return err
	}
	defer drv.Close()
	pool := sqld.NewPool(drv, sqld.WithLogger(log))
	runner := migrate.NewRunner(pool, graph,
		migrate.WithLogger(log),
		migrate.WithDir(d),
	)
	switch cmd {
	case "upgrade":
		return upgrade(ctx, runner, args)
	case "downgrade":
		return downgrade(ctx, runner, args)
	case "revision":
		return revision(ctx, pool, graph, d, args)
	case "merge":
		return merge(runner, args)
	case "stamp":
		if len(args) != 1 {
			return errors.New("stamp: exactly one revision required")
		}
		return runner.Stamp(ctx, args[0])
	case "current":
		return current(ctx, runner)
	case "history":
		return history(ctx, runner)
	case "heads":
		for _, h := range graph.Heads() {
			fmt.Println(h)
		}
		return nil
	case "verify":
		if err := runner.Verify(ctx); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func upgrade(ctx context.Context, runner *migrate.Runner, args []string) error {
	fs := flag.NewFlagSet("upgrade", flag.ExitOnError)
	to := fs.String("to", "", "target revision (default: head)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	applied, err := runner.Upgrade(ctx, *to)
	for _, rev := range applied {
		fmt.Printf("applied %s  %s\n", rev.ID, rev.Message)
	}
	return err
}

func downgrade(ctx context.Context, runner *migrate.Runner, args []string) error {
	fs := flag.NewFlagSet("downgrade", flag.ExitOnError)
	to := fs.String("to", "", "target revision (default: revert everything)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reverted, err := runner.Downgrade(ctx, *to)
	for _, rev := range reverted {
		fmt.Printf("reverted %s  %s\n", rev.ID, rev.Message)
	}
	return err
}

// revision diffs the declared schema file against the live store and
// writes a revision applying the difference, parented on the current
// head.
func revision(ctx context.Context, pool *sqld.Pool, graph *migrate.Graph, dir *migrate.Dir, args []string) error {
	fs := flag.NewFlagSet("revision", flag.ExitOnError)
	var (
		msg  = fs.String("m", "", "revision message")
		file = fs.String("schema", "schema.yaml", "declared schema file")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *msg == "" {
		return errors.New("revision: -m message required")
	}
	declared, err := schema.ReadFile(*file)
	if err != nil {
		return err
	}
	head, err := graph.Head()
	if err != nil {
		return err
	}
	h, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	live, err := migrate.InspectTables(ctx, h, migrate.LedgerTables()...)
	if rerr := h.Release(); err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}
	diff, err := migrate.DiffTables(declared, live)
	if err != nil {
		return err
	}
	for _, w := range diff.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w.String())
	}
	if len(diff.Operations) == 0 {
		fmt.Println("no changes detected")
		return nil
	}
	var parents []string
	if head != "" {
		parents = []string{head}
	}
	rev := migrate.NewRevision(*msg, parents, diff.Operations...)
	if err := graph.Add(rev); err != nil {
		return err
	}
	if err := dir.WriteRevision(rev); err != nil {
		return err
	}
	fmt.Printf("created %s  %s\n", rev.ID, rev.Message)
	return nil
}

func merge(runner *migrate.Runner, args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	msg := fs.String("m", "merge branches", "revision message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("merge: exactly two revisions required")
	}
	rev, err := runner.Merge(fs.Arg(0), fs.Arg(1), *msg)
	if err != nil {
		return err
	}
	fmt.Printf("created %s  %s\n", rev.ID, rev.Message)
	return nil
}

func current(ctx context.Context, runner *migrate.Runner) error {
	rec, err := runner.Current(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Println("(empty)")
		return nil
	}
	printRecord(runner.Graph(), *rec)
	return nil
}

func history(ctx context.Context, runner *migrate.Runner) error {
	records, err := runner.History(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		printRecord(runner.Graph(), rec)
	}
	return nil
}

func printRecord(g *migrate.Graph, rec migrate.HistoryRecord) {
	msg := "(not in graph)"
	if rev, ok := g.Revision(rec.RevisionID); ok {
		msg = rev.Message
	}
	fmt.Printf("%s  %s  %s\n", rec.RevisionID, rec.AppliedAt.Format("2006-01-02 15:04:05"), msg)
}
