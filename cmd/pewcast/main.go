package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"

	"pewcast/internal/app"
	"pewcast/internal/storage"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: pewcast [-config path] <command> [flags]

commands:
  serve                              run the scheduler loop
  run-batch -kind join|post [-niche n] [-size n]
                                     run one pass and exit
  add-worker <credentials-ref>       register a worker identity
  add-target [-niche n] <address>    register a target
  requeue -target id                 send a failed target back to new
  status                             print registry counts`)
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("pewcast", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { usage(stderr) }
	cfgPath := global.String("config", "./config.yaml", "path to config (yaml or json)")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	if global.NArg() == 0 {
		usage(stderr)
		return exitUsage
	}
	cmd, rest := global.Arg(0), global.Args()[1:]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "serve":
		return serve(ctx, *cfgPath, stderr)
	case "run-batch":
		return runBatch(ctx, *cfgPath, rest, stdout, stderr)
	case "add-worker", "add-target", "requeue", "status":
		return admin(ctx, *cfgPath, cmd, rest, stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	}
	fmt.Fprintf(stderr, "unknown command %q\n", cmd)
	usage(stderr)
	return exitUsage
}

func serve(ctx context.Context, cfgPath string, stderr io.Writer) int {
	a, err := app.Open(cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, "fatal:", err)
		return exitFailure
	}
	if err := a.Serve(ctx); err != nil {
		fmt.Fprintln(stderr, "fatal:", err)
		return exitFailure
	}
	return exitOK
}

func runBatch(ctx context.Context, cfgPath string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run-batch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	kind := fs.String("kind", "", "pass kind: join or post")
	niche := fs.String("niche", "", "niche to process (default from config)")
	size := fs.Int("size", 0, "batch size (default from config)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	k := storage.ActionKind(*kind)
	if k != storage.ActionJoin && k != storage.ActionPost {
		fmt.Fprintln(stderr, "run-batch: -kind must be join or post")
		return exitUsage
	}

	a, err := app.Open(cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, "fatal:", err)
		return exitFailure
	}
	defer a.Close()

	sum, err := a.RunBatch(ctx, k, *niche, *size)
	fmt.Fprintln(stdout, sum.String())
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "run-batch:", err)
		return exitFailure
	}
	return exitOK
}

func admin(ctx context.Context, cfgPath, cmd string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	niche := fs.String("niche", "", "target niche (add-target)")
	target := fs.Int64("target", 0, "target id (requeue)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	var positional string
	switch cmd {
	case "add-worker", "add-target":
		if fs.NArg() != 1 {
			fmt.Fprintf(stderr, "%s: exactly one argument required\n", cmd)
			return exitUsage
		}
		positional = fs.Arg(0)
	case "requeue":
		if *target <= 0 && fs.NArg() == 1 {
			if id, err := strconv.ParseInt(fs.Arg(0), 10, 64); err == nil {
				*target = id
			}
		}
		if *target <= 0 {
			fmt.Fprintln(stderr, "requeue: -target id required")
			return exitUsage
		}
	}

	a, err := app.Open(cfgPath, app.Offline())
	if err != nil {
		fmt.Fprintln(stderr, "fatal:", err)
		return exitFailure
	}
	defer a.Close()

	switch cmd {
	case "add-worker":
		w, err := a.AddWorker(ctx, positional)
		if err != nil {
			fmt.Fprintln(stderr, "add-worker:", err)
			return exitFailure
		}
		fmt.Fprintf(stdout, "worker %d added (%s)\n", w.ID, w.Status)
	case "add-target":
		t, err := a.AddTarget(ctx, positional, *niche)
		if err != nil {
			fmt.Fprintln(stderr, "add-target:", err)
			return exitFailure
		}
		fmt.Fprintf(stdout, "target %d added (niche %q)\n", t.ID, t.Niche)
	case "requeue":
		t, err := a.Requeue(ctx, *target)
		if err != nil {
			fmt.Fprintln(stderr, "requeue:", err)
			return exitFailure
		}
		fmt.Fprintf(stdout, "target %d is %s\n", t.ID, t.Status)
	case "status":
		c, err := a.Status(ctx)
		if err != nil {
			fmt.Fprintln(stderr, "status:", err)
			return exitFailure
		}
		printStatus(stdout, c)
	}
	return exitOK
}

func printStatus(w io.Writer, c storage.StatusCounts) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	section := func(title string, m map[string]int) {
		fmt.Fprintf(tw, "%s\t\n", title)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "  %s\t%d\n", k, m[k])
		}
	}
	targets := map[string]int{}
	for k, v := range c.Targets {
		targets[string(k)] = v
	}
	workers := map[string]int{}
	for k, v := range c.Workers {
		workers[string(k)] = v
	}
	actions := map[string]int{}
	for k, v := range c.ActionsToday {
		actions[string(k)] = v
	}
	section("targets", targets)
	section("workers", workers)
	section("actions today", actions)
	fmt.Fprintf(tw, "blocklist pairs\t%d\n", c.BlocklistPairs)
	_ = tw.Flush()
}
