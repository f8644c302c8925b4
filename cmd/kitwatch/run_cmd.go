package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kitwatch/kitwatch/pkg/candidate"
	"github.com/kitwatch/kitwatch/pkg/pipeline"
	"github.com/kitwatch/kitwatch/pkg/report"
)

// runRunCmd implements `kitwatch run`.
//
// URLs come from -input (a file, or "-" for stdin), positional arguments and
// -feed URLs fetched once. With none of these, stdin is read.
//
// Exit codes:
//
//	0 = every candidate reached an outcome
//	1 = configuration, store or source failure
//	2 = usage error
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		common commonFlags
		input  string
		feeds  stringList
	)
	common.registerPipeline(cmd)
	cmd.StringVar(&input, "input", "", "File of URLs, one per line (\"-\" for stdin)")
	cmd.Var(&feeds, "feed", "Plain-text feed URL to fetch once (repeatable)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var sources []candidate.Source
	if len(cmd.Args()) > 0 {
		items := make([]candidate.Candidate, 0, len(cmd.Args()))
		for _, raw := range cmd.Args() {
			c, err := candidate.New(raw, candidate.TagManual)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
			items = append(items, c)
		}
		sources = append(sources, candidate.NewSliceSource("args", items...))
	}
	for _, f := range feeds {
		sources = append(sources, candidate.NewFeedSource(f, 0, nil))
	}
	if input == "-" || (input == "" && len(sources) == 0) {
		sources = append(sources, candidate.NewReaderSource("stdin", stdin, candidate.TagManual))
	} else if input != "" {
		f, err := os.Open(input) //nolint:gosec // operator-supplied input path
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: failed to open input: %v\n", err)
			return 2
		}
		defer func() { _ = f.Close() }()
		sources = append(sources, candidate.NewReaderSource(input, f, candidate.TagManual))
	}

	return execute(common, sourceOf(sources), stdout, stderr)
}

// runWatchCmd implements `kitwatch watch`: poll feeds until SIGINT/SIGTERM.
func runWatchCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("watch", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		common   commonFlags
		feeds    stringList
		interval time.Duration
	)
	common.registerPipeline(cmd)
	cmd.Var(&feeds, "feed", "Plain-text feed URL to poll (REQUIRED, repeatable)")
	cmd.DurationVar(&interval, "interval", 5*time.Minute, "Poll interval")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if len(feeds) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: at least one --feed is required")
		return 2
	}
	if interval <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --interval must be positive")
		return 2
	}

	sources := make([]candidate.Source, 0, len(feeds))
	client := &http.Client{Timeout: 30 * time.Second}
	for _, f := range feeds {
		sources = append(sources, candidate.NewFeedSource(f, interval, client))
	}
	return execute(common, sourceOf(sources), stdout, stderr)
}

func sourceOf(sources []candidate.Source) candidate.Source {
	if len(sources) == 1 {
		return sources[0]
	}
	return candidate.NewMultiSource(sources...)
}

// execute wires the pipeline, drains src and prints the summary.
func execute(common commonFlags, src candidate.Source, stdout, stderr io.Writer) int {
	setupLogging(stderr, common.verbose)

	cfg, err := common.load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reporter pipeline.Reporter
	summaryOut, color := stdout, isTerminal(stdout)
	if common.jsonOut {
		reporter = report.NewJSONLines(stdout)
		summaryOut = stderr
		color = isTerminal(stderr)
	} else {
		reporter = report.NewConsole(stdout, common.verbose, color)
	}
	if common.jsonFile != "" {
		//nolint:gosec // operator-supplied output path
		f, err := os.OpenFile(common.jsonFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: failed to open json output: %v\n", err)
			return 1
		}
		defer func() { _ = f.Close() }()
		reporter = report.Multi{reporter, report.NewJSONLines(f)}
	}

	a, err := openApp(ctx, cfg, reporter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close(ctx)

	summary, err := a.orch.Run(ctx, src)
	report.PrintSummary(summaryOut, summary, color)
	if err != nil {
		if errors.Is(err, pipeline.ErrStoreFailure) {
			slog.ErrorContext(ctx, "run aborted", "error", err)
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
