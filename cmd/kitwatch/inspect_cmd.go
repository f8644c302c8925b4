package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/kitwatch/kitwatch/pkg/candidate"
	"github.com/kitwatch/kitwatch/pkg/dedup"
	"github.com/kitwatch/kitwatch/pkg/validator"
)

// runCheckCmd implements `kitwatch check <url>`. It validates one URL without
// touching the dedup store or downloading anything.
//
// Exit codes:
//
//	0 = all checks passed
//	1 = a check failed
//	2 = usage or runtime error
func runCheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("check", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var common commonFlags
	common.registerBase(cmd)

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: kitwatch check [flags] <url>")
		return 2
	}
	setupLogging(stderr, common.verbose)

	c, err := candidate.New(cmd.Arg(0), candidate.TagManual)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cfg, err := common.load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	v := newValidator(cfg, nil)
	res := v.Validate(context.Background(), c)
	printCheck(stdout, res, validator.Chain(validator.Policy{
		Extensions: cfg.ValidExtensions,
		MIMETypes:  cfg.ValidMIMETypes,
	}))
	if !res.Verdict {
		return 1
	}
	return 0
}

func printCheck(w io.Writer, res *validator.Result, chain []validator.Predicate) {
	_, _ = fmt.Fprintf(w, "%s%s%s\n", ColorBold, res.Candidate.URL(), ColorReset)
	failedAt := len(chain)
	for i, p := range chain {
		if p.Check == res.Failed {
			failedAt = i
		}
	}
	for i, p := range chain {
		var mark string
		switch {
		case i < failedAt:
			mark = ColorGreen + "pass" + ColorReset
		case i == failedAt:
			mark = ColorRed + "FAIL" + ColorReset
		default:
			mark = ColorGray + "skip" + ColorReset
		}
		_, _ = fmt.Fprintf(w, "  %-22s %s\n", p.Check, mark)
	}
	if res.StatusCode != nil {
		_, _ = fmt.Fprintf(w, "  status          %d\n", *res.StatusCode)
	}
	if res.MIMEType != "" {
		_, _ = fmt.Fprintf(w, "  mime type       %s\n", res.MIMEType)
	}
	if res.ContentLength != nil {
		_, _ = fmt.Fprintf(w, "  content length  %d\n", *res.ContentLength)
	}
	if res.ProbeErr != nil {
		_, _ = fmt.Fprintf(w, "  probe error     %v\n", res.ProbeErr)
	}
}

// runSeenCmd implements `kitwatch seen <url>`.
//
// Exit codes:
//
//	0 = identifier is recorded
//	1 = identifier is not recorded
//	2 = usage or store error
func runSeenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("seen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var common commonFlags
	common.registerBase(cmd)

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: kitwatch seen [flags] <url>")
		return 2
	}
	setupLogging(stderr, common.verbose)

	c, err := candidate.New(cmd.Arg(0), candidate.TagManual)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	id, err := c.Identifier()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cfg, err := common.load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: failed to open dedup store: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()

	rec, err := store.Lookup(ctx, id)
	switch {
	case errors.Is(err, dedup.ErrNotFound):
		_, _ = fmt.Fprintf(stdout, "%s: not seen\n", id)
		return 1
	case err != nil:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "%s: seen since %s\n", rec.Identifier, rec.FirstSeen.UTC().Format(time.RFC3339))
	return 0
}
