// Package validator decides whether a candidate URL points at a genuine,
// fetchable archive using only a HEAD probe.
//
// The decision is an ordered chain of pure predicates evaluated with
// short-circuit semantics:
//
//	valid_extension -> reachable -> valid_mime_type -> valid_content_length
//
// The extension check runs before any network activity. A failed probe is
// recorded on the Result and fails the reachable check; it is never returned
// as an error.
package validator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/kitwatch/kitwatch/pkg/candidate"
	"github.com/kitwatch/kitwatch/pkg/hostlimit"
)

// Check names one predicate in the chain.
type Check string

const (
	CheckExtension     Check = "valid_extension"
	CheckReachable     Check = "reachable"
	CheckMIMEType      Check = "valid_mime_type"
	CheckContentLength Check = "valid_content_length"
)

// Result is the outcome of validating one candidate. It is not modified after Validate returns.
type Result struct {
	Candidate     candidate.Candidate
	Extension     string
	StatusCode    *int
	ContentLength *int64
	MIMEType      string
	Headers       map[string]string
	Verdict       bool
	Failed        Check // empty when Verdict is true
	ProbeErr      error // set when the probe produced no metadata
	Probed        bool  // a network probe was issued
}

// Predicate is one pure check over a Result.
type Predicate struct {
	Check Check
	Fn    func(r *Result) bool
}

// Policy holds the allow-lists the predicates consult.
type Policy struct {
	Extensions []string
	MIMETypes  []string
}

// ValidExtension passes when the result's extension is in the allow-list (case-insensitive).
func ValidExtension(allowed []string) Predicate {
	set := lowerSet(allowed)
	return Predicate{Check: CheckExtension, Fn: func(r *Result) bool {
		_, ok := set[strings.ToLower(r.Extension)]
		return r.Extension != "" && ok
	}}
}

// Reachable passes when the probe returned a 2xx status.
func Reachable() Predicate {
	return Predicate{Check: CheckReachable, Fn: func(r *Result) bool {
		return r.ProbeErr == nil && r.StatusCode != nil && *r.StatusCode >= 200 && *r.StatusCode < 300
	}}
}

// ValidMIMEType passes when the declared base MIME type is in the allow-list.
func ValidMIMEType(allowed []string) Predicate {
	set := lowerSet(allowed)
	return Predicate{Check: CheckMIMEType, Fn: func(r *Result) bool {
		_, ok := set[r.MIMEType]
		return r.MIMEType != "" && ok
	}}
}

// ValidContentLength passes when a Content-Length was declared and is positive.
func ValidContentLength() Predicate {
	return Predicate{Check: CheckContentLength, Fn: func(r *Result) bool {
		return r.ContentLength != nil && *r.ContentLength > 0
	}}
}

// Chain returns the predicates for p in evaluation order. The first entry is
// the offline extension check; the rest need probe metadata.
func Chain(p Policy) []Predicate {
	return []Predicate{
		ValidExtension(p.Extensions),
		Reachable(),
		ValidMIMEType(p.MIMETypes),
		ValidContentLength(),
	}
}

// Validator runs the predicate chain against candidates.
type Validator struct {
	prober  Prober
	limiter *hostlimit.Limiter
	offline []Predicate
	online  []Predicate
	logger  *slog.Logger
}

// New builds a Validator. limiter may be nil.
func New(policy Policy, prober Prober, limiter *hostlimit.Limiter, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	chain := Chain(policy)
	return &Validator{
		prober:  prober,
		limiter: limiter,
		offline: chain[:1],
		online:  chain[1:],
		logger:  logger.With("component", "validator"),
	}
}

// Validate probes c at most once and evaluates the chain.
func (v *Validator) Validate(ctx context.Context, c candidate.Candidate) *Result {
	r := &Result{Candidate: c, Extension: c.Extension()}

	if failed := evaluate(r, v.offline); failed != "" {
		r.Failed = failed
		v.logger.DebugContext(ctx, "candidate rejected", "url", c.URL(), "check", failed)
		return r
	}

	r.Probed = true
	md, err := v.probe(ctx, c)
	if err != nil {
		r.ProbeErr = err
	} else {
		status := md.StatusCode
		r.StatusCode = &status
		r.ContentLength = md.ContentLength
		r.MIMEType = md.MIMEType
		r.Headers = md.Headers
	}

	if failed := evaluate(r, v.online); failed != "" {
		r.Failed = failed
		v.logger.DebugContext(ctx, "candidate rejected", "url", c.URL(), "check", failed, "probe_error", err)
		return r
	}
	r.Verdict = true
	return r
}

func (v *Validator) probe(ctx context.Context, c candidate.Candidate) (ProbeMetadata, error) {
	if err := v.limiter.Wait(ctx, c.Host()); err != nil {
		return ProbeMetadata{}, &ProbeError{URL: c.URL(), Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	return v.prober.Probe(ctx, c.URL())
}

// evaluate returns the first failing check, or "" when all pass.
func evaluate(r *Result, chain []Predicate) Check {
	for _, p := range chain {
		if !p.Fn(r) {
			return p.Check
		}
	}
	return ""
}

func lowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[strings.ToLower(strings.TrimSpace(it))] = struct{}{}
	}
	return set
}
