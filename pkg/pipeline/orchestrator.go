// Package pipeline routes candidates through scope filtering, validation, the
// dedup gate and acquisition, and reports one outcome per candidate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kitwatch/kitwatch/pkg/acquire"
	"github.com/kitwatch/kitwatch/pkg/candidate"
	"github.com/kitwatch/kitwatch/pkg/dedup"
	"github.com/kitwatch/kitwatch/pkg/observability"
	"github.com/kitwatch/kitwatch/pkg/validator"
)

// ErrStoreFailure is returned when the dedup store fails. It stops the run.
var ErrStoreFailure = errors.New("dedup store failure")

// FailurePolicy decides what happens to a claimed identifier when its
// acquisition fails.
type FailurePolicy string

const (
	// PolicyKeep leaves the identifier recorded so later runs skip it.
	PolicyKeep FailurePolicy = "keep"
	// PolicyRelease forgets the identifier so a later run may retry it.
	PolicyRelease FailurePolicy = "release"
)

// ParseFailurePolicy accepts "keep", "release" or "" (keep).
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyKeep:
		return PolicyKeep, nil
	case PolicyRelease:
		return PolicyRelease, nil
	default:
		return "", fmt.Errorf("unknown acquire failure policy %q", s)
	}
}

// Validator checks a candidate. *validator.Validator implements it.
type Validator interface {
	Validate(ctx context.Context, c candidate.Candidate) *validator.Result
}

// Acquirer downloads a candidate. *acquire.Acquirer implements it.
type Acquirer interface {
	Acquire(ctx context.Context, c candidate.Candidate) (*acquire.Kit, error)
}

// Scope excludes candidates before any network activity. *scope.Filter implements it.
type Scope interface {
	Excluded(c candidate.Candidate) (string, error)
}

// Config holds orchestrator settings.
type Config struct {
	Threads          int
	OnAcquireFailure FailurePolicy
	// ReportOnly claims and reports confirmed kits without downloading them.
	ReportOnly bool
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithScope(s Scope) Option { return func(o *Orchestrator) { o.scope = s } }

func WithTelemetry(p *observability.Provider) Option {
	return func(o *Orchestrator) { o.telemetry = p }
}

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// Orchestrator drives candidates through the pipeline.
type Orchestrator struct {
	validator  Validator
	store      dedup.Store
	acquirer   Acquirer
	threads    int
	policy     FailurePolicy
	reportOnly bool
	scope      Scope
	telemetry  *observability.Provider
	logger     *slog.Logger

	reportMu sync.Mutex
	reporter Reporter
}

// New builds an Orchestrator. reporter may be nil.
func New(cfg Config, v Validator, store dedup.Store, a Acquirer, reporter Reporter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		validator:  v,
		store:      store,
		acquirer:   a,
		reporter:   reporter,
		threads:    cfg.Threads,
		policy:     cfg.OnAcquireFailure,
		reportOnly: cfg.ReportOnly,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.threads < 1 {
		o.threads = runtime.NumCPU()
	}
	if o.policy == "" {
		o.policy = PolicyKeep
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Run drains src into a fixed pool of workers and returns the outcome counts.
//
// When ctx ends, intake stops and candidates already taken by a worker finish
// on a context detached from ctx. A dedup store failure stops intake the same
// way and is returned wrapped in ErrStoreFailure.
func (o *Orchestrator) Run(ctx context.Context, src candidate.Source) (Summary, error) {
	intakeCtx, stopIntake := context.WithCancel(ctx)
	defer stopIntake()

	in := make(chan candidate.Candidate)
	srcErrc := make(chan error, 1)
	go func() {
		defer close(in)
		srcErrc <- src.Stream(intakeCtx, in)
	}()

	var (
		mu       sync.Mutex
		summary  Summary
		fatalErr error
		wg       sync.WaitGroup
	)
	workCtx := context.WithoutCancel(ctx)

	o.logger.InfoContext(ctx, "run started", "source", src.Name(), "threads", o.threads)
	for i := 0; i < o.threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				var c candidate.Candidate
				select {
				case <-intakeCtx.Done():
					return
				case next, ok := <-in:
					if !ok {
						return
					}
					c = next
				}
				if intakeCtx.Err() != nil {
					return
				}
				rep, err := o.Process(workCtx, c)
				mu.Lock()
				if rep.Outcome != "" {
					summary.add(rep.Outcome)
				}
				if err != nil && fatalErr == nil {
					fatalErr = err
					o.logger.ErrorContext(ctx, "stopping intake", "error", err)
					stopIntake()
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Workers stop on cancellation without waiting for the source: a source
	// stuck in a blocking read must not keep the run alive.
	var srcErr error
	select {
	case srcErr = <-srcErrc:
	default:
		o.logger.DebugContext(ctx, "source still stopping", "source", src.Name())
	}

	o.logger.InfoContext(ctx, "run finished",
		"total", summary.Total,
		"reported", summary.Count(OutcomeReported),
		"duplicate", summary.Count(OutcomeDuplicate),
		"validation_failed", summary.Count(OutcomeValidationFailed),
		"acquire_failed", summary.Count(OutcomeAcquireFailed),
		"confirmed", summary.Count(OutcomeConfirmed),
		"excluded", summary.Count(OutcomeExcluded),
	)

	if fatalErr != nil {
		return summary, fatalErr
	}
	if srcErr != nil && ctx.Err() == nil {
		return summary, fmt.Errorf("source %s: %w", src.Name(), srcErr)
	}
	return summary, nil
}

// Process routes a single candidate and reports its outcome. The returned
// error is non-nil only for dedup store failures.
func (o *Orchestrator) Process(ctx context.Context, c candidate.Candidate) (Report, error) {
	start := time.Now()
	ctx, finish := o.telemetry.TrackOperation(ctx, "candidate", attribute.String("source", string(c.Source())))
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("url", c.URL()))

	rep, err := o.process(ctx, c)
	if rep.Outcome != "" {
		rep.Duration = time.Since(start)
		o.telemetry.RecordOutcome(ctx, string(rep.Outcome))
		o.emit(ctx, rep)
	}
	finish(err)
	return rep, err
}

func (o *Orchestrator) process(ctx context.Context, c candidate.Candidate) (Report, error) {
	rep := Report{Candidate: c}
	log := o.logger.With("url", c.URL(), "source", c.Source())

	if o.scope != nil {
		rule, err := o.scope.Excluded(c)
		if err != nil {
			log.WarnContext(ctx, "scope rule failed, treating candidate as in scope", "error", err)
		} else if rule != "" {
			rep.Outcome = OutcomeExcluded
			rep.ExcludedBy = rule
			return rep, nil
		}
	}

	vctx, vdone := o.telemetry.TrackOperation(ctx, "validate")
	res := o.validator.Validate(vctx, c)
	vdone(nil)
	rep.Validation = res
	if !res.Verdict {
		rep.Outcome = OutcomeValidationFailed
		rep.Err = res.ProbeErr
		return rep, nil
	}

	id, err := c.Identifier()
	if err != nil {
		rep.Outcome = OutcomeValidationFailed
		rep.Err = err
		return rep, nil
	}
	rep.Identifier = id

	won, err := o.store.Claim(ctx, id)
	if err != nil {
		return rep, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	if !won {
		log.DebugContext(ctx, "duplicate candidate", "identifier", id)
		rep.Outcome = OutcomeDuplicate
		return rep, nil
	}
	if o.reportOnly {
		rep.Outcome = OutcomeConfirmed
		return rep, nil
	}

	actx, adone := o.telemetry.TrackOperation(ctx, "acquire")
	kit, err := o.acquirer.Acquire(actx, c)
	adone(err)
	if err != nil {
		rep.Outcome = OutcomeAcquireFailed
		rep.Err = err
		log.WarnContext(ctx, "acquisition failed", "error", err, "policy", o.policy)
		if o.policy == PolicyRelease {
			if ferr := o.store.Forget(ctx, id); ferr != nil {
				return rep, fmt.Errorf("%w: %w", ErrStoreFailure, ferr)
			}
		}
		return rep, nil
	}

	rep.Outcome = OutcomeReported
	rep.Kit = kit
	if kit.SizeBytes != nil {
		o.telemetry.RecordKitBytes(ctx, *kit.SizeBytes)
	}
	return rep, nil
}

func (o *Orchestrator) emit(ctx context.Context, r Report) {
	if o.reporter == nil {
		return
	}
	o.reportMu.Lock()
	defer o.reportMu.Unlock()
	o.reporter.Report(ctx, r)
}
