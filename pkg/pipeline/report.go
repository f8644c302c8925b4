package pipeline

import (
	"context"
	"time"

	"github.com/kitwatch/kitwatch/pkg/acquire"
	"github.com/kitwatch/kitwatch/pkg/candidate"
	"github.com/kitwatch/kitwatch/pkg/validator"
)

// Outcome is the terminal state of one candidate.
type Outcome string

const (
	OutcomeExcluded         Outcome = "excluded"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeAcquireFailed    Outcome = "acquire_failed"
	// OutcomeConfirmed is a claimed kit that was not downloaded because the
	// orchestrator runs in report-only mode. Its Report has no Kit.
	OutcomeConfirmed        Outcome = "confirmed"
	OutcomeReported         Outcome = "reported"
)

// Outcomes lists every outcome in pipeline order.
var Outcomes = []Outcome{
	OutcomeExcluded,
	OutcomeValidationFailed,
	OutcomeDuplicate,
	OutcomeAcquireFailed,
	OutcomeConfirmed,
	OutcomeReported,
}

// Report is emitted once per candidate that reaches an outcome.
type Report struct {
	Candidate  candidate.Candidate
	Outcome    Outcome
	Identifier string
	Kit        *acquire.Kit
	Validation *validator.Result
	ExcludedBy string
	Err        error
	Duration   time.Duration
}

// Reporter receives reports. The orchestrator never calls Report concurrently.
type Reporter interface {
	Report(ctx context.Context, r Report)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, r Report)

func (f ReporterFunc) Report(ctx context.Context, r Report) { f(ctx, r) }

// Summary counts outcomes over a run.
type Summary struct {
	Total  int
	Counts map[Outcome]int
}

func (s *Summary) add(o Outcome) {
	if s.Counts == nil {
		s.Counts = make(map[Outcome]int, len(Outcomes))
	}
	s.Total++
	s.Counts[o]++
}

// Count returns how many candidates ended in o.
func (s Summary) Count(o Outcome) int {
	return s.Counts[o]
}
