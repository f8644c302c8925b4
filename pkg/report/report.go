// Package report renders pipeline reports for people and for machines.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/kitwatch/kitwatch/pkg/acquire"
	"github.com/kitwatch/kitwatch/pkg/pipeline"
)

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

// Console prints one line per report. Without Verbose only kits, confirmed
// kits and acquisition failures are shown.
type Console struct {
	W       io.Writer
	Verbose bool
	Color   bool

	mu sync.Mutex
}

func NewConsole(w io.Writer, verbose, color bool) *Console {
	return &Console{W: w, Verbose: verbose, Color: color}
}

func (c *Console) paint(color, s string) string {
	if !c.Color {
		return s
	}
	return color + s + ColorReset
}

func (c *Console) Report(ctx context.Context, r pipeline.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	url := r.Candidate.URL()
	switch r.Outcome {
	case pipeline.OutcomeReported:
		size := int64(0)
		if r.Kit.SizeBytes != nil {
			size = *r.Kit.SizeBytes
		}
		_, _ = fmt.Fprintf(c.W, "%s %s -> %s (%d bytes, sha256 %s)\n",
			c.paint(ColorBold+ColorGreen, "[kit]"), url, r.Kit.LocalPath, size, short(r.Kit.SHA256))
		if r.Kit.MirrorKey != "" {
			_, _ = fmt.Fprintf(c.W, "      mirrored as %s\n", r.Kit.MirrorKey)
		}
	case pipeline.OutcomeConfirmed:
		_, _ = fmt.Fprintf(c.W, "%s %s\n", c.paint(ColorBold+ColorGreen, "[confirmed]"), url)
	case pipeline.OutcomeAcquireFailed:
		_, _ = fmt.Fprintf(c.W, "%s %s: %v\n", c.paint(ColorRed, "[failed]"), url, r.Err)
	default:
		if !c.Verbose {
			return
		}
		detail := ""
		switch r.Outcome {
		case pipeline.OutcomeValidationFailed:
			if r.Validation != nil {
				detail = string(r.Validation.Failed)
			}
			if r.Err != nil {
				detail += ": " + r.Err.Error()
			}
		case pipeline.OutcomeExcluded:
			detail = r.ExcludedBy
		}
		label := c.paint(ColorGray, "["+string(r.Outcome)+"]")
		if r.Outcome == pipeline.OutcomeDuplicate {
			label = c.paint(ColorYellow, "[duplicate]")
		}
		if detail != "" {
			_, _ = fmt.Fprintf(c.W, "%s %s (%s)\n", label, url, detail)
		} else {
			_, _ = fmt.Fprintf(c.W, "%s %s\n", label, url)
		}
	}
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

// PrintSummary writes per-outcome counts.
func PrintSummary(w io.Writer, s pipeline.Summary, color bool) {
	title := "Summary:"
	if color {
		title = ColorBold + ColorCyan + title + ColorReset
	}
	_, _ = fmt.Fprintln(w, title)
	for _, o := range pipeline.Outcomes {
		_, _ = fmt.Fprintf(w, "  %-18s %d\n", o, s.Count(o))
	}
	_, _ = fmt.Fprintf(w, "  %-18s %d\n", "total", s.Total)
}

// record is the JSON shape of one report.
type record struct {
	URL        string       `json:"url"`
	Source     string       `json:"source"`
	Identifier string       `json:"identifier,omitempty"`
	Outcome    string       `json:"outcome"`
	FailedBy   string       `json:"failed_check,omitempty"`
	ExcludedBy string       `json:"excluded_by,omitempty"`
	StatusCode *int         `json:"status_code,omitempty"`
	MIMEType   string       `json:"mime_type,omitempty"`
	Length     *int64       `json:"content_length,omitempty"`
	Kit        *acquire.Kit `json:"kit,omitempty"`
	Error      string       `json:"error,omitempty"`
	DurationMS int64        `json:"duration_ms"`
}

func toRecord(r pipeline.Report) record {
	rec := record{
		URL:        r.Candidate.URL(),
		Source:     string(r.Candidate.Source()),
		Identifier: r.Identifier,
		Outcome:    string(r.Outcome),
		ExcludedBy: r.ExcludedBy,
		Kit:        r.Kit,
		DurationMS: r.Duration.Milliseconds(),
	}
	if v := r.Validation; v != nil {
		rec.FailedBy = string(v.Failed)
		rec.StatusCode = v.StatusCode
		rec.MIMEType = v.MIMEType
		rec.Length = v.ContentLength
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// JSONLines writes one RFC 8785 canonical JSON object per report.
type JSONLines struct {
	w      io.Writer
	mu     sync.Mutex
	logger *slog.Logger
}

func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{w: w, logger: slog.Default().With("component", "report")}
}

// Encode returns the canonical JSON for r without a trailing newline.
func Encode(r pipeline.Report) ([]byte, error) {
	raw, err := json.Marshal(toRecord(r))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize report: %w", err)
	}
	return canon, nil
}

func (j *JSONLines) Report(ctx context.Context, r pipeline.Report) {
	line, err := Encode(r)
	if err != nil {
		j.logger.ErrorContext(ctx, "dropping report", "url", r.Candidate.URL(), "error", err)
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		j.logger.ErrorContext(ctx, "failed to write report", "error", err)
	}
}

// Multi fans a report out to several reporters in order.
type Multi []pipeline.Reporter

func (m Multi) Report(ctx context.Context, r pipeline.Report) {
	for _, rep := range m {
		if rep != nil {
			rep.Report(ctx, r)
		}
	}
}
