package candidate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Source produces candidates. Stream blocks until the source is exhausted or ctx
// ends, sending each candidate at most once per call. It returns nil in both of
// those cases and a non-nil error only when the source itself fails.
type Source interface {
	Name() string
	Stream(ctx context.Context, out chan<- Candidate) error
}

// onceLimit bounds how many identifiers a Stream call remembers. Older
// identifiers are forgotten first; the dedup store still catches their repeats.
const onceLimit = 100_000

// onceFilter drops candidates already emitted during one Stream call.
type onceFilter struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	order []string // ring buffer, oldest at next once full
	next  int
}

func newOnceFilter() *onceFilter {
	return newBoundedOnceFilter(onceLimit)
}

func newBoundedOnceFilter(limit int) *onceFilter {
	return &onceFilter{limit: limit, seen: make(map[string]struct{})}
}

func (f *onceFilter) first(c Candidate) bool {
	id, err := c.Identifier()
	if err != nil {
		id = c.URL()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[id]; ok {
		return false
	}
	if len(f.order) < f.limit {
		f.order = append(f.order, id)
	} else {
		delete(f.seen, f.order[f.next])
		f.order[f.next] = id
		f.next = (f.next + 1) % f.limit
	}
	f.seen[id] = struct{}{}
	return true
}

func (f *onceFilter) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// emit sends c unless ctx is done. It reports whether the caller should continue.
func emit(ctx context.Context, out chan<- Candidate, c Candidate) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- c:
		return true
	}
}

// SliceSource is a fixed batch of candidates.
type SliceSource struct {
	name  string
	items []Candidate
}

func NewSliceSource(name string, items ...Candidate) *SliceSource {
	return &SliceSource{name: name, items: items}
}

func (s *SliceSource) Name() string { return s.name }

func (s *SliceSource) Stream(ctx context.Context, out chan<- Candidate) error {
	once := newOnceFilter()
	for _, c := range s.items {
		if !once.first(c) {
			continue
		}
		if !emit(ctx, out, c) {
			return nil
		}
	}
	return nil
}

// ReaderSource reads newline separated URLs. Blank lines and lines starting with
// '#' are ignored; lines that are not usable URLs are logged and skipped.
type ReaderSource struct {
	name   string
	r      io.Reader
	tag    Tag
	logger *slog.Logger
}

func NewReaderSource(name string, r io.Reader, tag Tag) *ReaderSource {
	return &ReaderSource{
		name:   name,
		r:      r,
		tag:    tag,
		logger: slog.Default().With("component", "source", "source", name),
	}
}

func (s *ReaderSource) Name() string { return s.name }

// Stream returns as soon as ctx ends, even while a Read on the underlying
// reader is blocked (an idle pipe or terminal). The reading goroutine then
// exits at its next line or at EOF.
func (s *ReaderSource) Stream(ctx context.Context, out chan<- Candidate) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() { errc <- readLines(ctx, s.r, lines) }()

	once := newOnceFilter()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			if !handleLine(ctx, line, s.tag, once, s.logger, out) {
				return nil
			}
		}
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

func readLines(ctx context.Context, r io.Reader, lines chan<- string) error {
	defer close(lines)
	scanner := newScanner(r)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read candidates: %w", err)
	}
	return nil
}

func scanLines(ctx context.Context, r io.Reader, tag Tag, once *onceFilter, logger *slog.Logger, out chan<- Candidate) error {
	scanner := newScanner(r)
	for scanner.Scan() {
		if !handleLine(ctx, scanner.Text(), tag, once, logger, out) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read candidates: %w", err)
	}
	return nil
}

// handleLine parses and emits one line. It returns false once ctx is done.
func handleLine(ctx context.Context, line string, tag Tag, once *onceFilter, logger *slog.Logger, out chan<- Candidate) bool {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return true
	}
	c, err := New(line, tag)
	if err != nil {
		logger.DebugContext(ctx, "skipping line", "line", line, "error", err)
		return true
	}
	if !once.first(c) {
		return true
	}
	return emit(ctx, out, c)
}

// FeedSource polls a plain-text URL feed. With a zero Interval the feed is
// fetched once; otherwise it is re-fetched until ctx ends, and URLs emitted in
// recent polls (up to onceLimit of them) are not emitted again.
type FeedSource struct {
	FeedURL  string
	Interval time.Duration
	Tag      Tag
	Client   *http.Client

	logger *slog.Logger
}

func NewFeedSource(feedURL string, interval time.Duration, client *http.Client) *FeedSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FeedSource{
		FeedURL:  feedURL,
		Interval: interval,
		Tag:      TagFeed,
		Client:   client,
		logger:   slog.Default().With("component", "source", "feed", feedURL),
	}
}

func (s *FeedSource) Name() string { return s.FeedURL }

func (s *FeedSource) Stream(ctx context.Context, out chan<- Candidate) error {
	once := newOnceFilter()
	if err := s.poll(ctx, once, out); err != nil {
		if s.Interval <= 0 {
			return err
		}
		s.logger.WarnContext(ctx, "feed poll failed", "error", err)
	}
	if s.Interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.poll(ctx, once, out); err != nil {
				s.logger.WarnContext(ctx, "feed poll failed", "error", err)
			}
		}
	}
}

func (s *FeedSource) poll(ctx context.Context, once *onceFilter, out chan<- Candidate) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.FeedURL, nil)
	if err != nil {
		return fmt.Errorf("build feed request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("fetch feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch feed: unexpected status %d", resp.StatusCode)
	}
	return scanLines(ctx, resp.Body, s.Tag, once, s.logger, out)
}

// MultiSource runs several sources concurrently into a single stream, dropping
// candidates another member already produced.
type MultiSource struct {
	sources []Source
}

func NewMultiSource(sources ...Source) *MultiSource {
	return &MultiSource{sources: sources}
}

func (m *MultiSource) Name() string {
	names := make([]string, 0, len(m.sources))
	for _, s := range m.sources {
		names = append(names, s.Name())
	}
	return strings.Join(names, ",")
}

func (m *MultiSource) Stream(ctx context.Context, out chan<- Candidate) error {
	once := newOnceFilter()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, src := range m.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			inner := make(chan Candidate)
			done := make(chan error, 1)
			go func() {
				done <- src.Stream(ctx, inner)
				close(inner)
			}()
			for c := range inner {
				if once.first(c) {
					emit(ctx, out, c)
				}
			}
			if err := <-done; err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("source %s: %w", src.Name(), err)
				}
				mu.Unlock()
			}
		}(src)
	}
	wg.Wait()
	return firstErr
}
