// Package acquire downloads validated kits into a confined download root.
//
// Every kit is written to a ".part" file next to its final name, hashed while
// it streams, and renamed into place only once the body is complete. A failed
// download never leaves anything under the final name.
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kitwatch/kitwatch/pkg/artifacts"
	"github.com/kitwatch/kitwatch/pkg/candidate"
	"github.com/kitwatch/kitwatch/pkg/hostlimit"
)

// DefaultMaxBytes caps a single download at 100 MiB.
const DefaultMaxBytes int64 = 100 << 20

// Kit is an acquired archive on local disk.
type Kit struct {
	ID         string        `json:"id"`
	URL        string        `json:"url"`
	Source     candidate.Tag `json:"source"`
	Filename   string        `json:"filename"`
	Extension  string        `json:"extension"`
	LocalPath  string        `json:"local_path"`
	SizeBytes  *int64        `json:"size_bytes,omitempty"`
	SHA256     string        `json:"sha256"`
	MirrorKey  string        `json:"mirror_key,omitempty"`
	AcquiredAt time.Time     `json:"acquired_at"`
}

// Op names the step an acquisition failed in.
type Op string

const (
	OpRequest  Op = "request"
	OpStatus   Op = "status"
	OpCreate   Op = "create"
	OpWrite    Op = "write"
	OpTooLarge Op = "too_large"
	OpCommit   Op = "commit"
)

// AcquireError describes a failed download.
type AcquireError struct {
	URL string
	Op  Op
	Err error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire %s: %s: %v", e.URL, e.Op, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// ErrTooLarge is wrapped by AcquireError when the body exceeds the size cap.
var ErrTooLarge = errors.New("download exceeds size limit")

// Config holds the acquirer settings.
type Config struct {
	Root      string
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
}

// Acquirer fetches kits over HTTP.
type Acquirer struct {
	root      string
	client    *http.Client
	userAgent string
	timeout   time.Duration
	maxBytes  int64
	limiter   *hostlimit.Limiter
	mirror    artifacts.Store
	logger    *slog.Logger
	now       func() time.Time
}

// New creates the download root if needed. client, limiter and mirror may be nil.
func New(cfg Config, client *http.Client, limiter *hostlimit.Limiter, mirror artifacts.Store, logger *slog.Logger) (*Acquirer, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("acquire: download root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve download root: %w", err)
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create download root: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{
		root:      root,
		client:    client,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		maxBytes:  cfg.MaxBytes,
		limiter:   limiter,
		mirror:    mirror,
		logger:    logger.With("component", "acquirer"),
		now:       time.Now,
	}, nil
}

// Root returns the absolute download root.
func (a *Acquirer) Root() string { return a.root }

// Acquire downloads c into the root under a freshly generated name.
func (a *Acquirer) Acquire(ctx context.Context, c candidate.Candidate) (*Kit, error) {
	fail := func(op Op, err error) (*Kit, error) {
		return nil, &AcquireError{URL: c.URL(), Op: op, Err: err}
	}

	// Stored names always carry a lowercase extension.
	ext := strings.ToLower(c.Extension())
	if ext != "" && (strings.ContainsAny(ext, `/\`) || strings.Contains(ext, "..")) {
		return fail(OpCreate, fmt.Errorf("unsafe extension %q", ext))
	}

	id := uuid.NewString()
	finalPath, err := a.confine(id + ext)
	if err != nil {
		return fail(OpCreate, err)
	}

	if err := a.limiter.Wait(ctx, c.Host()); err != nil {
		return fail(OpRequest, err)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(), nil)
	if err != nil {
		return fail(OpRequest, err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fail(OpRequest, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(OpStatus, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if resp.ContentLength > a.maxBytes {
		return fail(OpTooLarge, fmt.Errorf("%w: content-length %d > %d", ErrTooLarge, resp.ContentLength, a.maxBytes))
	}

	partPath := finalPath + ".part"
	//nolint:gosec // path is <root>/<uuid><ext>.part, confined above
	f, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return fail(OpCreate, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			_ = os.Remove(partPath)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(resp.Body, a.maxBytes+1))
	if err != nil {
		return fail(OpWrite, err)
	}
	if n > a.maxBytes {
		return fail(OpTooLarge, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, a.maxBytes))
	}
	if err := f.Sync(); err != nil {
		return fail(OpWrite, err)
	}
	if err := f.Close(); err != nil {
		return fail(OpWrite, err)
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		return fail(OpCommit, err)
	}
	committed = true

	size := n
	kit := &Kit{
		ID:         id,
		URL:        c.URL(),
		Source:     c.Source(),
		Filename:   c.Filename(),
		Extension:  ext,
		LocalPath:  finalPath,
		SizeBytes:  &size,
		SHA256:     hex.EncodeToString(h.Sum(nil)),
		AcquiredAt: a.now().UTC(),
	}
	a.logger.InfoContext(ctx, "kit acquired", "url", kit.URL, "id", kit.ID, "bytes", size, "sha256", kit.SHA256)

	a.mirrorKit(ctx, kit)
	return kit, nil
}

// confine joins name onto the root and rejects anything that would land outside it.
func (a *Acquirer) confine(name string) (string, error) {
	p := filepath.Join(a.root, name)
	rel, err := filepath.Rel(a.root, p)
	if err != nil {
		return "", err
	}
	if rel == "." || rel != filepath.Base(p) || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes download root", name)
	}
	return p, nil
}

func (a *Acquirer) mirrorKit(ctx context.Context, kit *Kit) {
	if a.mirror == nil {
		return
	}
	key := artifacts.Key(kit.SHA256, kit.Extension)
	f, err := os.Open(kit.LocalPath)
	if err != nil {
		a.logger.WarnContext(ctx, "mirror skipped", "id", kit.ID, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	if err := a.mirror.Put(ctx, key, f, *kit.SizeBytes); err != nil {
		a.logger.WarnContext(ctx, "mirror failed", "id", kit.ID, "key", key, "error", err)
		return
	}
	kit.MirrorKey = key
}

// Downloaded reports whether kit's file is present under the download root.
func (a *Acquirer) Downloaded(kit *Kit) bool {
	if kit == nil || kit.LocalPath == "" {
		return false
	}
	rel, err := filepath.Rel(a.root, kit.LocalPath)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return false
	}
	info, err := os.Stat(kit.LocalPath)
	return err == nil && info.Mode().IsRegular()
}
