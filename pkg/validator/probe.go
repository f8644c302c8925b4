package validator

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"
)

// ProbeMetadata is what a HEAD probe learned about a URL.
type ProbeMetadata struct {
	StatusCode    int
	ContentLength *int64 // nil when the header was absent or unparseable
	MIMEType      string // base type, lower-cased, parameters stripped; "" when absent
	Headers       map[string]string
}

// ProbeError is returned when the probe produced no metadata.
type ProbeError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *ProbeError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("probe %s: timed out: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("probe %s: %v", e.URL, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Prober fetches header metadata for a URL without reading the body.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (ProbeMetadata, error)
}

// HTTPProber issues a single HEAD request per probe. Redirects follow the
// client's policy; no retries are made.
type HTTPProber struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
}

func NewHTTPProber(client *http.Client, userAgent string, timeout time.Duration) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProber{Client: client, UserAgent: userAgent, Timeout: timeout}
}

func (p *HTTPProber) Probe(ctx context.Context, rawURL string) (ProbeMetadata, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ProbeMetadata{}, &ProbeError{URL: rawURL, Err: err}
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return ProbeMetadata{}, &ProbeError{URL: rawURL, Timeout: isTimeout(err), Err: err}
	}
	// The body of a HEAD response is never read.
	_ = resp.Body.Close()

	return metadataFrom(resp), nil
}

func metadataFrom(resp *http.Response) ProbeMetadata {
	md := ProbeMetadata{
		StatusCode: resp.StatusCode,
		MIMEType:   BaseMIMEType(resp.Header.Get("Content-Type")),
		Headers:    make(map[string]string, len(resp.Header)),
	}
	if resp.ContentLength >= 0 {
		n := resp.ContentLength
		md.ContentLength = &n
	}
	for k, v := range resp.Header {
		md.Headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return md
}

// BaseMIMEType strips parameters such as charset and lower-cases the type.
func BaseMIMEType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
