// Package candidate defines the URL values that flow through the kit pipeline
// and the rules used to identify them.
package candidate

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Tag identifies the feed a candidate came from.
type Tag string

const (
	TagCertStream Tag = "certstream" // certificate-transparency monitor
	TagDirectory  Tag = "directory"  // directory-listing crawler
	TagManual     Tag = "manual"     // operator supplied
	TagFeed       Tag = "feed"       // polled text feed (OpenPhish style)
)

// compoundExtension is matched as a whole instead of splitting at the last dot.
const compoundExtension = ".tar.gz"

// ErrInvalidURL is returned when a candidate URL cannot be used.
var ErrInvalidURL = errors.New("invalid candidate url")

// Candidate is one URL plus its originating feed. Values are immutable once built.
type Candidate struct {
	url    string
	source Tag
}

// New validates raw and returns a Candidate. Only absolute http(s) URLs with a host are accepted.
func New(raw string, source Tag) (Candidate, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Candidate{}, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Candidate{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return Candidate{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if source == "" {
		source = TagManual
	}
	return Candidate{url: raw, source: source}, nil
}

// MustNew is New for literals in tests and fixtures.
func MustNew(raw string, source Tag) Candidate {
	c, err := New(raw, source)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Candidate) URL() string  { return c.url }
func (c Candidate) Source() Tag  { return c.source }
func (c Candidate) IsZero() bool { return c.url == "" }

// Identifier is the dedup key for the candidate.
func (c Candidate) Identifier() (string, error) {
	return Normalize(c.url)
}

// Host returns the lower-cased hostname without port.
func (c Candidate) Host() string {
	u, err := url.Parse(c.url)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Extension applies the extension rule to the candidate URL.
func (c Candidate) Extension() string {
	return Extension(c.url)
}

// Filename is the percent-decoded last path element. It is for display only and
// must never be used to build a filesystem path.
func (c Candidate) Filename() string {
	u, err := url.Parse(c.url)
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s (%s)", c.url, c.source)
}

// Normalize returns the canonical form of raw used as the dedup identifier.
// Scheme and host are lower-cased, default ports dropped and the fragment
// removed. Path and query escapes are decoded once, NFC-normalized and
// re-escaped in a fixed form, so "%6B" and "k" collide while "%2541" and "A"
// stay distinct. Trailing slashes are stripped from the path.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]" // IPv6 literal
	}
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host += ":" + port
	}

	p := norm.NFC.String(strings.TrimRight(u.Path, "/"))

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString((&url.URL{Path: p}).EscapedPath())
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(canonicalQuery(u.RawQuery))
	}
	return b.String(), nil
}

// canonicalQuery decodes each key and value once and re-escapes it, keeping
// parameter order. Undecodable parts are kept verbatim.
func canonicalQuery(raw string) string {
	parts := strings.Split(raw, "&")
	for i, part := range parts {
		kv := strings.SplitN(part, "=", 2)
		for j, s := range kv {
			dec, err := url.QueryUnescape(s)
			if err != nil {
				continue
			}
			kv[j] = url.QueryEscape(norm.NFC.String(dec))
		}
		parts[i] = strings.Join(kv, "=")
	}
	return strings.Join(parts, "&")
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// Extension returns the archive extension of raw's path. A path ending in
// ".tar.gz" yields ".tar.gz"; anything else yields the last-dot extension of the
// final path element. Trailing slashes, query and fragment are ignored.
func Extension(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	if strings.HasSuffix(strings.ToLower(p), compoundExtension) {
		return p[len(p)-len(compoundExtension):]
	}
	return path.Ext(p)
}
