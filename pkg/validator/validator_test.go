package validator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitwatch/kitwatch/pkg/candidate"
)

var testPolicy = Policy{
	Extensions: []string{".zip", ".rar", ".7z", ".tar", ".gz", ".tar.gz"},
	MIMETypes:  []string{"application/zip", "application/vnd.rar", "application/x-7z-compressed", "application/x-tar", "application/gzip"},
}

type fakeProber struct {
	md    ProbeMetadata
	err   error
	calls atomic.Int32
}

func (f *fakeProber) Probe(ctx context.Context, rawURL string) (ProbeMetadata, error) {
	f.calls.Add(1)
	return f.md, f.err
}

func length(n int64) *int64 { return &n }

func TestBaseMIMEType(t *testing.T) {
	cases := map[string]string{
		"application/zip":                  "application/zip",
		"Application/ZIP; charset=binary":  "application/zip",
		"application/x-tar;name=\"a.tar\"": "application/x-tar",
		"":                                 "",
		"  application/gzip  ":             "application/gzip",
		"application/zip; =broken":         "application/zip",
	}
	for in, want := range cases {
		assert.Equal(t, want, BaseMIMEType(in), in)
	}
}

func TestPredicateTable(t *testing.T) {
	valid := ProbeMetadata{StatusCode: 200, MIMEType: "application/zip", ContentLength: length(4096)}

	cases := []struct {
		name   string
		url    string
		md     ProbeMetadata
		err    error
		failed Check
	}{
		{name: "all valid", url: "http://evil.example/kit.zip", md: valid},
		{name: "bad extension", url: "http://evil.example/kit.exe", md: valid, failed: CheckExtension},
		{name: "no extension", url: "http://evil.example/kit", md: valid, failed: CheckExtension},
		{name: "not found", url: "http://evil.example/kit.zip", md: ProbeMetadata{StatusCode: 404, MIMEType: "application/zip", ContentLength: length(4096)}, failed: CheckReachable},
		{name: "redirect status", url: "http://evil.example/kit.zip", md: ProbeMetadata{StatusCode: 302, MIMEType: "application/zip", ContentLength: length(4096)}, failed: CheckReachable},
		{name: "probe error", url: "http://evil.example/kit.zip", err: &ProbeError{URL: "x", Err: errors.New("connection refused")}, failed: CheckReachable},
		{name: "html", url: "http://evil.example/kit.zip", md: ProbeMetadata{StatusCode: 200, MIMEType: "text/html", ContentLength: length(4096)}, failed: CheckMIMEType},
		{name: "no mime", url: "http://evil.example/kit.zip", md: ProbeMetadata{StatusCode: 200, ContentLength: length(4096)}, failed: CheckMIMEType},
		{name: "zero length", url: "http://evil.example/kit.zip", md: ProbeMetadata{StatusCode: 200, MIMEType: "application/zip", ContentLength: length(0)}, failed: CheckContentLength},
		{name: "missing length", url: "http://evil.example/kit.zip", md: ProbeMetadata{StatusCode: 200, MIMEType: "application/zip"}, failed: CheckContentLength},
		{name: "compound extension", url: "http://evil.example/kit.tar.gz", md: ProbeMetadata{StatusCode: 200, MIMEType: "application/gzip", ContentLength: length(10)}},
		{name: "upper-case extension", url: "http://evil.example/KIT.ZIP", md: valid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakeProber{md: tc.md, err: tc.err}
			v := New(testPolicy, p, nil, nil)
			r := v.Validate(context.Background(), candidate.MustNew(tc.url, candidate.TagManual))

			require.Equal(t, tc.failed == "", r.Verdict)
			require.Equal(t, tc.failed, r.Failed)
			if tc.failed == CheckExtension {
				require.Zero(t, p.calls.Load(), "no probe after extension failure")
				require.False(t, r.Probed)
			} else {
				require.EqualValues(t, 1, p.calls.Load())
				require.True(t, r.Probed)
			}
		})
	}
}

func TestChainOrder(t *testing.T) {
	chain := Chain(testPolicy)
	require.Len(t, chain, 4)
	require.Equal(t, []Check{CheckExtension, CheckReachable, CheckMIMEType, CheckContentLength},
		[]Check{chain[0].Check, chain[1].Check, chain[2].Check, chain[3].Check})
}

// bodyTrap fails the test if anything reads from it.
type bodyTrap struct {
	t      *testing.T
	closed bool
}

func (b *bodyTrap) Read(p []byte) (int, error) {
	b.t.Error("response body must not be read")
	return 0, io.ErrUnexpectedEOF
}

func (b *bodyTrap) Close() error {
	b.closed = true
	return nil
}

type trapTransport struct {
	t      *testing.T
	method string
	body   *bodyTrap
}

func (tr *trapTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tr.method = req.Method
	tr.body = &bodyTrap{t: tr.t}
	h := http.Header{}
	h.Set("Content-Type", "application/zip")
	h.Set("Content-Length", "4096")
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        h,
		ContentLength: 4096,
		Body:          tr.body,
		Request:       req,
	}, nil
}

func TestProbeNeverReadsBody(t *testing.T) {
	tr := &trapTransport{t: t}
	prober := NewHTTPProber(&http.Client{Transport: tr}, "kitwatch-test", time.Second)
	v := New(testPolicy, prober, nil, nil)

	r := v.Validate(context.Background(), candidate.MustNew("http://evil.example/kit.zip", candidate.TagManual))
	require.True(t, r.Verdict)
	require.Equal(t, http.MethodHead, tr.method)
	require.True(t, tr.body.closed)
	require.Equal(t, "4096", r.Headers["content-length"])
}

func TestHTTPProberAgainstServer(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		if r.Method != http.MethodHead {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/zip; charset=binary")
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := NewHTTPProber(srv.Client(), "kitwatch-test", time.Second)
	md, err := prober.Probe(context.Background(), srv.URL+"/kit.zip")
	require.NoError(t, err)
	require.Equal(t, 200, md.StatusCode)
	require.Equal(t, "application/zip", md.MIMEType)
	require.NotNil(t, md.ContentLength)
	require.EqualValues(t, 4096, *md.ContentLength)
	require.Equal(t, "kitwatch-test", gotUA.Load())
}

func TestProbeTimeoutIsValidationFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	prober := NewHTTPProber(srv.Client(), "", 50*time.Millisecond)
	v := New(testPolicy, prober, nil, nil)
	r := v.Validate(context.Background(), candidate.MustNew(srv.URL+"/kit.rar", candidate.TagManual))

	require.False(t, r.Verdict)
	require.Equal(t, CheckReachable, r.Failed)
	require.Nil(t, r.StatusCode)

	var pe *ProbeError
	require.True(t, errors.As(r.ProbeErr, &pe))
	require.True(t, pe.Timeout)
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	v := New(testPolicy, NewHTTPProber(nil, "", time.Second), nil, nil)
	r := v.Validate(context.Background(), candidate.MustNew(addr+"/kit.zip", candidate.TagManual))
	require.False(t, r.Verdict)
	require.Equal(t, CheckReachable, r.Failed)
	require.Error(t, r.ProbeErr)
	require.True(t, strings.Contains(r.ProbeErr.Error(), "probe "))
}
