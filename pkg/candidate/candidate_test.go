package candidate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	c, err := New("  http://evil.example/kit.zip ", TagCertStream)
	require.NoError(t, err)
	require.Equal(t, "http://evil.example/kit.zip", c.URL())
	require.Equal(t, TagCertStream, c.Source())
	require.Equal(t, "evil.example", c.Host())

	c, err = New("https://a.example/x.zip", "")
	require.NoError(t, err)
	require.Equal(t, TagManual, c.Source())

	for _, raw := range []string{"", "   ", "ftp://a.example/k.zip", "/k.zip", "http:///k.zip", "://bad"} {
		_, err := New(raw, TagManual)
		require.ErrorIs(t, err, ErrInvalidURL, raw)
	}
}

func TestExtension(t *testing.T) {
	cases := map[string]string{
		"http://a.example/name.tar.gz":        ".tar.gz",
		"http://a.example/NAME.TAR.GZ":        ".TAR.GZ",
		"http://a.example/x.tar.gz?dl=1":      ".tar.gz",
		"http://a.example/kit.zip":            ".zip",
		"http://a.example/kit.gz":             ".gz",
		"http://a.example/kit.tar":            ".tar",
		"http://a.example/kit.zip/":           ".zip",
		"http://a.example/kit.7z#frag":        ".7z",
		"http://a.example/dir.v1/kit":         "",
		"http://a.example/":                   "",
		"http://a.example":                    "",
		"http://a.example/setup.exe":          ".exe",
		"http://a.example/archive.backup.rar": ".rar",
	}
	for raw, want := range cases {
		assert.Equal(t, want, Extension(raw), raw)
	}
}

func TestNormalizeCollisions(t *testing.T) {
	groups := [][]string{
		{
			"http://a.com/k.zip",
			"http://a.com/k.zip/",
			"HTTP://A.COM/k.zip",
			"http://a.com:80/k.zip",
			"http://a.com/%6B.zip",
			"http://a.com/k.zip#top",
		},
		{
			"https://b.example/kits/my kit.zip",
			"https://b.example/kits/my%20kit.zip",
			"https://b.example:443/kits/my%20kit.zip/",
		},
	}
	for _, group := range groups {
		want, err := Normalize(group[0])
		require.NoError(t, err)
		for _, raw := range group[1:] {
			got, err := Normalize(raw)
			require.NoError(t, err)
			require.Equal(t, want, got, raw)
		}
	}

	a, _ := Normalize("http://a.com/k.zip")
	b, _ := Normalize("https://a.com/k.zip")
	c, _ := Normalize("http://a.com:8080/k.zip")
	d, _ := Normalize("http://a.com/K.zip")
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, a, d, "path case is significant")

	// Escapes are decoded exactly once.
	escaped, _ := Normalize("http://h.example/%2541.zip")
	plain, _ := Normalize("http://h.example/A.zip")
	require.NotEqual(t, plain, escaped)
	require.Equal(t, "http://h.example/%2541.zip", escaped)
	spaced, _ := Normalize("https://b.example/kits/my%2520kit.zip")
	require.Equal(t, "https://b.example/kits/my%2520kit.zip", spaced)

	q1, _ := Normalize("http://h.example/k.zip?id=%41&x=a%20b")
	q2, _ := Normalize("http://h.example/k.zip?id=A&x=a+b")
	q3, _ := Normalize("http://h.example/k.zip?id=%2541")
	require.Equal(t, q1, q2)
	require.Equal(t, "http://h.example/k.zip?id=A&x=a+b", q1)
	require.NotEqual(t, q1, q3)

	_, err := Normalize("not a url")
	require.ErrorIs(t, err, ErrInvalidURL)
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, raw := range []string{
		"http://A.example/a/b/../c.zip?x=%20y",
		"http://[::1]:8080/k.zip",
		"https://ex.example:443/",
		"http://h.example/%2541/my%20kit.zip?q=%2541&r",
		"http://h.example/caf%C3%A9.zip",
	} {
		once, err := Normalize(raw)
		require.NoError(t, err)
		twice, err := Normalize(once)
		require.NoError(t, err)
		require.Equal(t, once, twice)
	}
}

func TestFilename(t *testing.T) {
	require.Equal(t, "my kit.zip", MustNew("http://a.example/x/my%20kit.zip", TagManual).Filename())
	require.Equal(t, "k.zip", MustNew("http://a.example/k.zip/", TagManual).Filename())
	require.Equal(t, "", MustNew("http://a.example/", TagManual).Filename())
}

func collect(t *testing.T, src Source) []Candidate {
	t.Helper()
	out := make(chan Candidate)
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.Stream(context.Background(), out)
		close(out)
	}()
	var got []Candidate
	for c := range out {
		got = append(got, c)
	}
	require.NoError(t, <-errCh)
	return got
}

func TestSliceSourceDedupesWithinInvocation(t *testing.T) {
	src := NewSliceSource("manual",
		MustNew("http://a.com/k.zip", TagManual),
		MustNew("http://a.com/k.zip/", TagManual),
		MustNew("http://b.com/k.zip", TagManual),
	)
	got := collect(t, src)
	require.Len(t, got, 2)

	// a second invocation yields the batch again
	require.Len(t, collect(t, src), 2)
}

func TestReaderSource(t *testing.T) {
	input := strings.Join([]string{
		"# comment",
		"",
		"http://a.example/one.zip",
		"not-a-url",
		"ftp://a.example/two.zip",
		"http://a.example/one.zip",
		"https://b.example/three.tar.gz",
	}, "\n")
	got := collect(t, NewReaderSource("stdin", strings.NewReader(input), TagDirectory))
	require.Len(t, got, 2)
	require.Equal(t, "http://a.example/one.zip", got[0].URL())
	require.Equal(t, TagDirectory, got[1].Source())
}

func TestReaderSourceStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Candidate)
	done := make(chan error, 1)
	go func() {
		done <- NewReaderSource("r", strings.NewReader("http://a.example/1.zip\nhttp://a.example/2.zip\n"), TagManual).Stream(ctx, out)
	}()
	<-out
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestReaderSourceIdlePipeStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Candidate)
	done := make(chan error, 1)
	go func() {
		done <- NewReaderSource("stdin", pr, TagManual).Stream(ctx, out)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream blocked on an idle reader after cancel")
	}
}

func TestReaderSourceReadError(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("http://a.example/1.zip\n"))
		_ = pw.CloseWithError(fmt.Errorf("disk gone"))
	}()

	out := make(chan Candidate, 4)
	err := NewReaderSource("r", pr, TagManual).Stream(context.Background(), out)
	require.ErrorContains(t, err, "disk gone")
	require.Len(t, out, 1)
}

func TestOnceFilterIsBounded(t *testing.T) {
	f := newBoundedOnceFilter(2)
	a := MustNew("http://a.example/a.zip", TagFeed)
	b := MustNew("http://a.example/b.zip", TagFeed)
	c := MustNew("http://a.example/c.zip", TagFeed)

	require.True(t, f.first(a))
	require.True(t, f.first(b))
	require.False(t, f.first(a))
	require.True(t, f.first(c), "c evicts a")
	require.Equal(t, 2, f.len())
	require.True(t, f.first(a), "a was forgotten")
	require.False(t, f.first(c))
	require.Equal(t, 2, f.len())
}

func TestFeedSourceOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "http://phish.example/kit.zip")
		_, _ = fmt.Fprintln(w, "http://phish.example/kit.zip")
		_, _ = fmt.Fprintln(w, "http://other.example/a.rar")
	}))
	defer srv.Close()

	got := collect(t, NewFeedSource(srv.URL, 0, srv.Client()))
	require.Len(t, got, 2)
	require.Equal(t, TagFeed, got[0].Source())
}

func TestFeedSourceBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	out := make(chan Candidate, 1)
	err := NewFeedSource(srv.URL, 0, srv.Client()).Stream(context.Background(), out)
	require.Error(t, err)
}

func TestFeedSourcePollsUntilCancelled(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		_, _ = fmt.Fprintf(w, "http://phish.example/kit%d.zip\nhttp://phish.example/kit0.zip\n", n)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Candidate)
	done := make(chan error, 1)
	go func() {
		done <- NewFeedSource(srv.URL, 10*time.Millisecond, srv.Client()).Stream(ctx, out)
	}()

	seen := map[string]bool{}
	for len(seen) < 3 {
		c := <-out
		require.False(t, seen[c.URL()], "duplicate emitted: %s", c.URL())
		seen[c.URL()] = true
	}
	cancel()
	require.NoError(t, <-done)
}

func TestMultiSource(t *testing.T) {
	a := NewSliceSource("a", MustNew("http://a.com/k.zip", TagManual), MustNew("http://b.com/k.zip", TagManual))
	b := NewReaderSource("b", strings.NewReader("http://A.com/k.zip/\nhttp://c.com/k.zip\n"), TagDirectory)
	m := NewMultiSource(a, b)
	require.Equal(t, "a,b", m.Name())
	require.Len(t, collect(t, m), 3)
}
