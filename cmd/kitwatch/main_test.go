package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitwatch/kitwatch/pkg/version"
)

var kitBody = bytes.Repeat([]byte("PK"), 512)

func kitServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/kit.zip", "/other.zip":
			w.Header().Set("Content-Type", "application/zip")
			w.Header().Set("Content-Length", strconv.Itoa(len(kitBody)))
			if r.Method == http.MethodGet {
				_, _ = w.Write(kitBody)
			}
		case "/feed.txt":
			_, _ = w.Write([]byte("http://" + r.Host + "/other.zip\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type workspace struct {
	db   string
	kits string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	for _, k := range []string{"KITWATCH_DATABASE", "KITWATCH_DOWNLOAD_TO", "KITWATCH_THREADS", "KITWATCH_DEDUP_DRIVER"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	return workspace{db: filepath.Join(dir, "seen.db"), kits: filepath.Join(dir, "kits")}
}

func (ws workspace) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := []string{"kitwatch", args[0], "-database", ws.db}
	if args[0] == "run" || args[0] == "watch" {
		full = append(full, "-download-to", ws.kits)
	}
	code := Run(append(full, args[1:]...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func kitFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, Run([]string{"kitwatch", "help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "USAGE:")
	assert.Contains(t, stdout.String(), "watch")
}

func TestRun_NoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"kitwatch"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "USAGE:")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"kitwatch", "frobnicate"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: frobnicate")
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, Run([]string{"kitwatch", "version"}, &stdout, &stderr))
	assert.Equal(t, "kitwatch "+version.String()+"\n", stdout.String())
}

func TestRunCmd_AcquiresOnceAcrossRuns(t *testing.T) {
	srv := kitServer(t)
	ws := newWorkspace(t)
	url := srv.URL + "/kit.zip"

	code, out, errOut := ws.run(t, "run", url)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "[kit] "+url)
	assert.Regexp(t, `reported\s+1`, out)

	files := kitFiles(t, ws.kits)
	require.Len(t, files, 1)
	assert.True(t, strings.HasSuffix(files[0], ".zip"))
	data, err := os.ReadFile(filepath.Join(ws.kits, files[0]))
	require.NoError(t, err)
	assert.Equal(t, kitBody, data)

	// A second run sees the persisted identifier.
	code, out, errOut = ws.run(t, "run", strings.Replace(url, "http://", "HTTP://", 1))
	require.Equal(t, 0, code, errOut)
	assert.Regexp(t, `duplicate\s+1`, out)
	assert.Len(t, kitFiles(t, ws.kits), 1)

	code, out, _ = ws.run(t, "seen", url)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "seen since")
}

func TestRunCmd_StdinAndFeed(t *testing.T) {
	srv := kitServer(t)
	ws := newWorkspace(t)

	old := stdin
	stdin = strings.NewReader(srv.URL + "/kit.zip\n" + srv.URL + "/missing.zip\nnot a url\n")
	t.Cleanup(func() { stdin = old })

	code, out, errOut := ws.run(t, "run", "-input", "-", "-feed", srv.URL+"/feed.txt", "-verbose")
	require.Equal(t, 0, code, errOut)
	assert.Regexp(t, `reported\s+2`, out)
	assert.Regexp(t, `validation_failed\s+1`, out)
	assert.Contains(t, out, "/missing.zip (reachable)")
	assert.Len(t, kitFiles(t, ws.kits), 2)
}

func TestRunCmd_JSON(t *testing.T) {
	srv := kitServer(t)
	ws := newWorkspace(t)

	code, out, errOut := ws.run(t, "run", "-json", srv.URL+"/kit.zip", srv.URL+"/page.html")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, errOut, "Summary:")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	outcomes := map[string]map[string]any{}
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		outcomes[rec["outcome"].(string)] = rec
	}
	require.Contains(t, outcomes, "reported")
	require.Contains(t, outcomes, "validation_failed")
	assert.Equal(t, "valid_extension", outcomes["validation_failed"]["failed_check"])
	kit := outcomes["reported"]["kit"].(map[string]any)
	assert.Len(t, kit["sha256"], 64)
}

func TestRunCmd_JSONOutAlongsideConsole(t *testing.T) {
	srv := kitServer(t)
	ws := newWorkspace(t)
	jsonPath := filepath.Join(t.TempDir(), "reports.jsonl")

	code, out, errOut := ws.run(t, "run", "-json-out", jsonPath, srv.URL+"/kit.zip")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "[kit] "+srv.URL+"/kit.zip")
	assert.Regexp(t, `reported\s+1`, out)

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "reported", rec["outcome"])
	assert.Equal(t, srv.URL+"/kit.zip", rec["url"])

	// A second run appends.
	code, _, errOut = ws.run(t, "run", "-json-out", jsonPath, srv.URL+"/kit.zip")
	require.Equal(t, 0, code, errOut)
	data, err = os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 2)
	assert.Contains(t, string(data), `"outcome":"duplicate"`)
}

func TestRunCmd_ReportOnlyConfig(t *testing.T) {
	srv := kitServer(t)
	ws := newWorkspace(t)
	cfgPath := filepath.Join(t.TempDir(), "kitwatch.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("auto_download: false\n"), 0600))

	code, out, errOut := ws.run(t, "run", "-config", cfgPath, srv.URL+"/kit.zip")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "[confirmed] "+srv.URL+"/kit.zip")
	assert.Regexp(t, `confirmed\s+1`, out)
	assert.Regexp(t, `reported\s+0`, out)
	assert.Empty(t, kitFiles(t, ws.kits))

	code, _, _ = ws.run(t, "seen", srv.URL+"/kit.zip")
	assert.Equal(t, 0, code, "confirmed kits are recorded")
}

func TestRunCmd_InputFile(t *testing.T) {
	srv := kitServer(t)
	ws := newWorkspace(t)
	input := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(input, []byte(srv.URL+"/kit.zip\n"), 0600))

	code, out, errOut := ws.run(t, "run", "-input", input)
	require.Equal(t, 0, code, errOut)
	assert.Regexp(t, `reported\s+1`, out)
}

func TestRunCmd_Errors(t *testing.T) {
	ws := newWorkspace(t)

	code, _, errOut := ws.run(t, "run", "-input", filepath.Join(t.TempDir(), "nope.txt"))
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "failed to open input")

	code, _, _ = ws.run(t, "run", "-no-such-flag")
	assert.Equal(t, 2, code)

	code, _, errOut = ws.run(t, "run", "-config", filepath.Join(t.TempDir(), "missing.yaml"), "http://x.example/a.zip")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "failed to read config")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("on_acquire_failure: sometimes\n"), 0600))
	code, _, errOut = ws.run(t, "run", "-config", bad, "http://x.example/a.zip")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid configuration")
}

func TestWatchCmd_RequiresFeed(t *testing.T) {
	ws := newWorkspace(t)
	code, _, errOut := ws.run(t, "watch")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--feed is required")

	code, _, _ = ws.run(t, "watch", "-feed", "http://x.example/feed", "-interval", "0s")
	assert.Equal(t, 2, code)
}

func TestCheckCmd(t *testing.T) {
	srv := kitServer(t)
	ws := newWorkspace(t)

	code, out, _ := ws.run(t, "check", srv.URL+"/kit.zip")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "content length  1024")
	assert.NotContains(t, out, "FAIL")

	code, out, _ = ws.run(t, "check", srv.URL+"/missing.zip")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "status          404")
	assert.Contains(t, out, "FAIL")

	code, _, _ = ws.run(t, "check")
	assert.Equal(t, 2, code)

	// check never records anything.
	code, _, _ = ws.run(t, "seen", srv.URL+"/kit.zip")
	assert.Equal(t, 1, code)
}

func TestSeenCmd_NotSeen(t *testing.T) {
	ws := newWorkspace(t)
	code, out, _ := ws.run(t, "seen", "HTTP://Evil.Example:80/kit.zip")
	assert.Equal(t, 1, code)
	assert.Equal(t, "http://evil.example/kit.zip: not seen\n", out)

	code, _, _ = ws.run(t, "seen", "ftp://evil.example/kit.zip")
	assert.Equal(t, 2, code)
}
