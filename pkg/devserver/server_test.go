package devserver

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/wasmctl/pkg/bus"
)

func newTestServer(t *testing.T) (*Server, string, *httptest.Server) {
	t.Helper()
	root := t.TempDir()
	s, err := New(Options{Root: root})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(s.hub.Shutdown)
	return s, root, ts
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url) // #nosec G107 -- test server URL
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func TestServesWasmWithCorrectContentType(t *testing.T) {
	_, root, ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.wasm"), []byte("wasm-bytes"), 0o644))

	resp, body := get(t, ts.URL+"/app.wasm")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/wasm", resp.Header.Get("Content-Type"))
	require.Equal(t, "wasm-bytes", body)
}

func TestIndexFallbackInjectsReloadScript(t *testing.T) {
	_, root, ts := newTestServer(t)
	page := "<html><body><h1>app</h1></body></html>"
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte(page), 0o644))

	for _, path := range []string{"/", "/index.html"} {
		resp, body := get(t, ts.URL+path)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.Contains(t, resp.Header.Get("Content-Type"), "text/html", path)
		require.Contains(t, body, reloadScriptTag, path)
		require.Contains(t, body, reloadScriptTag+"</body>", "script goes before the closing tag")
	}
}

func TestHTMLWithoutBodyTagGetsScriptAppended(t *testing.T) {
	_, root, ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "bare.html"), []byte("<p>hi</p>"), 0o644))

	_, body := get(t, ts.URL+"/bare.html")
	require.True(t, strings.HasSuffix(body, reloadScriptTag))
}

func TestPathTraversalStaysInsideRoot(t *testing.T) {
	s, root, _ := newTestServer(t)
	outside := filepath.Join(filepath.Dir(root), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("nope"), 0o644))

	// Bypass client-side URL normalization.
	req := httptest.NewRequest(http.MethodGet, "/../secret.txt", nil)
	rec := httptest.NewRecorder()
	s.serveStatic(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMissingFileIs404(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, _ := get(t, ts.URL+"/nope.js")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownExtensionFallsBackToOctetStream(t *testing.T) {
	_, root, ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "data.blob8"), []byte{1, 2, 3}, 0o644))

	resp, _ := get(t, ts.URL+"/data.blob8")
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
}

func TestReloadScriptServed(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, body := get(t, ts.URL+"/livereload.js")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "EventSource")
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	_, root, ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.css"), []byte("body{}"), 0o644))
	_, _ = get(t, ts.URL+"/a.css")

	resp, body := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "wasmctl_http_requests_total")
	require.Contains(t, body, "wasmctl_builds_total")
	require.Contains(t, body, "wasmctl_livereload_clients")
}

func connectSSE(t *testing.T, url string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "connected")
	return reader
}

func readUntil(t *testing.T, r *bufio.Reader, substr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := r.ReadString('\n')
		require.NoError(t, err, "stream closed before %q", substr)
		if strings.Contains(line, substr) {
			return
		}
	}
	t.Fatalf("did not observe %q in SSE stream", substr)
}

func eventMessage(t *testing.T, typ string, payload any) *message.Message {
	t.Helper()
	env, err := bus.NewEnvelope(typ, payload)
	require.NoError(t, err)
	b, err := env.MarshalJSONBytes()
	require.NoError(t, err)
	return message.NewMessage("test-"+typ, b)
}

func TestBuildCompletedBroadcastsReload(t *testing.T) {
	s, _, ts := newTestServer(t)
	reader := connectSSE(t, ts.URL+"/livereload")

	msg := eventMessage(t, bus.TypeBuildCompleted, bus.BuildCompleted{BuildID: "b-123", App: "app"})
	require.NoError(t, s.HandleEvent(msg))

	readUntil(t, reader, "b-123")
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.buildsTotal))
}

func TestCleanChildExitBroadcastsReload(t *testing.T) {
	s, _, ts := newTestServer(t)
	reader := connectSSE(t, ts.URL+"/livereload")

	zero := 0
	msg := eventMessage(t, bus.TypeChildExited, bus.ChildExited{PID: 123, ExitCode: &zero})
	require.NoError(t, s.HandleEvent(msg))

	readUntil(t, reader, `"build":"`)
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.buildsTotal))
}

func TestKilledChildDoesNotReload(t *testing.T) {
	s, _, _ := newTestServer(t)

	msg := eventMessage(t, bus.TypeChildExited, bus.ChildExited{PID: 123, Killed: true})
	require.NoError(t, s.HandleEvent(msg))
	require.Equal(t, 0.0, testutil.ToFloat64(s.metrics.buildsTotal))

	one := 1
	msg = eventMessage(t, bus.TypeChildExited, bus.ChildExited{PID: 124, ExitCode: &one})
	require.NoError(t, s.HandleEvent(msg))
	require.Equal(t, 0.0, testutil.ToFloat64(s.metrics.buildsTotal))
}

func TestBuildFailureOnlyCounts(t *testing.T) {
	s, _, _ := newTestServer(t)

	msg := eventMessage(t, bus.TypeBuildFailed, bus.BuildFailed{BuildID: "b-9", Stage: "compile", Error: "boom"})
	require.NoError(t, s.HandleEvent(msg))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.buildFailuresTotal))
	require.Equal(t, 0.0, testutil.ToFloat64(s.metrics.buildsTotal))
}

func TestGarbageEventIsDropped(t *testing.T) {
	s, _, _ := newTestServer(t)
	require.NoError(t, s.HandleEvent(message.NewMessage("junk", []byte("not-json"))))
}
