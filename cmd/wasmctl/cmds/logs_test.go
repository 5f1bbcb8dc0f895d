package cmds

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// lockedBuffer lets the test read while followLog writes from its goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowLogStreamsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "child.stdout.log")
	require.NoError(t, os.WriteFile(path, []byte("before follow\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out lockedBuffer
	done := make(chan error, 1)
	go func() { done <- followLog(ctx, path, &out) }()

	// Let the follower seek to the end so the existing line stays out.
	time.Sleep(150 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("first\nsecond\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "second") && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop after cancel")
	}

	got := out.String()
	require.NotContains(t, got, "before follow")
	require.Contains(t, got, "first\n")
	require.Contains(t, got, "second\n")
}

func TestFollowLogMissingFile(t *testing.T) {
	err := followLog(context.Background(), filepath.Join(t.TempDir(), "absent.log"), &bytes.Buffer{})
	require.Error(t, err)
}

func TestParseSinceDuration(t *testing.T) {
	cutoff, err := parseSince("15m")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(-15*time.Minute), cutoff, 2*time.Second)
}

func TestParseSinceTimestamp(t *testing.T) {
	cutoff, err := parseSince("2026-01-02T15:04:05Z")
	require.NoError(t, err)
	require.Equal(t, 2026, cutoff.Year())

	_, err = parseSince("not a time at all")
	require.Error(t, err)
}

func TestFilterSinceKeepsUnparseableLines(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lines := []string{
		"2026-03-01T11:00:00Z too old",
		"2026-03-01T13:00:00Z new enough",
		"plain text line",
	}
	require.Equal(t, []string{
		"2026-03-01T13:00:00Z new enough",
		"plain text line",
	}, filterSince(lines, cutoff))
}
