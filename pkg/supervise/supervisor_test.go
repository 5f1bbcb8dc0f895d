package supervise

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/wasmctl/pkg/state"
)

// pidFileArgv builds a child that writes its PID file on start and removes it
// when terminated, so tests can observe the at-most-one-live-child property.
func pidFileArgv(pidFile string) []string {
	script := "echo $$ > " + pidFile +
		"; trap 'rm -f " + pidFile + "; exit 0' TERM" +
		"; while :; do sleep 0.05; done"
	return []string{"sh", "-c", script}
}

func TestStartStopKillsChild(t *testing.T) {
	repoRoot := t.TempDir()
	s := New(Options{RepoRoot: repoRoot, ShutdownTimeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx, []string{"sh", "-c", "sleep 10"}))
	snap := s.Snapshot()
	require.Equal(t, StatusRunning, snap.Status)
	require.True(t, state.ProcessAlive(snap.PID))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, s.Stop(stopCtx))

	require.Equal(t, StatusKilled, s.Snapshot().Status)
	deadline := time.Now().Add(3 * time.Second)
	for state.ProcessAlive(snap.PID) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	require.False(t, state.ProcessAlive(snap.PID))
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	repoRoot := t.TempDir()
	s := New(Options{RepoRoot: repoRoot, ShutdownTimeout: 2 * time.Second})

	ctx := context.Background()
	require.NoError(t, s.Start(ctx, []string{"sh", "-c", "sleep 10"}))
	defer func() { _ = s.Stop(context.Background()) }()

	err := s.Start(ctx, []string{"sh", "-c", "sleep 10"})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestSpawnFailureDoesNotTransitionState(t *testing.T) {
	repoRoot := t.TempDir()
	s := New(Options{RepoRoot: repoRoot})

	err := s.Start(context.Background(), []string{filepath.Join(repoRoot, "no-such-binary")})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSpawn)
	require.Equal(t, StatusNotStarted, s.Snapshot().Status)
}

func TestNaturalExitIsObservable(t *testing.T) {
	repoRoot := t.TempDir()
	s := New(Options{RepoRoot: repoRoot})

	require.NoError(t, s.Start(context.Background(), []string{"sh", "-c", "exit 3"}))

	select {
	case ev := <-s.Exits():
		require.NotNil(t, ev.ExitCode)
		require.Equal(t, 3, *ev.ExitCode)
		require.False(t, ev.Killed)
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}

	snap := s.Snapshot()
	require.Equal(t, StatusExited, snap.Status)
	require.NotNil(t, snap.ExitCode)
	require.Equal(t, 3, *snap.ExitCode)

	// Stop after a terminal state is a no-op.
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, StatusExited, s.Snapshot().Status)
}

func TestRestartNeverOverlapsChildren(t *testing.T) {
	repoRoot := t.TempDir()
	s := New(Options{RepoRoot: repoRoot, ShutdownTimeout: 2 * time.Second})
	ctx := context.Background()

	pidFiles := make([]string, 4)
	for i := range pidFiles {
		pidFiles[i] = filepath.Join(repoRoot, fmt.Sprintf("pid-%d.txt", i))
	}

	require.NoError(t, s.Start(ctx, pidFileArgv(pidFiles[0])))
	waitForFile(t, pidFiles[0])

	for i := 1; i < len(pidFiles); i++ {
		require.NoError(t, s.Restart(ctx, pidFileArgv(pidFiles[i])))
		waitForFile(t, pidFiles[i])

		present := 0
		for _, pf := range pidFiles {
			if _, err := os.Stat(pf); err == nil {
				present++
			}
		}
		require.Equal(t, 1, present, "exactly one live child after restart %d", i)
	}

	require.NoError(t, s.Stop(ctx))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(pidFiles[len(pidFiles)-1]); err != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	_, err := os.Stat(pidFiles[len(pidFiles)-1])
	require.True(t, os.IsNotExist(err), "last child must clean up after stop")
}

func TestStopEscalatesWhenTermIgnored(t *testing.T) {
	repoRoot := t.TempDir()
	s := New(Options{RepoRoot: repoRoot, ShutdownTimeout: 300 * time.Millisecond})

	script := "trap '' TERM; while :; do sleep 0.05; done"
	require.NoError(t, s.Start(context.Background(), []string{"sh", "-c", script}))
	pid := s.Snapshot().PID

	started := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	require.Less(t, time.Since(started), 5*time.Second)

	require.False(t, state.ProcessAlive(pid))
	require.Equal(t, StatusKilled, s.Snapshot().Status)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	s := New(Options{RepoRoot: t.TempDir()})
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, StatusNotStarted, s.Snapshot().Status)
}

func TestStateFileLifecycle(t *testing.T) {
	repoRoot := t.TempDir()
	s := New(Options{RepoRoot: repoRoot, Name: "dist-watch", RecordState: true, ShutdownTimeout: 2 * time.Second})

	require.NoError(t, s.Start(context.Background(), []string{"sh", "-c", "sleep 10"}))

	st, err := state.Load(repoRoot)
	require.NoError(t, err)
	require.Equal(t, "dist-watch", st.Child.Name)
	require.Equal(t, s.Snapshot().PID, st.Child.PID)

	require.NoError(t, s.Stop(context.Background()))
	_, err = state.Load(repoRoot)
	require.Error(t, err, "state file must be removed after stop")
}

func TestExitInfoWrittenOnExit(t *testing.T) {
	repoRoot := t.TempDir()
	s := New(Options{RepoRoot: repoRoot, Name: "crashy"})

	require.NoError(t, s.Start(context.Background(), []string{"sh", "-c", "echo oops >&2; exit 7"}))
	select {
	case <-s.Exits():
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}

	matches, err := filepath.Glob(filepath.Join(state.LogsDir(repoRoot), "crashy-*.exit.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	info, err := state.ReadExitInfo(matches[0])
	require.NoError(t, err)
	require.NotNil(t, info.ExitCode)
	require.Equal(t, 7, *info.ExitCode)
	require.Contains(t, info.StderrTail, "oops")
}

func TestStopRecordedKillsStaleChild(t *testing.T) {
	repoRoot := t.TempDir()
	s := New(Options{RepoRoot: repoRoot, Name: "stale", RecordState: true, ShutdownTimeout: 2 * time.Second})

	require.NoError(t, s.Start(context.Background(), []string{"sh", "-c", "sleep 10"}))
	pid := s.Snapshot().PID

	// Stop through the state file only, the way a sibling process would.
	require.NoError(t, StopRecorded(context.Background(), repoRoot, 2*time.Second))

	deadline := time.Now().Add(3 * time.Second)
	for state.ProcessAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	require.False(t, state.ProcessAlive(pid))
	_, err := state.Load(repoRoot)
	require.Error(t, err)

	// The supervisor's own waiter still reaps the child.
	select {
	case <-s.Exits():
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}
}

func TestStopRecordedWithoutStateIsNoop(t *testing.T) {
	require.NoError(t, StopRecorded(context.Background(), t.TempDir(), time.Second))
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
}
