package supervise

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/wasmctl/pkg/state"
)

var (
	// ErrAlreadyRunning is returned by Start while a child is live; callers
	// must Stop (or use Restart) first.
	ErrAlreadyRunning = stderrors.New("child already running")
	// ErrSpawn wraps process-creation failures; the state machine does not
	// transition on them.
	ErrSpawn = stderrors.New("spawn failed")
)

type Status int

const (
	StatusNotStarted Status = iota
	StatusRunning
	StatusExited
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not-started"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusKilled:
		return "killed"
	}
	return "unknown"
}

// ExitEvent describes one child exit, natural or stop-initiated.
type ExitEvent struct {
	PID      int
	ExitCode *int
	Signal   string
	Killed   bool
	At       time.Time
}

// Snapshot is a point-in-time view of the supervised child.
type Snapshot struct {
	Status   Status
	PID      int
	ExitCode *int
}

type Options struct {
	RepoRoot string
	// Name labels the child in log file names and state.json.
	Name string
	// ShutdownTimeout is the SIGTERM grace period before SIGKILL.
	ShutdownTimeout time.Duration
	// Env is merged over the inherited environment.
	Env map[string]string
	// RecordState persists state.json so sibling commands can inspect the
	// running child.
	RecordState bool
}

// Supervisor owns the lifecycle of at most one child process. The state
// machine is NotStarted -> Running -> {Exited, Killed} -> Running again on
// restart; there are never two live children under one Supervisor.
type Supervisor struct {
	opts Options

	// opMu serializes Start/Stop/Restart so a restart is one indivisible
	// operation from the outside.
	opMu sync.Mutex

	mu       sync.Mutex
	status   Status
	pid      int
	exitCode *int
	stopping bool
	waitDone chan struct{}

	exits chan ExitEvent
}

func New(opts Options) *Supervisor {
	if opts.Name == "" {
		opts.Name = "child"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 3 * time.Second
	}
	return &Supervisor{
		opts:  opts,
		exits: make(chan ExitEvent, 16),
	}
}

// Exits delivers child-exit notifications. Events are dropped rather than
// blocking the exit path when the consumer falls far behind.
func (s *Supervisor) Exits() <-chan ExitEvent {
	return s.exits
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Status: s.status, PID: s.pid}
	if s.exitCode != nil {
		code := *s.exitCode
		snap.ExitCode = &code
	}
	return snap
}

func (s *Supervisor) Start(ctx context.Context, argv []string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx, argv)
}

// Stop terminates the child group and blocks until it has exited; no-op when
// nothing is running. The grace period bounds the SIGTERM wait, after which
// the group is SIGKILLed.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

// Restart stops the current child (if any) and starts argv as one operation;
// no other Start can interleave.
func (s *Supervisor) Restart(ctx context.Context, argv []string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.stopLocked(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx, argv)
}

// StopRecorded terminates the child recorded in state.json under repoRoot and
// clears the state file. It is the cross-process counterpart of Stop, for when
// the supervising process belongs to another terminal or is already gone.
func StopRecorded(ctx context.Context, repoRoot string, timeout time.Duration) error {
	st, err := state.Load(repoRoot)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if state.ProcessAlive(st.Child.PID) {
		log.Info().Str("name", st.Child.Name).Int("pid", st.Child.PID).Msg("stopping recorded child")
		if err := terminatePIDGroup(ctx, st.Child.PID, timeout); err != nil {
			return err
		}
	}
	return state.Remove(repoRoot)
}

func (s *Supervisor) startLocked(_ context.Context, argv []string) error {
	if s.status == StatusRunning {
		return ErrAlreadyRunning
	}
	if s.opts.RepoRoot == "" {
		return errors.New("missing RepoRoot")
	}
	if len(argv) == 0 {
		return errors.New("missing command")
	}
	if err := os.MkdirAll(state.LogsDir(s.opts.RepoRoot), 0o755); err != nil {
		return errors.Wrap(err, "mkdir logs dir")
	}

	ts := time.Now().Format("20060102-150405.000")
	logsDir := state.LogsDir(s.opts.RepoRoot)
	stdoutPath := filepath.Join(logsDir, s.opts.Name+"-"+ts+".stdout.log")
	stderrPath := filepath.Join(logsDir, s.opts.Name+"-"+ts+".stderr.log")
	exitInfoPath := filepath.Join(logsDir, s.opts.Name+"-"+ts+".exit.json")

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return errors.Wrap(err, "open stdout log")
	}
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		_ = stdoutFile.Close()
		return errors.Wrap(err, "open stderr log")
	}

	// #nosec G204 -- the command is the user-configured watch command.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.opts.RepoRoot
	cmd.Env = mergeEnv(os.Environ(), s.opts.Env)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	pid := cmd.Process.Pid
	startedAt := time.Now()
	log.Info().Str("name", s.opts.Name).Int("pid", pid).Strs("argv", argv).Msg("child started")

	s.status = StatusRunning
	s.pid = pid
	s.exitCode = nil
	s.stopping = false
	s.waitDone = make(chan struct{})

	if s.opts.RecordState {
		st := &state.State{
			RepoRoot:  s.opts.RepoRoot,
			CreatedAt: startedAt,
			Child: state.ChildRecord{
				Name:      s.opts.Name,
				PID:       pid,
				Argv:      append([]string{}, argv...),
				Cwd:       s.opts.RepoRoot,
				Env:       state.SanitizeEnv(s.opts.Env),
				StdoutLog: stdoutPath,
				StderrLog: stderrPath,
				ExitInfo:  exitInfoPath,
				StartedAt: startedAt,
			},
		}
		if err := state.Save(s.opts.RepoRoot, st); err != nil {
			log.Warn().Err(err).Msg("save state")
		}
	}

	go s.wait(cmd, pid, startedAt, stdoutFile, stderrFile, stdoutPath, stderrPath, exitInfoPath, s.waitDone)
	return nil
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	pid := s.pid
	done := s.waitDone
	s.mu.Unlock()

	log.Info().Str("name", s.opts.Name).Int("pid", pid).Msg("stopping child")
	if err := terminatePIDGroup(ctx, pid, s.opts.ShutdownTimeout); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.opts.RecordState {
		_ = state.Remove(s.opts.RepoRoot)
	}
	return nil
}

// wait reaps the child and settles the state machine. Runs once per start in
// its own goroutine; waitDone closes after the status transition so Stop can
// synchronize on it.
func (s *Supervisor) wait(cmd *exec.Cmd, pid int, startedAt time.Time, stdoutFile, stderrFile *os.File, stdoutPath, stderrPath, exitInfoPath string, done chan struct{}) {
	defer close(done)

	waitErr := cmd.Wait()
	exitedAt := time.Now()
	_ = stdoutFile.Close()
	_ = stderrFile.Close()

	info := state.ExitInfo{
		Name:      s.opts.Name,
		PID:       pid,
		StartedAt: startedAt,
		ExitedAt:  exitedAt,
	}
	if waitErr != nil {
		info.Error = waitErr.Error()
		var ee *exec.ExitError
		if stderrors.As(waitErr, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					info.Signal = ws.Signal().String()
				}
				if ws.Exited() {
					code := ws.ExitStatus()
					info.ExitCode = &code
				}
			}
		}
	} else {
		code := 0
		info.ExitCode = &code
	}

	s.mu.Lock()
	if s.stopping {
		s.status = StatusKilled
		info.Killed = true
	} else {
		s.status = StatusExited
	}
	s.exitCode = info.ExitCode
	s.mu.Unlock()

	if lines, err := state.TailLines(stderrPath, 25, 2<<20); err == nil {
		info.StderrTail = lines
	}
	if lines, err := state.TailLines(stdoutPath, 25, 2<<20); err == nil {
		info.StdoutTail = lines
	}
	if err := state.WriteExitInfo(exitInfoPath, info); err != nil {
		log.Warn().Err(err).Msg("write exit info")
	}

	log.Info().
		Str("name", s.opts.Name).
		Int("pid", pid).
		Bool("killed", info.Killed).
		Str("signal", info.Signal).
		Msg("child exited")

	ev := ExitEvent{PID: pid, ExitCode: info.ExitCode, Signal: info.Signal, Killed: info.Killed, At: exitedAt}
	select {
	case s.exits <- ev:
	default:
	}
}

// mergeEnv appends the overrides onto a copy of the base environment.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, len(base), len(base)+len(extra))
	copy(merged, base)
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// terminatePIDGroup sends SIGTERM, waits up to timeout for pid to die, then
// escalates to SIGKILL. Signals target the process group where one can be
// resolved, so grandchildren spawned through sh -c go down with the child.
func terminatePIDGroup(ctx context.Context, pid int, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	target := pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		target = -pgid
	}
	_ = syscall.Kill(target, syscall.SIGTERM)

	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	gone, err := pollGone(ctx, pid, timeout)
	if err != nil {
		return err
	}
	if !gone {
		_ = syscall.Kill(target, syscall.SIGKILL)
		gone, err = pollGone(ctx, pid, 2*time.Second)
		if err != nil {
			return err
		}
	}
	if !gone {
		return errors.New("failed to stop child")
	}
	return nil
}

// pollGone reports whether pid died within the window.
func pollGone(ctx context.Context, pid int, window time.Duration) (bool, error) {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	limit := time.Now().Add(window)
	for {
		if !state.ProcessAlive(pid) {
			return true, nil
		}
		if time.Now().After(limit) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-tick.C:
		}
	}
}
