// Package state persists the watch session's run records under .wasmctl so
// sibling wasmctl invocations can find the child, its logs, and its exit info.
package state

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const (
	StateDirName  = ".wasmctl"
	StateFilename = "state.json"
	LogsDirName   = "logs"
	CacheDirName  = "cache"
	BuildDirName  = "build"
)

// State records the watch session's supervised child so sibling invocations
// (status, logs) can find it.
type State struct {
	RepoRoot  string      `json:"repo_root"`
	CreatedAt time.Time   `json:"created_at"`
	Child     ChildRecord `json:"child"`
}

type ChildRecord struct {
	Name      string            `json:"name"`
	PID       int               `json:"pid"`
	Argv      []string          `json:"argv"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env,omitempty"`
	StdoutLog string            `json:"stdout_log"`
	StderrLog string            `json:"stderr_log"`
	ExitInfo  string            `json:"exit_info,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty"`
}

func stateDir(repoRoot string) string { return filepath.Join(repoRoot, StateDirName) }

func StatePath(repoRoot string) string { return filepath.Join(stateDir(repoRoot), StateFilename) }

func LogsDir(repoRoot string) string { return filepath.Join(stateDir(repoRoot), LogsDirName) }

func CacheDir(repoRoot string) string { return filepath.Join(stateDir(repoRoot), CacheDirName) }

func BuildDir(repoRoot string) string { return filepath.Join(stateDir(repoRoot), BuildDirName) }

// Load reads the session record for repoRoot. A missing file surfaces as a
// wrapped os.ErrNotExist so callers can treat "no session" separately.
func Load(repoRoot string) (*State, error) {
	f, err := os.Open(StatePath(repoRoot))
	if err != nil {
		return nil, errors.Wrap(err, "read state")
	}
	defer func() {
		_ = f.Close()
	}()

	s := &State{}
	if err := json.NewDecoder(f).Decode(s); err != nil {
		return nil, errors.Wrap(err, "parse state json")
	}
	return s, nil
}

// Save writes s to repoRoot's state file through a temp file so a sibling
// status invocation never reads a torn record.
func Save(repoRoot string, s *State) error {
	if s == nil {
		return errors.New("nil state")
	}
	path := StatePath(repoRoot)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir state dir")
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return errors.Wrap(err, "create state temp")
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "encode state")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "close state temp")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "replace state")
	}
	return nil
}

// Remove deletes the state file; a file that is already gone is not an error.
func Remove(repoRoot string) error {
	err := os.Remove(StatePath(repoRoot))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "remove state")
}

// ProcessAlive reports whether pid names a process we could still signal.
// A zombie keeps its pid until reaped but is dead for our purposes.
func ProcessAlive(pid int) bool {
	if pid <= 0 || isZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || stderrors.Is(err, syscall.EPERM)
}

func isZombie(pid int) bool {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// Layout is "pid (comm) state ..." and comm may itself contain
	// parentheses, so the state byte is the first field after the last ')'.
	end := bytes.LastIndexByte(b, ')')
	if end < 0 {
		return false
	}
	for _, c := range b[end+1:] {
		if c == ' ' || c == '\t' {
			continue
		}
		return c == 'Z'
	}
	return false
}
