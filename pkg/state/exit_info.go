package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// ExitInfo is the terminal record of a supervised child, written next to
// its log files when the waiter reaps it.
type ExitInfo struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Killed   bool   `json:"killed,omitempty"`
	Error    string `json:"error,omitempty"`

	StderrTail []string `json:"stderr_tail,omitempty"`
	StdoutTail []string `json:"stdout_tail,omitempty"`
}

// WriteExitInfo persists info as indented JSON at path, creating parent
// directories as needed. The record lands via a temp file and rename so a
// concurrent reader never observes a partial document.
func WriteExitInfo(path string, info ExitInfo) error {
	if path == "" {
		return errors.New("missing path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir exit info dir")
	}

	tmp, err := os.CreateTemp(dir, ".exit-*.json")
	if err != nil {
		return errors.Wrap(err, "create exit info temp")
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(info); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "encode exit info")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "close exit info temp")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "replace exit info")
	}
	return nil
}

// ReadExitInfo loads a record previously written by WriteExitInfo.
func ReadExitInfo(path string) (*ExitInfo, error) {
	if path == "" {
		return nil, errors.New("missing path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open exit info")
	}
	defer func() {
		_ = f.Close()
	}()

	info := &ExitInfo{}
	if err := json.NewDecoder(f).Decode(info); err != nil {
		return nil, errors.Wrap(err, "decode exit info")
	}
	return info, nil
}
