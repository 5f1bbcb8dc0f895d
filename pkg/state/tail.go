package state

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	defaultTailCount = 20
	defaultTailBytes = int64(2 << 20)
)

// TailLines returns up to tailLines trailing lines of the file at path,
// reading at most maxBytes from its end. Zero or negative arguments fall
// back to defaultTailCount and defaultTailBytes.
func TailLines(path string, tailLines int, maxBytes int64) ([]string, error) {
	if path == "" {
		return nil, errors.New("missing path")
	}
	if tailLines <= 0 {
		tailLines = defaultTailCount
	}
	if maxBytes <= 0 {
		maxBytes = defaultTailBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open log")
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat log")
	}
	truncated := info.Size() > maxBytes
	if truncated {
		if _, err := f.Seek(info.Size()-maxBytes, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek log")
		}
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)

	ring := make([]string, tailLines)
	count := 0
	for sc.Scan() {
		// The first line after a mid-file seek is almost surely partial.
		if truncated {
			truncated = false
			continue
		}
		ring[count%tailLines] = sc.Text()
		count++
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan log")
	}

	n := count
	if n > tailLines {
		n = tailLines
	}
	out := make([]string, 0, n)
	for i := count - n; i < count; i++ {
		out = append(out, ring[i%tailLines])
	}
	return out, nil
}
