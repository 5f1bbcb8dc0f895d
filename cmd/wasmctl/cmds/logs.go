package cmds

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/wasmctl/pkg/state"
)

const logTailMaxBytes = 8 << 20

func newLogsCmd() *cobra.Command {
	var useStderr bool
	var tailN int
	var since string
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print captured output of the supervised child",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}

			st, err := state.Load(opts.RepoRoot)
			if err != nil {
				if stderrors.Is(err, os.ErrNotExist) {
					return errors.New("no watch session recorded; start one with wasmctl watch")
				}
				return err
			}

			path := st.Child.StdoutLog
			if useStderr {
				path = st.Child.StderrLog
			}
			if path == "" {
				return errors.New("no log file recorded")
			}

			lines, err := state.TailLines(path, tailN, logTailMaxBytes)
			if err != nil {
				return errors.Wrapf(err, "read log %s", path)
			}

			if since != "" {
				cutoff, err := parseSince(since)
				if err != nil {
					return err
				}
				lines = filterSince(lines, cutoff)
			}

			w := cmd.OutOrStdout()
			for _, line := range lines {
				_, _ = fmt.Fprintln(w, line)
			}

			if follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return followLog(ctx, path, w)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&useStderr, "stderr", false, "print the stderr log instead of stdout")
	cmd.Flags().IntVar(&tailN, "tail", 200, "How many trailing lines to print")
	cmd.Flags().StringVar(&since, "since", "", "only lines newer than a duration (\"5m\") or timestamp")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming lines as the child appends them")
	return cmd
}

// followLog streams lines appended to path until ctx is cancelled. Reads poll
// on EOF; a line split across polls is held back until its newline arrives.
func followLog(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrapf(err, "seek %s", path)
	}

	r := bufio.NewReader(f)
	var partial strings.Builder
	for {
		chunk, err := r.ReadString('\n')
		partial.WriteString(chunk)
		switch {
		case err == nil:
			_, _ = io.WriteString(w, partial.String())
			partial.Reset()
		case stderrors.Is(err, io.EOF):
			select {
			case <-ctx.Done():
				if partial.Len() > 0 {
					_, _ = io.WriteString(w, partial.String())
				}
				return nil
			case <-time.After(200 * time.Millisecond):
			}
		default:
			return errors.Wrapf(err, "read %s", path)
		}
	}
}

// parseSince accepts either a relative duration ("15m", "1h") or anything
// dateparse understands.
func parseSince(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse --since %q", s)
	}
	return t, nil
}

// filterSince keeps lines whose leading token parses to a timestamp at or
// after cutoff. Lines without a parseable timestamp are kept; filtering is
// best-effort over arbitrary child output.
func filterSince(lines []string, cutoff time.Time) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			if ts, err := dateparse.ParseAny(fields[0]); err == nil && ts.Before(cutoff) {
				continue
			}
		}
		out = append(out, line)
	}
	return out
}
