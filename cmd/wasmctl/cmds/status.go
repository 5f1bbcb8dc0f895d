package cmds

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/wasmctl/pkg/proc"
	"github.com/go-go-golems/wasmctl/pkg/state"
)

func newStatusCmd() *cobra.Command {
	var tailLines int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the watch session and its supervised child",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}

			st, err := state.Load(opts.RepoRoot)
			if err != nil {
				if stderrors.Is(err, os.ErrNotExist) {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), `{"running": false}`)
					return nil
				}
				return err
			}

			alive := state.ProcessAlive(st.Child.PID)

			out := struct {
				Running       bool            `json:"running"`
				Name          string          `json:"name"`
				PID           int             `json:"pid"`
				Argv          []string        `json:"argv"`
				StartedAt     time.Time       `json:"started_at"`
				UptimeSeconds float64         `json:"uptime_seconds,omitempty"`
				Stats         *proc.Stats     `json:"stats,omitempty"`
				StdoutLog     string          `json:"stdout_log"`
				StderrLog     string          `json:"stderr_log"`
				Exit          *state.ExitInfo `json:"exit,omitempty"`
			}{
				Running:   alive,
				Name:      st.Child.Name,
				PID:       st.Child.PID,
				Argv:      st.Child.Argv,
				StartedAt: st.Child.StartedAt,
				StdoutLog: st.Child.StdoutLog,
				StderrLog: st.Child.StderrLog,
			}

			if alive {
				if stats, err := proc.SampleCPU(st.Child.PID, 100*time.Millisecond); err == nil {
					out.Stats = stats
				}
				if started, err := proc.StartTime(st.Child.PID); err == nil {
					out.UptimeSeconds = time.Since(started).Seconds()
				} else if !st.Child.StartedAt.IsZero() {
					out.UptimeSeconds = time.Since(st.Child.StartedAt).Seconds()
				}
			} else if st.Child.ExitInfo != "" {
				if info, err := state.ReadExitInfo(st.Child.ExitInfo); err == nil {
					if tailLines > 0 && len(info.StderrTail) > tailLines {
						info.StderrTail = append([]string{}, info.StderrTail[len(info.StderrTail)-tailLines:]...)
					}
					if tailLines > 0 && len(info.StdoutTail) > tailLines {
						info.StdoutTail = append([]string{}, info.StdoutTail[len(info.StdoutTail)-tailLines:]...)
					}
					out.Exit = info
				}
			}

			if !alive && out.Exit == nil && tailLines > 0 {
				if lines, err := state.TailLines(st.Child.StderrLog, tailLines, 2<<20); err == nil {
					out.Exit = &state.ExitInfo{
						Name:       st.Child.Name,
						PID:        st.Child.PID,
						StartedAt:  st.Child.StartedAt,
						ExitedAt:   time.Now(),
						Error:      "exit info unavailable; stderr tail captured at status time",
						StderrTail: lines,
					}
				}
			}

			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return errors.Wrap(err, "marshal status")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}

	cmd.Flags().IntVar(&tailLines, "tail-lines", 25, "How many output lines to include for a dead child")
	return cmd
}
