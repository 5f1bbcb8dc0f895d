package cmds

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/wasmctl/pkg/config"
	"github.com/go-go-golems/wasmctl/pkg/state"
	"github.com/go-go-golems/wasmctl/pkg/supervise"
	"github.com/go-go-golems/wasmctl/pkg/watch"
)

func newWatchCmd() *cobra.Command {
	var force bool
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch [-- command...]",
		Short: "Re-run a command whenever watched files change",
		Long: `Watches the repository for file changes and restarts the given command
after each quiet period. Without a command it rebuilds the output directory
by re-running "wasmctl dist". The previous instance is terminated before the
next one starts, so at most one child is ever alive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(opts.Config)
			if err != nil {
				return err
			}

			if st, err := state.Load(opts.RepoRoot); err == nil && state.ProcessAlive(st.Child.PID) {
				if !force {
					return errors.Errorf("a watch session is already running (pid %d); stop it or use --force", st.Child.PID)
				}
				log.Info().Int("pid", st.Child.PID).Msg("existing session found; stopping first (--force)")
				if err := supervise.StopRecorded(cmd.Context(), opts.RepoRoot, shutdownTimeout); err != nil {
					return err
				}
			}

			argv := args
			if len(argv) == 0 {
				self, err := os.Executable()
				if err != nil {
					return errors.Wrap(err, "resolve own binary for default command")
				}
				argv = []string{self, "dist", "--repo-root", opts.RepoRoot, "--config", opts.Config}
			}

			distDir := absUnder(opts.RepoRoot, cfg.DistDir())
			w, err := watcherFromConfig(opts, cfg, distDir)
			if err != nil {
				return err
			}

			sup := supervise.New(supervise.Options{
				RepoRoot:        opts.RepoRoot,
				Name:            "watch",
				ShutdownTimeout: shutdownTimeout,
				RecordState:     true,
			})

			loop, err := watch.NewLoop(watch.LoopOptions{
				Watcher:    w,
				Supervisor: sup,
				Argv:       argv,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().Strs("argv", argv).Str("repo_root", opts.RepoRoot).Msg("watching for changes")
			return loop.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "stop an existing watch session before starting")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 3*time.Second, "SIGTERM grace period before SIGKILL")
	return cmd
}
