package cmds

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/wasmctl/pkg/config"
	"github.com/go-go-golems/wasmctl/pkg/state"
)

func newCleanCmd() *cobra.Command {
	var distDir string

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove build outputs",
		Long: `Removes the output directory and the toolchain scratch directory. The
downloaded wasm-opt cache is kept so the next optimized build stays offline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(opts.Config)
			if err != nil {
				return err
			}

			dir := absUnder(opts.RepoRoot, pick(distDir, cfg.DistDir()))
			if dir == opts.RepoRoot {
				return errors.New("refusing to remove the repository root")
			}

			for _, target := range []string{dir, state.BuildDir(opts.RepoRoot)} {
				if _, err := os.Stat(target); err != nil {
					continue
				}
				if err := os.RemoveAll(target); err != nil {
					return errors.Wrapf(err, "remove %s", target)
				}
				log.Info().Str("dir", target).Msg("removed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&distDir, "dist", "", "output directory to remove (default "+config.DefaultDistDir+")")
	return cmd
}
