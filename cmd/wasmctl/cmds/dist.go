package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/wasmctl/pkg/config"
	"github.com/go-go-golems/wasmctl/pkg/dist"
)

func newDistCmd() *cobra.Command {
	flags := &buildFlags{}

	cmd := &cobra.Command{
		Use:   "dist",
		Short: "Build the WebAssembly app into the output directory",
		Long: `Compiles the configured package for js/wasm, copies the wasm_exec.js
runtime shim and static assets, compiles the stylesheet entry point when one
is configured, and optionally shrinks the binary with wasm-opt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(opts.Config)
			if err != nil {
				return err
			}

			pipeline, err := dist.New(pipelineConfig(cmd.Flags(), opts, cfg, flags))
			if err != nil {
				return err
			}

			res, err := pipeline.Run(cmd.Context())
			if err != nil {
				return errors.Wrapf(err, "stage %s", res.FailedStage)
			}

			log.Info().
				Str("build_id", res.BuildID).
				Dur("duration", res.Duration).
				Int("files", len(res.Files)).
				Msg("dist built")
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	addBuildFlags(cmd.Flags(), flags)
	return cmd
}
