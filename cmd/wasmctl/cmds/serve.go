package cmds

import (
	"context"
	stderrors "errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/wasmctl/pkg/bus"
	"github.com/go-go-golems/wasmctl/pkg/config"
	"github.com/go-go-golems/wasmctl/pkg/devserver"
	"github.com/go-go-golems/wasmctl/pkg/dist"
	"github.com/go-go-golems/wasmctl/pkg/watch"
)

func newServeCmd() *cobra.Command {
	flags := &buildFlags{}
	var addr string
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Build the app and serve it with live reload",
		Long: `Builds the WebAssembly app, serves the output directory over HTTP and
rebuilds on file changes. Connected browsers reload automatically after each
successful build.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(opts.Config)
			if err != nil {
				return err
			}

			b, err := bus.NewInMemoryBus()
			if err != nil {
				return err
			}

			pcfg := pipelineConfig(cmd.Flags(), opts, cfg, flags)
			pcfg.Publisher = b.Publisher

			listenAddr := pick(addr, cfg.ServeAddr())
			srv, err := devserver.New(devserver.Options{Addr: listenAddr, Root: pcfg.DistDir})
			if err != nil {
				return err
			}
			b.AddHandler("devserver-build", bus.TopicBuild, srv.HandleEvent)

			// Build failures are logged, not fatal: the server keeps serving
			// the last good output while the user fixes the code.
			runBuild := func(ctx context.Context) {
				p, err := dist.New(pcfg)
				if err != nil {
					log.Error().Err(err).Msg("configure build")
					return
				}
				if _, err := p.Run(ctx); err != nil {
					log.Error().Err(err).Msg("build failed")
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return b.Run(gctx) })
			g.Go(func() error { return srv.Run(gctx) })

			var w *watch.Watcher
			if !noWatch {
				w, err = watcherFromConfig(opts, cfg, pcfg.DistDir)
				if err != nil {
					return err
				}
				g.Go(func() error { return w.Run(gctx) })
			}

			g.Go(func() error {
				// Hold the first build until the router consumes events, so
				// its completion reaches the reload hub.
				select {
				case <-b.Router.Running():
				case <-gctx.Done():
					return gctx.Err()
				}

				runBuild(gctx)
				if noWatch {
					return nil
				}
				for {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-w.Triggers():
						runBuild(gctx)
					}
				}
			})

			if err := g.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	addBuildFlags(cmd.Flags(), flags)
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default "+config.DefaultServeAddr+")")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "build once and serve without rebuilding on changes")
	return cmd
}
