package watch

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/wasmctl/pkg/bus"
	"github.com/go-go-golems/wasmctl/pkg/supervise"
)

const shutdownStopTimeout = 15 * time.Second

// Loop keeps one command running and in sync with the source tree: the
// command starts when the loop enters, restarts after every settled burst of
// changes, and stops when the loop shuts down. A failed start or restart
// leaves the loop waiting for the next change rather than tearing it down.
type Loop struct {
	watcher *Watcher
	sup     *supervise.Supervisor
	argv    []string
	pub     message.Publisher
}

type LoopOptions struct {
	Watcher    *Watcher
	Supervisor *supervise.Supervisor
	// Argv is the command to keep running.
	Argv []string
	// Publisher receives child lifecycle events. Optional.
	Publisher message.Publisher
}

func NewLoop(opts LoopOptions) (*Loop, error) {
	if opts.Watcher == nil || opts.Supervisor == nil {
		return nil, errors.New("loop requires a watcher and a supervisor")
	}
	if len(opts.Argv) == 0 {
		return nil, errors.New("loop requires a command")
	}
	return &Loop{
		watcher: opts.Watcher,
		sup:     opts.Supervisor,
		argv:    opts.Argv,
		pub:     opts.Publisher,
	}, nil
}

// Run blocks until ctx is cancelled. The child is always stopped before Run
// returns, no matter how the loop came down.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.sup.Start(ctx, l.argv); err != nil {
		log.Error().Err(err).Strs("argv", l.argv).Msg("initial start failed, waiting for changes")
		l.publishRestartFailed(err)
	} else {
		l.publishStarted()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.watcher.Run(gctx) })
	g.Go(func() error { return l.pump(gctx) })
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownStopTimeout)
	defer cancel()
	if stopErr := l.sup.Stop(stopCtx); stopErr != nil {
		log.Warn().Err(stopErr).Msg("stop child on shutdown")
	}

	if err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (l *Loop) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.watcher.Triggers():
			log.Info().Strs("argv", l.argv).Msg("change detected, restarting command")
			if err := l.sup.Restart(ctx, l.argv); err != nil {
				log.Error().Err(err).Msg("restart failed, waiting for next change")
				l.publishRestartFailed(err)
				continue
			}
			l.publishStarted()
		case ev := <-l.sup.Exits():
			l.handleExit(ev)
		}
	}
}

func (l *Loop) handleExit(ev supervise.ExitEvent) {
	evt := log.Info()
	if !ev.Killed && (ev.ExitCode == nil || *ev.ExitCode != 0) {
		evt = log.Warn()
	}
	evt = evt.Int("pid", ev.PID).Bool("killed", ev.Killed)
	if ev.ExitCode != nil {
		evt = evt.Int("exit_code", *ev.ExitCode)
	}
	if ev.Signal != "" {
		evt = evt.Str("signal", ev.Signal)
	}
	evt.Msg("child exited")

	if err := bus.Publish(l.pub, bus.TopicChild, bus.TypeChildExited, bus.ChildExited{
		PID:      ev.PID,
		ExitCode: ev.ExitCode,
		Signal:   ev.Signal,
		Killed:   ev.Killed,
	}); err != nil {
		log.Warn().Err(err).Msg("publish child exit")
	}
}

func (l *Loop) publishStarted() {
	snap := l.sup.Snapshot()
	if err := bus.Publish(l.pub, bus.TopicChild, bus.TypeChildStarted, bus.ChildStarted{
		PID:  snap.PID,
		Argv: l.argv,
	}); err != nil {
		log.Warn().Err(err).Msg("publish child start")
	}
}

func (l *Loop) publishRestartFailed(cause error) {
	if err := bus.Publish(l.pub, bus.TopicChild, bus.TypeChildRestartFailed, bus.ChildRestartFailed{
		Error: cause.Error(),
	}); err != nil {
		log.Warn().Err(err).Msg("publish restart failure")
	}
}
