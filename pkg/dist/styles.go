package dist

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// styles compiles the configured stylesheet entry to CSS in the scratch dir.
func (p *Pipeline) styles(ctx context.Context) error {
	log.Info().Str("build_id", p.buildID).Str("entry", p.cfg.StyleEntry).Msg("compiling styles")

	// #nosec G204 -- style compiler and entry come from the pipeline config.
	cmd := exec.CommandContext(ctx, p.cfg.SassBin, "--no-source-map", p.cfg.StyleEntry, p.scratchCSS())
	cmd.Dir = p.cfg.RepoRoot

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %w: %s", ErrStyleCompile, p.cfg.SassBin, err, strings.TrimSpace(out.String()))
	}
	if info, err := os.Stat(p.scratchCSS()); err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s produced no stylesheet", ErrStyleCompile, p.cfg.SassBin)
	}
	p.cssBuilt = true
	return nil
}
