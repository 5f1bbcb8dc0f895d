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

// compile invokes the Go toolchain targeting the wasm module format. The
// artifact lands in the scratch build dir, never directly in DistDir, so a
// failed build leaves previous output untouched.
func (p *Pipeline) compile(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.BuildDir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir build dir: %w", ErrToolchain, err)
	}

	args := []string{"build", "-o", p.scratchWasm()}
	if p.cfg.Trimpath {
		args = append(args, "-trimpath")
	}
	if p.cfg.Verbose {
		args = append(args, "-v")
	}
	if p.cfg.BuildTags != "" {
		args = append(args, "-tags", p.cfg.BuildTags)
	}
	if p.cfg.LDFlags != "" {
		args = append(args, "-ldflags", p.cfg.LDFlags)
	}
	args = append(args, p.cfg.Package)

	log.Info().Str("build_id", p.buildID).Str("package", p.cfg.Package).Msg("compiling wasm module")

	// #nosec G204 -- toolchain binary and package come from the pipeline config.
	cmd := exec.CommandContext(ctx, p.cfg.GoBin, args...)
	cmd.Dir = p.cfg.RepoRoot
	cmd.Env = append(os.Environ(), "GOOS=js", "GOARCH=wasm")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s build: %w: %s", ErrToolchain, p.cfg.GoBin, err, strings.TrimSpace(out.String()))
	}
	return nil
}

// locate verifies the toolchain produced the module artifact under its
// conventional name.
func (p *Pipeline) locate(_ context.Context) error {
	info, err := os.Stat(p.scratchWasm())
	if err != nil {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, p.scratchWasm())
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrArtifactNotFound, p.scratchWasm())
	}
	return nil
}
