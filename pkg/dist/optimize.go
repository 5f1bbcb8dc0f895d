package dist

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/wasmctl/pkg/fetch"
)

// optimize runs wasm-opt in place over the assembled module artifact. The
// optimizer writes to a sibling .opt file which then replaces the original,
// and the result must still be a non-empty file. Fetch failures propagate
// with their own error class; only the optimizer run itself maps to
// ErrOptimize.
func (p *Pipeline) optimize(ctx context.Context) error {
	opt := p.cfg.Optimize

	platform, err := fetch.HostPlatform()
	if err != nil {
		return err
	}
	bin, err := opt.Fetcher.Resolve(ctx, fetch.WasmOptName, opt.Version, platform)
	if err != nil {
		return err
	}

	artifact := p.distPath(p.cfg.AppName + ".wasm")
	optimized := strings.TrimSuffix(artifact, filepath.Ext(artifact)) + ".opt"

	args := []string{
		artifact,
		"-o", optimized,
		"-O",
		"-ol", strconv.Itoa(opt.Level),
		"-s", strconv.Itoa(opt.Shrink),
	}
	if opt.DebugInfo {
		args = append(args, "-g")
	}

	log.Info().Str("build_id", p.buildID).Int("level", opt.Level).Int("shrink", opt.Shrink).Msg("optimizing wasm module")

	// #nosec G204 -- optimizer path comes from the verified binary cache.
	cmd := exec.CommandContext(ctx, bin.Path, args...)
	if runtime.GOOS == "darwin" {
		cmd.Env = append(os.Environ(), "DYLD_LIBRARY_PATH="+filepath.Dir(bin.Path))
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: wasm-opt: %w: %s", ErrOptimize, err, strings.TrimSpace(out.String()))
	}

	// Verify before replacing: a bad optimizer run must not clobber the
	// working artifact.
	info, err := os.Stat(optimized)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: optimizer produced no usable artifact at %s", ErrOptimize, optimized)
	}

	if err := os.Remove(artifact); err != nil {
		return fmt.Errorf("%w: drop unoptimized artifact: %w", ErrOptimize, err)
	}
	if err := os.Rename(optimized, artifact); err != nil {
		return fmt.Errorf("%w: install optimized artifact: %w", ErrOptimize, err)
	}
	return nil
}
