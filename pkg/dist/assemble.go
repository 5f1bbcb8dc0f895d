package dist

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// assemble recreates the output directory and fills it: static assets first,
// then the produced artifacts and the wasm_exec.js runtime shim. Recreating
// instead of merging keeps repeated runs byte-identical and drops stale files.
func (p *Pipeline) assemble(ctx context.Context) error {
	if err := os.RemoveAll(p.cfg.DistDir); err != nil {
		return fmt.Errorf("%w: clear output dir: %w", ErrIO, err)
	}
	if err := os.MkdirAll(p.cfg.DistDir, 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %w", ErrIO, err)
	}

	if p.cfg.StaticDir != "" {
		if err := p.copyStatic(); err != nil {
			return fmt.Errorf("%w: copy static assets: %w", ErrIO, err)
		}
	}

	if err := copyFile(p.scratchWasm(), p.distPath(p.cfg.AppName+".wasm")); err != nil {
		return fmt.Errorf("%w: copy module artifact: %w", ErrIO, err)
	}
	p.record(p.distPath(p.cfg.AppName + ".wasm"))

	if p.cssBuilt {
		if err := copyFile(p.scratchCSS(), p.distPath(p.cfg.AppName+".css")); err != nil {
			return fmt.Errorf("%w: copy stylesheet: %w", ErrIO, err)
		}
		p.record(p.distPath(p.cfg.AppName + ".css"))
	}

	wasmExec := p.cfg.WasmExec
	if wasmExec == "" {
		found, err := p.resolveWasmExec(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		wasmExec = found
	}
	if err := copyFile(wasmExec, p.distPath("wasm_exec.js")); err != nil {
		return fmt.Errorf("%w: copy wasm_exec.js: %w", ErrIO, err)
	}
	p.record(p.distPath("wasm_exec.js"))

	return nil
}

// copyStatic mirrors StaticDir into DistDir. Style sources stay out of the
// package; they are inputs, not assets.
func (p *Pipeline) copyStatic() error {
	root := p.cfg.StaticDir
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := filepath.Join(p.cfg.DistDir, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		if isStyleSource(path) {
			return nil
		}
		if err := copyFile(path, dst); err != nil {
			return err
		}
		p.record(dst)
		return nil
	})
}

func isStyleSource(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".scss", ".sass":
		return true
	}
	return false
}

// resolveWasmExec locates the JS runtime shim shipped with the toolchain.
// Newer toolchains keep it under lib/wasm, older ones under misc/wasm.
func (p *Pipeline) resolveWasmExec(ctx context.Context) (string, error) {
	// #nosec G204 -- toolchain binary comes from the pipeline config.
	out, err := exec.CommandContext(ctx, p.cfg.GoBin, "env", "GOROOT").Output()
	if err != nil {
		return "", errors.Wrap(err, "resolve GOROOT")
	}
	goroot := strings.TrimSpace(string(out))
	if goroot == "" {
		return "", errors.New("toolchain reported empty GOROOT")
	}
	for _, rel := range []string{
		filepath.Join("lib", "wasm", "wasm_exec.js"),
		filepath.Join("misc", "wasm", "wasm_exec.js"),
	} {
		candidate := filepath.Join(goroot, rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	log.Warn().Str("goroot", goroot).Msg("wasm_exec.js not found under GOROOT")
	return "", errors.Errorf("wasm_exec.js not found under %s", goroot)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer func() {
		_ = in.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(dst))
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copy %s", dst)
	}
	return errors.Wrapf(out.Close(), "close %s", dst)
}
