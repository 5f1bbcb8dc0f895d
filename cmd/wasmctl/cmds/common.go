package cmds

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-go-golems/wasmctl/pkg/config"
	"github.com/go-go-golems/wasmctl/pkg/dist"
	"github.com/go-go-golems/wasmctl/pkg/fetch"
	"github.com/go-go-golems/wasmctl/pkg/state"
	"github.com/go-go-golems/wasmctl/pkg/watch"
)

type rootOptions struct {
	RepoRoot string
	Config   string
}

// AddRootFlags registers the persistent flags shared by every subcommand.
func AddRootFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("repo-root", "", "repository root (defaults to the current directory)")
	cmd.PersistentFlags().String("config", "", "config file path (defaults to <repo-root>/"+config.DefaultConfigFilename+")")
	cmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// InitLogging configures the global zerolog logger from the root flags.
func InitLogging(cmd *cobra.Command) error {
	levelStr, _ := cmd.Flags().GetString("log-level")
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", levelStr)
	}
	zerolog.SetGlobalLevel(level)

	format, _ := cmd.Flags().GetString("log-format")
	switch format {
	case "text":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return errors.Errorf("unknown log format %q (want text or json)", format)
	}
	return nil
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	repoRoot, _ := cmd.Flags().GetString("repo-root")
	if repoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return rootOptions{}, errors.Wrap(err, "get working directory")
		}
		repoRoot = wd
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return rootOptions{}, errors.Wrap(err, "resolve repo root")
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		cfgPath = config.DefaultPath(abs)
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(abs, cfgPath)
	}

	return rootOptions{RepoRoot: abs, Config: cfgPath}, nil
}

// buildFlags mirrors the per-build knobs of the dist pipeline. Empty string
// and false values defer to the config file and its defaults.
type buildFlags struct {
	app     string
	pkg     string
	distDir string
	static  string
	style   string

	tags     string
	ldflags  string
	trimpath bool
	verbose  bool

	goBin   string
	sassBin string

	optimize     bool
	optLevel     int
	shrinkLevel  int
	optDebugInfo bool
	optVersion   string
}

func addBuildFlags(fs *pflag.FlagSet, f *buildFlags) {
	fs.StringVar(&f.app, "app", "", "artifact base name (default "+config.DefaultAppName+")")
	fs.StringVar(&f.pkg, "package", "", "Go package to compile (default "+config.DefaultPackage+")")
	fs.StringVar(&f.distDir, "dist", "", "output directory (default "+config.DefaultDistDir+")")
	fs.StringVar(&f.static, "static", "", "static assets directory copied into the output")
	fs.StringVar(&f.style, "style", "", "sass/scss entry point compiled into the output")
	fs.StringVar(&f.tags, "tags", "", "comma-separated Go build tags")
	fs.StringVar(&f.ldflags, "ldflags", "", "flags passed to the Go linker")
	fs.BoolVar(&f.trimpath, "trimpath", false, "strip filesystem paths from the compiled binary")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "pass -v to the Go toolchain")
	fs.StringVar(&f.goBin, "go-bin", "", "go binary to invoke (default go)")
	fs.StringVar(&f.sassBin, "sass-bin", "", "sass binary to invoke (default sass)")
	fs.BoolVar(&f.optimize, "optimize", false, "run wasm-opt on the produced binary")
	fs.IntVar(&f.optLevel, "opt-level", 1, "wasm-opt optimization level (0-4)")
	fs.IntVar(&f.shrinkLevel, "shrink-level", 2, "wasm-opt shrink level (0-2)")
	fs.BoolVar(&f.optDebugInfo, "opt-debug-info", false, "keep debug info when optimizing")
	fs.StringVar(&f.optVersion, "opt-version", "", "binaryen release to fetch (default "+fetch.DefaultWasmOptVersion+")")
}

func pick(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func absUnder(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// pipelineConfig resolves flags against the config file. Flags win, then the
// config file, then the built-in defaults.
func pipelineConfig(fs *pflag.FlagSet, opts rootOptions, cfg *config.File, f *buildFlags) dist.Config {
	pcfg := dist.Config{
		AppName:    pick(f.app, cfg.AppName()),
		Package:    pick(f.pkg, cfg.PackagePath()),
		RepoRoot:   opts.RepoRoot,
		DistDir:    absUnder(opts.RepoRoot, pick(f.distDir, cfg.DistDir())),
		BuildDir:   state.BuildDir(opts.RepoRoot),
		StaticDir:  absUnder(opts.RepoRoot, pick(f.static, cfg.Static)),
		StyleEntry: absUnder(opts.RepoRoot, pick(f.style, cfg.Style)),
		GoBin:      f.goBin,
		SassBin:    f.sassBin,
		BuildTags:  f.tags,
		LDFlags:    f.ldflags,
		Trimpath:   f.trimpath,
		Verbose:    f.verbose,
	}

	if f.optimize || cfg.Optimize.Enabled {
		level := f.optLevel
		if !fs.Changed("opt-level") && cfg.Optimize.Level != 0 {
			level = cfg.Optimize.Level
		}
		shrink := f.shrinkLevel
		if !fs.Changed("shrink-level") && cfg.Optimize.Shrink != 0 {
			shrink = cfg.Optimize.Shrink
		}
		pcfg.Optimize = &dist.Optimize{
			Level:     level,
			Shrink:    shrink,
			DebugInfo: f.optDebugInfo || cfg.Optimize.DebugInfo,
			Version:   pick(f.optVersion, cfg.Optimize.Version, fetch.DefaultWasmOptVersion),
			Fetcher:   fetch.New(state.CacheDir(opts.RepoRoot)),
		}
	}

	return pcfg
}

// watcherFromConfig builds a watcher rooted at the configured paths. The
// output directory is always skipped so rebuilds never retrigger themselves.
func watcherFromConfig(opts rootOptions, cfg *config.File, distDir string) (*watch.Watcher, error) {
	debounce, err := cfg.Watch.DebounceDuration()
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(cfg.Watch.Paths))
	for _, p := range cfg.Watch.Paths {
		paths = append(paths, absUnder(opts.RepoRoot, p))
	}
	if len(paths) == 0 {
		paths = []string{opts.RepoRoot}
	}

	return watch.NewWatcher(watch.WatcherOptions{
		Paths:    paths,
		Ignore:   cfg.Watch.Ignore,
		SkipDirs: []string{distDir, state.BuildDir(opts.RepoRoot)},
		Debounce: debounce,
	})
}
