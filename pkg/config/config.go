package config

import (
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = ".wasmctl.yaml"

const (
	DefaultAppName   = "app"
	DefaultPackage   = "."
	DefaultDistDir   = "dist"
	DefaultDebounce  = 2 * time.Second
	DefaultServeAddr = "127.0.0.1:8000"
)

type File struct {
	App     string `yaml:"app,omitempty"`
	Package string `yaml:"package,omitempty"`
	Dist    string `yaml:"dist,omitempty"`
	Static  string `yaml:"static,omitempty"`
	Style   string `yaml:"style,omitempty"`

	Optimize Optimize `yaml:"optimize,omitempty"`
	Watch    Watch    `yaml:"watch,omitempty"`
	Serve    Serve    `yaml:"serve,omitempty"`
}

type Optimize struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Level     int    `yaml:"level,omitempty"`
	Shrink    int    `yaml:"shrink,omitempty"`
	DebugInfo bool   `yaml:"debug-info,omitempty"`
	Version   string `yaml:"version,omitempty"`
}

type Watch struct {
	Paths    []string `yaml:"paths,omitempty"`
	Ignore   []string `yaml:"ignore,omitempty"`
	Debounce string   `yaml:"debounce,omitempty"` // duration string, e.g. "500ms"
}

type Serve struct {
	Addr string `yaml:"addr,omitempty"`
}

func DefaultPath(repoRoot string) string {
	return filepath.Join(repoRoot, DefaultConfigFilename)
}

// LoadFromFile reads and validates a config file. An empty file is a valid
// empty config.
func LoadFromFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	defer func() {
		_ = f.Close()
	}()

	cfg := &File{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional behaves like LoadFromFile except that a missing file yields
// an empty config, so a bare repo needs no setup at all.
func LoadOptional(path string) (*File, error) {
	cfg, err := LoadFromFile(path)
	if err != nil && stderrors.Is(err, os.ErrNotExist) {
		return &File{}, nil
	}
	return cfg, err
}

func (f *File) Validate() error {
	if f.Optimize.Level < 0 || f.Optimize.Level > 4 {
		return errors.Errorf("optimize.level %d out of range 0..4", f.Optimize.Level)
	}
	if f.Optimize.Shrink < 0 || f.Optimize.Shrink > 2 {
		return errors.Errorf("optimize.shrink %d out of range 0..2", f.Optimize.Shrink)
	}
	if _, err := f.Watch.DebounceDuration(); err != nil {
		return err
	}
	return nil
}

// AppName returns the configured artifact base name or the default.
func (f *File) AppName() string {
	if f.App == "" {
		return DefaultAppName
	}
	return f.App
}

// PackagePath returns the Go package to compile or the default.
func (f *File) PackagePath() string {
	if f.Package == "" {
		return DefaultPackage
	}
	return f.Package
}

// DistDir returns the output directory or the default.
func (f *File) DistDir() string {
	if f.Dist == "" {
		return DefaultDistDir
	}
	return f.Dist
}

// ServeAddr returns the dev server listen address or the default.
func (f *File) ServeAddr() string {
	if f.Serve.Addr == "" {
		return DefaultServeAddr
	}
	return f.Serve.Addr
}

// DebounceDuration parses the configured debounce interval, falling back to
// the default when unset. Zero and negative intervals are rejected.
func (w Watch) DebounceDuration() (time.Duration, error) {
	if w.Debounce == "" {
		return DefaultDebounce, nil
	}
	d, err := time.ParseDuration(w.Debounce)
	if err != nil {
		return 0, errors.Wrap(err, "parse watch.debounce")
	}
	if d <= 0 {
		return 0, errors.Errorf("watch.debounce must be > 0, got %s", w.Debounce)
	}
	return d, nil
}
