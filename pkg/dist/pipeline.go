package dist

import (
	"context"
	"path/filepath"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/wasmctl/pkg/bus"
	"github.com/go-go-golems/wasmctl/pkg/fetch"
)

// Stage identifies one ordered unit of work in the pipeline. The set is
// closed: stages always run in declaration order, optional ones are skipped.
type Stage string

const (
	StageCompile  Stage = "compile"
	StageLocate   Stage = "locate"
	StageStyles   Stage = "styles"
	StageAssemble Stage = "assemble"
	StageOptimize Stage = "optimize"
	StageLoader   Stage = "loader"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Optimize configures the wasm-opt stage. A nil Optimize disables it.
type Optimize struct {
	Level     int
	Shrink    int
	DebugInfo bool
	Version   string
	Fetcher   *fetch.Fetcher
}

type Config struct {
	// AppName is the base name for produced artifacts. Defaults to "app".
	AppName string
	// Package is the Go package to compile. Defaults to ".".
	Package string
	// RepoRoot is the module root and the toolchain working directory.
	RepoRoot string
	// DistDir is the final output directory. Required.
	DistDir string
	// BuildDir is the toolchain scratch directory. Defaults to
	// .wasmctl/build under RepoRoot.
	BuildDir string
	// StaticDir holds assets copied verbatim into DistDir. Optional.
	StaticDir string
	// StyleEntry is the stylesheet entry point compiled by the style
	// compiler. Optional.
	StyleEntry string

	Optimize *Optimize

	GoBin     string
	SassBin   string
	BuildTags string
	LDFlags   string
	Trimpath  bool
	Verbose   bool

	// WasmExec overrides the wasm_exec.js runtime shim path. When empty it
	// is resolved from the toolchain's GOROOT.
	WasmExec string

	// Publisher receives build lifecycle events. Optional.
	Publisher message.Publisher
}

// Result is the outcome of one pipeline run. Files lists every path written
// into DistDir, in production order.
type Result struct {
	BuildID     string
	Status      Status
	FailedStage Stage
	Files       []string
	Duration    time.Duration
}

// Pipeline runs the fixed stage sequence compile, locate, styles, assemble,
// optimize, loader. It is not safe for concurrent runs against the same
// output directory; the driver serializes runs.
type Pipeline struct {
	cfg Config

	buildID  string
	cssBuilt bool
	files    []string
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.DistDir == "" {
		return nil, errors.New("dist dir is required")
	}
	if cfg.AppName == "" {
		cfg.AppName = "app"
	}
	if cfg.Package == "" {
		cfg.Package = "."
	}
	if cfg.RepoRoot == "" {
		cfg.RepoRoot = "."
	}
	if cfg.BuildDir == "" {
		cfg.BuildDir = filepath.Join(cfg.RepoRoot, ".wasmctl", "build")
	}
	if cfg.GoBin == "" {
		cfg.GoBin = "go"
	}
	if cfg.SassBin == "" {
		cfg.SassBin = "sass"
	}
	if cfg.Optimize != nil {
		if cfg.Optimize.Fetcher == nil {
			return nil, errors.New("optimize requested without a fetcher")
		}
		if cfg.Optimize.Version == "" {
			cfg.Optimize.Version = fetch.DefaultWasmOptVersion
		}
	}
	return &Pipeline{cfg: cfg}, nil
}

type stageDef struct {
	id   Stage
	run  func(context.Context) error
	skip func() bool
}

// Run executes the stages in order, aborting on the first failure. The
// returned Result always carries the stage outcome; err is the failed
// stage's cause, nil on success.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	p.buildID = uuid.NewString()
	p.cssBuilt = false
	p.files = nil
	started := time.Now()

	log.Info().Str("build_id", p.buildID).Str("app", p.cfg.AppName).Str("dist", p.cfg.DistDir).Msg("build started")
	p.publish(bus.TypeBuildStarted, bus.BuildStarted{BuildID: p.buildID, App: p.cfg.AppName})

	stages := []stageDef{
		{id: StageCompile, run: p.compile},
		{id: StageLocate, run: p.locate},
		{id: StageStyles, run: p.styles, skip: func() bool { return p.cfg.StyleEntry == "" }},
		{id: StageAssemble, run: p.assemble},
		{id: StageOptimize, run: p.optimize, skip: func() bool { return p.cfg.Optimize == nil }},
		{id: StageLoader, run: p.loader},
	}

	for _, st := range stages {
		select {
		case <-ctx.Done():
			return p.fail(started, st.id, ctx.Err())
		default:
		}
		if st.skip != nil && st.skip() {
			log.Debug().Str("build_id", p.buildID).Str("stage", string(st.id)).Msg("stage skipped")
			continue
		}

		t0 := time.Now()
		err := st.run(ctx)
		dur := time.Since(t0)
		if err != nil {
			log.Error().Str("build_id", p.buildID).Str("stage", string(st.id)).Dur("took", dur).Err(err).Msg("stage failed")
			return p.fail(started, st.id, err)
		}
		log.Debug().Str("build_id", p.buildID).Str("stage", string(st.id)).Dur("took", dur).Msg("stage done")
	}

	res := &Result{
		BuildID:  p.buildID,
		Status:   StatusSuccess,
		Files:    append([]string{}, p.files...),
		Duration: time.Since(started),
	}
	log.Info().Str("build_id", p.buildID).Dur("took", res.Duration).Int("files", len(res.Files)).Msg("build succeeded")
	p.publish(bus.TypeBuildCompleted, bus.BuildCompleted{
		BuildID:    p.buildID,
		App:        p.cfg.AppName,
		DurationMS: res.Duration.Milliseconds(),
		Files:      len(res.Files),
	})
	return res, nil
}

func (p *Pipeline) fail(started time.Time, stage Stage, err error) (*Result, error) {
	res := &Result{
		BuildID:     p.buildID,
		Status:      StatusFailed,
		FailedStage: stage,
		Files:       append([]string{}, p.files...),
		Duration:    time.Since(started),
	}
	p.publish(bus.TypeBuildFailed, bus.BuildFailed{
		BuildID:    p.buildID,
		App:        p.cfg.AppName,
		Stage:      string(stage),
		Error:      err.Error(),
		DurationMS: res.Duration.Milliseconds(),
	})
	return res, err
}

func (p *Pipeline) publish(typ string, payload any) {
	if err := bus.Publish(p.cfg.Publisher, bus.TopicBuild, typ, payload); err != nil {
		log.Debug().Err(err).Str("type", typ).Msg("publish build event")
	}
}

func (p *Pipeline) record(path string) {
	p.files = append(p.files, path)
}

func (p *Pipeline) scratchWasm() string {
	return filepath.Join(p.cfg.BuildDir, p.cfg.AppName+".wasm")
}

func (p *Pipeline) scratchCSS() string {
	return filepath.Join(p.cfg.BuildDir, p.cfg.AppName+".css")
}

func (p *Pipeline) distPath(name string) string {
	return filepath.Join(p.cfg.DistDir, name)
}
