package dist

import "errors"

// Stage failures carry one of these sentinels so callers can branch on the
// failure class while the wrapped message keeps the diagnostic detail.
var (
	// ErrToolchain indicates the compiler toolchain exited non-zero.
	ErrToolchain = errors.New("toolchain failed")
	// ErrArtifactNotFound indicates the expected module artifact is missing or empty.
	ErrArtifactNotFound = errors.New("module artifact not found")
	// ErrStyleCompile indicates the style compiler exited non-zero.
	ErrStyleCompile = errors.New("style compilation failed")
	// ErrIO indicates assembling the output directory failed.
	ErrIO = errors.New("output assembly failed")
	// ErrOptimize indicates the optimizer exited non-zero or mangled the artifact.
	ErrOptimize = errors.New("optimization failed")
)
