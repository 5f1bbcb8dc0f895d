package fetch

import (
	"archive/tar"
	"compress/gzip"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Resolution failures fall into three buckets so callers can tell a flaky
// network apart from a host nobody ships binaries for.
var (
	ErrNetwork             = stderrors.New("remote fetch failed")
	ErrUnsupportedPlatform = stderrors.New("unsupported platform")
	ErrVerification        = stderrors.New("artifact verification failed")
)

const (
	WasmOptName           = "wasm-opt"
	DefaultWasmOptVersion = "105"

	maxArchiveFileBytes = 256 << 20
)

// CachedBinary is a resolved, executable tool on local disk. Entries are
// never mutated in place; a new version lands in a new cache path.
type CachedBinary struct {
	Name     string
	Version  string
	Platform string
	Path     string
}

// Doer is the subset of http.Client used for downloads.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Fetcher struct {
	// CacheDir is the root of the binary cache, keyed by name/version/platform.
	CacheDir string
	// Client performs the release download. Defaults to a plain http.Client
	// with a generous timeout; release downloads cross hosts via redirects.
	Client Doer
	// URL builds the release archive URL. Defaults to binaryen's release
	// naming scheme.
	URL func(name, version, platform string) string
}

func New(cacheDir string) *Fetcher {
	return &Fetcher{
		CacheDir: cacheDir,
		Client:   &http.Client{Timeout: 5 * time.Minute},
		URL:      BinaryenURL,
	}
}

// BinaryenURL returns the release archive URL for a binaryen tool.
func BinaryenURL(name, version, platform string) string {
	_ = name // all binaryen tools ship in one archive
	return fmt.Sprintf(
		"https://github.com/WebAssembly/binaryen/releases/download/version_%s/binaryen-version_%s-%s.tar.gz",
		version, version, platform,
	)
}

// HostPlatform maps the running OS/arch onto the release naming scheme.
func HostPlatform() (string, error) {
	return platformFor(runtime.GOOS, runtime.GOARCH)
}

func platformFor(goos, goarch string) (string, error) {
	var arch string
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "arm64"
	default:
		return "", fmt.Errorf("%w: arch %s", ErrUnsupportedPlatform, goarch)
	}

	var osName string
	switch goos {
	case "linux":
		osName = "linux"
	case "darwin":
		osName = "macos"
	case "windows":
		osName = "windows"
	default:
		return "", fmt.Errorf("%w: os %s", ErrUnsupportedPlatform, goos)
	}

	return arch + "-" + osName, nil
}

// Resolve returns the cached binary for (name, version, platform), downloading
// and installing it on first use. A present, executable cache entry short-circuits
// all network access.
func (f *Fetcher) Resolve(ctx context.Context, name, version, platform string) (CachedBinary, error) {
	if name == "" || version == "" || platform == "" {
		return CachedBinary{}, errors.New("name, version and platform are required")
	}

	path := f.cachePath(name, version, platform)
	if binaryUsable(path) {
		log.Debug().Str("tool", name).Str("version", version).Str("path", path).Msg("optimizer cache hit")
		return CachedBinary{Name: name, Version: version, Platform: platform, Path: path}, nil
	}

	url := f.URL(name, version, platform)
	log.Info().Str("tool", name).Str("version", version).Str("url", url).Msg("downloading optimizer")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return CachedBinary{}, errors.Wrap(err, "build request")
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return CachedBinary{}, fmt.Errorf("%w: get %s: %w", ErrNetwork, url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return CachedBinary{}, fmt.Errorf("%w: no release artifact at %s", ErrUnsupportedPlatform, url)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return CachedBinary{}, fmt.Errorf("%w: get %s: HTTP %d", ErrNetwork, url, resp.StatusCode)
	}

	wanted := append([]string{toolFilename(name, platform)}, companionFiles(name, platform)...)
	files, err := extractFiles(resp.Body, wanted)
	if err != nil {
		return CachedBinary{}, fmt.Errorf("%w: %w", ErrVerification, err)
	}

	toolData, ok := files[toolFilename(name, platform)]
	if !ok || len(toolData) == 0 {
		return CachedBinary{}, fmt.Errorf("%w: archive does not contain %s", ErrVerification, name)
	}

	if err := writeExecutableAtomic(path, toolData); err != nil {
		return CachedBinary{}, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	for _, companion := range companionFiles(name, platform) {
		data, ok := files[companion]
		if !ok {
			continue
		}
		if err := writeFileAtomic(filepath.Join(filepath.Dir(path), companion), data, 0o644); err != nil {
			return CachedBinary{}, fmt.Errorf("%w: %w", ErrVerification, err)
		}
	}

	if !binaryUsable(path) {
		return CachedBinary{}, fmt.Errorf("%w: %s is not executable after install", ErrVerification, path)
	}

	log.Info().Str("tool", name).Str("version", version).Str("path", path).Msg("optimizer installed")
	return CachedBinary{Name: name, Version: version, Platform: platform, Path: path}, nil
}

func (f *Fetcher) cachePath(name, version, platform string) string {
	return filepath.Join(f.CacheDir, name, version, platform, toolFilename(name, platform))
}

func toolFilename(name, platform string) string {
	if strings.HasSuffix(platform, "-windows") {
		return name + ".exe"
	}
	return name
}

// companionFiles lists extra archive entries the tool needs alongside itself.
// wasm-opt on macos links against the bundled libbinaryen.
func companionFiles(name, platform string) []string {
	if name == WasmOptName && strings.HasSuffix(platform, "-macos") {
		return []string{"libbinaryen.dylib"}
	}
	return nil
}

func binaryUsable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0 && info.Mode().Perm()&0o111 != 0
}

// extractFiles streams a gzipped tarball and collects the entries whose base
// name matches one of wanted. Directory layout inside the archive is ignored.
func extractFiles(r io.Reader, wanted []string) (map[string][]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "open gzip stream")
	}
	defer func() {
		_ = gz.Close()
	}()

	want := make(map[string]bool, len(wanted))
	for _, name := range wanted {
		want[name] = true
	}

	files := map[string][]byte{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read tar entry")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		base := filepath.Base(hdr.Name)
		if !want[base] || files[base] != nil {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxArchiveFileBytes+1))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", hdr.Name)
		}
		if len(data) > maxArchiveFileBytes {
			return nil, errors.Errorf("archive entry %s too large", hdr.Name)
		}
		files[base] = data
		if len(files) == len(want) {
			break
		}
	}
	return files, nil
}

func writeExecutableAtomic(path string, data []byte) error {
	return writeFileAtomic(path, data, 0o755)
}

// writeFileAtomic writes via a temp file in the target directory and renames
// into place, so an interrupted download never leaves a half-written binary
// at the final path.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "chmod temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}

	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "rename %s -> %s", tmpName, path)
	}
	tmpName = ""
	return nil
}
