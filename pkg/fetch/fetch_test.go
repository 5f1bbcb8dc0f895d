package fetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type countingDoer struct {
	calls  int
	status int
	body   []byte
	err    error
}

func (d *countingDoer) Do(_ *http.Request) (*http.Response, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return &http.Response{
		StatusCode: d.status,
		Body:       io.NopCloser(bytes.NewReader(d.body)),
	}, nil
}

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestFetcher(dir string, doer Doer) *Fetcher {
	return &Fetcher{
		CacheDir: dir,
		Client:   doer,
		URL: func(name, version, platform string) string {
			return "http://release.invalid/" + name + "/" + version + "/" + platform + ".tar.gz"
		},
	}
}

func TestResolveDownloadsOnceThenHitsCache(t *testing.T) {
	dir := t.TempDir()
	archive := makeTarGz(t, map[string]string{
		"binaryen-version_105/bin/wasm-opt": "#!/bin/sh\nexit 0\n",
		"binaryen-version_105/README.md":    "docs",
	})
	doer := &countingDoer{status: http.StatusOK, body: archive}
	f := newTestFetcher(dir, doer)

	bin, err := f.Resolve(context.Background(), "wasm-opt", "105", "x86_64-linux")
	require.NoError(t, err)
	require.Equal(t, "wasm-opt", bin.Name)
	require.Equal(t, "105", bin.Version)
	require.Equal(t, filepath.Join(dir, "wasm-opt", "105", "x86_64-linux", "wasm-opt"), bin.Path)
	require.Equal(t, 1, doer.calls)

	info, err := os.Stat(bin.Path)
	require.NoError(t, err)
	require.NotZero(t, info.Size())
	require.NotZero(t, info.Mode().Perm()&0o111)

	again, err := f.Resolve(context.Background(), "wasm-opt", "105", "x86_64-linux")
	require.NoError(t, err)
	require.Equal(t, bin.Path, again.Path)
	require.Equal(t, 1, doer.calls, "cache hit must not touch the network")
}

func TestResolveDistinctVersionsGetDistinctEntries(t *testing.T) {
	dir := t.TempDir()
	archive := makeTarGz(t, map[string]string{"bin/wasm-opt": "v"})
	doer := &countingDoer{status: http.StatusOK, body: archive}
	f := newTestFetcher(dir, doer)

	b105, err := f.Resolve(context.Background(), "wasm-opt", "105", "x86_64-linux")
	require.NoError(t, err)

	doer.body = makeTarGz(t, map[string]string{"bin/wasm-opt": "w"})
	b116, err := f.Resolve(context.Background(), "wasm-opt", "116", "x86_64-linux")
	require.NoError(t, err)

	require.NotEqual(t, b105.Path, b116.Path)
	require.Equal(t, 2, doer.calls)

	old, err := os.ReadFile(b105.Path)
	require.NoError(t, err)
	require.Equal(t, "v", string(old), "older entry must not be rewritten")
}

func TestResolveNotFoundIsUnsupportedPlatform(t *testing.T) {
	doer := &countingDoer{status: http.StatusNotFound}
	f := newTestFetcher(t.TempDir(), doer)

	_, err := f.Resolve(context.Background(), "wasm-opt", "105", "mips-plan9")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestResolveTransportFailureIsNetworkError(t *testing.T) {
	doer := &countingDoer{err: errors.New("connection refused")}
	f := newTestFetcher(t.TempDir(), doer)

	_, err := f.Resolve(context.Background(), "wasm-opt", "105", "x86_64-linux")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNetwork)
}

func TestResolveServerErrorIsNetworkError(t *testing.T) {
	doer := &countingDoer{status: http.StatusInternalServerError}
	f := newTestFetcher(t.TempDir(), doer)

	_, err := f.Resolve(context.Background(), "wasm-opt", "105", "x86_64-linux")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNetwork)
}

func TestResolveArchiveWithoutToolFailsVerification(t *testing.T) {
	dir := t.TempDir()
	archive := makeTarGz(t, map[string]string{"bin/other-tool": "nope"})
	doer := &countingDoer{status: http.StatusOK, body: archive}
	f := newTestFetcher(dir, doer)

	_, err := f.Resolve(context.Background(), "wasm-opt", "105", "x86_64-linux")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrVerification)

	_, statErr := os.Stat(filepath.Join(dir, "wasm-opt", "105", "x86_64-linux", "wasm-opt"))
	require.True(t, os.IsNotExist(statErr), "failed resolve must not leave a cache entry")
}

func TestResolveGarbageArchiveFailsVerification(t *testing.T) {
	doer := &countingDoer{status: http.StatusOK, body: []byte("not a tarball")}
	f := newTestFetcher(t.TempDir(), doer)

	_, err := f.Resolve(context.Background(), "wasm-opt", "105", "x86_64-linux")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrVerification)
}

func TestPlatformFor(t *testing.T) {
	cases := []struct {
		goos, goarch string
		want         string
		wantErr      bool
	}{
		{"linux", "amd64", "x86_64-linux", false},
		{"linux", "arm64", "arm64-linux", false},
		{"darwin", "amd64", "x86_64-macos", false},
		{"darwin", "arm64", "arm64-macos", false},
		{"windows", "amd64", "x86_64-windows", false},
		{"plan9", "amd64", "", true},
		{"linux", "riscv64", "", true},
	}
	for _, tc := range cases {
		got, err := platformFor(tc.goos, tc.goarch)
		if tc.wantErr {
			require.Error(t, err, "%s/%s", tc.goos, tc.goarch)
			require.ErrorIs(t, err, ErrUnsupportedPlatform)
			continue
		}
		require.NoError(t, err, "%s/%s", tc.goos, tc.goarch)
		require.Equal(t, tc.want, got)
	}
}
