package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOptionalMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), DefaultConfigFilename))
	require.NoError(t, err)
	require.Equal(t, DefaultAppName, cfg.AppName())
	require.Equal(t, DefaultPackage, cfg.PackagePath())
	require.Equal(t, DefaultDistDir, cfg.DistDir())
	require.Equal(t, DefaultServeAddr, cfg.ServeAddr())

	d, err := cfg.Watch.DebounceDuration()
	require.NoError(t, err)
	require.Equal(t, DefaultDebounce, d)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFilename)
	content := `app: frontend
package: ./cmd/frontend
dist: public
static: assets
style: styles/main.scss
optimize:
  enabled: true
  level: 3
  shrink: 1
  version: "105"
watch:
  paths: [cmd, styles]
  ignore: ["*.md"]
  debounce: 500ms
serve:
  addr: "127.0.0.1:9999"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "frontend", cfg.AppName())
	require.Equal(t, "./cmd/frontend", cfg.PackagePath())
	require.Equal(t, "public", cfg.DistDir())
	require.Equal(t, "assets", cfg.Static)
	require.Equal(t, "styles/main.scss", cfg.Style)
	require.True(t, cfg.Optimize.Enabled)
	require.Equal(t, 3, cfg.Optimize.Level)
	require.Equal(t, []string{"cmd", "styles"}, cfg.Watch.Paths)
	require.Equal(t, "127.0.0.1:9999", cfg.ServeAddr())

	d, err := cfg.Watch.DebounceDuration()
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, d)
}

func TestLoadFromFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFilename)
	require.NoError(t, os.WriteFile(path, []byte("app: [unclosed"), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config yaml")
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name string
		cfg  File
		ok   bool
	}{
		{"defaults", File{}, true},
		{"max level", File{Optimize: Optimize{Level: 4, Shrink: 2}}, true},
		{"level too high", File{Optimize: Optimize{Level: 5}}, false},
		{"negative level", File{Optimize: Optimize{Level: -1}}, false},
		{"shrink too high", File{Optimize: Optimize{Shrink: 3}}, false},
		{"bad debounce", File{Watch: Watch{Debounce: "soon"}}, false},
		{"zero debounce", File{Watch: Watch{Debounce: "0s"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
