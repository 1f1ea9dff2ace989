package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.CacheDir)
	assert.False(t, cfg.Banks)
}

func TestLoadEmptyPathReturnsZeroValue(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "", cfg.CacheDir)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pisa.yaml")
	contents := "cache_dir: /var/cache/pisa\nkernel_library: HDF\nbanks: true\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/pisa", cfg.CacheDir)
	assert.Equal(t, "HDF", cfg.KernelLibrary)
	assert.True(t, cfg.Banks)
}

func TestApplyDefaultsFlagWins(t *testing.T) {
	dst := &Config{CacheDir: "/explicit", Banks: false}
	file := &Config{CacheDir: "/from-file", OutDir: "/out-from-file", Banks: true}

	ApplyDefaults(dst, file)

	assert.Equal(t, "/explicit", dst.CacheDir, "explicit flag value must be preserved")
	assert.Equal(t, "/out-from-file", dst.OutDir, "unset flag value fills in from config file")
	assert.True(t, dst.Banks, "unset flag value fills in from config file")
}
