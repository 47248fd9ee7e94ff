package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/irobot-precache/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "irobot.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesFullyPopulatedConfig(t *testing.T) {
	path := writeConfig(t, `
precache:
  location: precache-root
  index: tracking.db
  size: 10GiB
  age_threshold: 1h
  expiry: 7d
  chunk_size: 64MiB
upstream:
  max_connections: 50
  base_url: http://irods-proxy.example.org
httpd:
  bind_address: 0.0.0.0
  listen: 8080
  timeout: 30s
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.Precache.Location))
	assert.Equal(t, filepath.Join(cfg.Precache.Location, "tracking.db"), cfg.Precache.Index)
	assert.Equal(t, int64(10*1024*1024*1024), cfg.Precache.Size)
	assert.Equal(t, time.Hour, cfg.Precache.AgeThreshold)
	assert.False(t, cfg.Precache.AgeThresholdUnlimited)
	assert.Equal(t, 7*24*time.Hour, cfg.Precache.Expiry)
	assert.Equal(t, int64(64*1024*1024), cfg.Precache.ChunkSize)

	assert.Equal(t, 50, cfg.Upstream.MaxConnections)
	assert.Equal(t, "http://irods-proxy.example.org", cfg.Upstream.BaseURL)

	assert.Equal(t, 8080, cfg.HTTPD.Listen)
	assert.Equal(t, 30*time.Second, cfg.HTTPD.Timeout)
}

func TestLoadDefaultsMaxConnectionsWhenUnset(t *testing.T) {
	path := writeConfig(t, `
precache:
  location: precache-root
  index: tracking.db
  size: unlimited
  age_threshold: unlimited
  expiry: unlimited
  chunk_size: 1MiB
upstream:
  base_url: http://irods-proxy.example.org
httpd:
  timeout: unlimited
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Upstream.MaxConnections)
	assert.Equal(t, int64(-1), cfg.Precache.Size)
	assert.True(t, cfg.Precache.AgeThresholdUnlimited)
	assert.True(t, cfg.Precache.ExpiryUnlimited)
	assert.Equal(t, time.Duration(0), cfg.HTTPD.Timeout)
}

func TestLoadRejectsMissingIndexFilename(t *testing.T) {
	path := writeConfig(t, `
precache:
  location: precache-root
  size: unlimited
  age_threshold: unlimited
  expiry: unlimited
  chunk_size: 1MiB
upstream:
  base_url: http://irods-proxy.example.org
httpd:
  timeout: unlimited
`)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveChunkSize(t *testing.T) {
	path := writeConfig(t, `
precache:
  location: precache-root
  index: tracking.db
  size: unlimited
  age_threshold: unlimited
  expiry: unlimited
  chunk_size: 0B
upstream:
  base_url: http://irods-proxy.example.org
httpd:
  timeout: unlimited
`)

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	assert.Error(t, err)
}

func TestParseByteSizeUnlimited(t *testing.T) {
	n, err := config.ParseByteSize("unlimited")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)
}

func TestParseByteSizeHumanUnits(t *testing.T) {
	n, err := config.ParseByteSize("200MiB")
	require.NoError(t, err)
	assert.Equal(t, int64(200*1024*1024), n)
}

func TestParseByteSizeRejectsGarbage(t *testing.T) {
	_, err := config.ParseByteSize("not-a-size")
	assert.Error(t, err)
}

func TestParseDurationUnits(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":  30 * time.Second,
		"5m":   5 * time.Minute,
		"2h":   2 * time.Hour,
		"3d":   3 * 24 * time.Hour,
		"1w":   7 * 24 * time.Hour,
		"1.5h": time.Duration(1.5 * float64(time.Hour)),
	}
	for input, want := range cases {
		d, unlimited, err := config.ParseDuration(input)
		require.NoError(t, err, input)
		assert.False(t, unlimited, input)
		assert.Equal(t, want, d, input)
	}
}

func TestParseDurationUnlimited(t *testing.T) {
	d, unlimited, err := config.ParseDuration("unlimited")
	require.NoError(t, err)
	assert.True(t, unlimited)
	assert.Equal(t, time.Duration(0), d)
}

func TestParseDurationRejectsGarbage(t *testing.T) {
	_, _, err := config.ParseDuration("soon")
	assert.Error(t, err)
}

func TestAddYearsHandlesFractionalYears(t *testing.T) {
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	out := config.AddYears(base, 1.5)
	assert.Equal(t, 2027, out.Year())
	assert.True(t, out.After(time.Date(2027, time.June, 1, 0, 0, 0, 0, time.UTC)))
}
