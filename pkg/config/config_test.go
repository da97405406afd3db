package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFillsTimeouts(t *testing.T) {
	cfg := Default("work")
	assert.Equal(t, 30*time.Second, cfg.Connection.ReadyTimeout.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Driver.StopGrace.Duration)
	assert.Equal(t, "javascript", cfg.Connection.SDKLanguage)
	assert.True(t, cfg.Connection.SendInitialize)
}

func TestDefaultWithoutProfileStillHasTimeouts(t *testing.T) {
	cfg := Default("")
	assert.Equal(t, 30*time.Second, cfg.Connection.ReadyTimeout.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Driver.StopGrace.Duration)
	assert.Equal(t, "javascript", cfg.Connection.SDKLanguage)
	assert.ErrorIs(t, cfg.validate(), ErrInvalidConfig)
}

func TestSaveLoadProfile(t *testing.T) {
	dir := t.TempDir()
	cfg := Default("work")
	cfg.Trace.Enabled = true
	cfg.Connection.ReadyTimeout = Duration{5 * time.Second}
	cfg.Driver.Env = []string{"DEBUG=pw:protocol"}
	require.NoError(t, Save(filepath.Join(dir, FileName), cfg))

	loaded, err := LoadProfile(dir)
	require.NoError(t, err)
	assert.Equal(t, "work", loaded.ProfileName)
	assert.Equal(t, 5*time.Second, loaded.Connection.ReadyTimeout.Duration)
	assert.Equal(t, filepath.Join(dir, "trace.db"), loaded.Trace.DBPath)
	assert.Equal(t, []string{"DEBUG=pw:protocol"}, loaded.Driver.Env)
}

func TestLoadParsesDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	doc := `
profileName = "ci"

[driver]
node = "/usr/bin/node"
cli = "node_modules/playwright-core/cli.js"
stopGrace = "2s"

[connection]
readyTimeout = "1m"
strict = true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Driver.StopGrace.Duration)
	assert.Equal(t, time.Minute, cfg.Connection.ReadyTimeout.Duration)
	assert.True(t, cfg.Connection.Strict)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no profile":       `[driver]`,
		"node without cli": "profileName = \"x\"\n[driver]\nnode = \"node\"\n",
		"frame too large":  "profileName = \"x\"\n[connection]\nmaxFrameMB = 512\n",
		"bad level":        "profileName = \"x\"\n[logging]\nlevel = \"loud\"\n",
		"trace no db":      "profileName = \"x\"\n[trace]\nenabled = true\n",
		"bad duration":     "profileName = \"x\"\n[connection]\nreadyTimeout = \"soon\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
			_, err := Load(path)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "", ResolvePath("/base", ""))
	assert.Equal(t, "/base/trace.db", ResolvePath("/base", "trace.db"))
	assert.Equal(t, "/abs/x.db", ResolvePath("/base", "/abs/x.db"))

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x"), ResolvePath("/base", "~/x"))
}
