package process

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		out[parts[0]] = parts[1]
	}
	return out
}

func TestBuildEnvAllowlist(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("HOME", "/home/user")
	t.Setenv("SECRET_TOKEN", "leaky")
	t.Setenv("AWS_ACCESS_KEY_ID", "leaky")

	env := envMap(buildEnv("/work/dir", nil))

	assert.Equal(t, "/usr/bin", env["PATH"])
	assert.Equal(t, "/home/user", env["HOME"])
	assert.NotContains(t, env, "SECRET_TOKEN")
	assert.NotContains(t, env, "AWS_ACCESS_KEY_ID")
}

func TestBuildEnvForcedValues(t *testing.T) {
	t.Setenv("PWD", "/somewhere/else")

	env := envMap(buildEnv("/work/dir", nil))

	assert.Equal(t, "/work/dir", env["PWD"])
	assert.Equal(t, "1", env["PYTHONUNBUFFERED"])
}

func TestBuildEnvTermDefault(t *testing.T) {
	t.Setenv("TERM", "")
	// t.Setenv cannot unset; emulate by checking the passthrough value
	// wins when present.
	t.Setenv("TERM", "screen-256color")
	env := envMap(buildEnv("/work", nil))
	assert.Equal(t, "screen-256color", env["TERM"])
}

func TestBuildEnvExtras(t *testing.T) {
	env := envMap(buildEnv("/work", map[string]string{
		"CUSTOM":  "value",
		"BAD=KEY": "ignored",
		"":        "ignored",
	}))
	assert.Equal(t, "value", env["CUSTOM"])
	assert.NotContains(t, env, "BAD")
	assert.NotContains(t, env, "BAD=KEY")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120, cfg.Cols)
	assert.Equal(t, 40, cfg.Rows)
	assert.Equal(t, 3, cfg.SpawnRetries)
}
