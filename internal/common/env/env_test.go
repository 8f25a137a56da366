package env

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeDropsRuntimeVariables(t *testing.T) {
	parent := []string{
		"npm_config_registry=https://registry.npmjs.org",
		"npm_lifecycle_event=start",
		"VITE_API_URL=http://localhost:3000",
		"NODE_ENV=development",
		"NODE=/usr/local/bin/node",
		"_BUN_WATCHER_CHILD=1",
		"HOME=/home/alice",
		"EDITOR=vim",
	}

	out := Sanitize(parent, nil)

	assert.Equal(t, "/home/alice", out["HOME"])
	assert.Equal(t, "vim", out["EDITOR"])
	assert.NotContains(t, out, "npm_config_registry")
	assert.NotContains(t, out, "npm_lifecycle_event")
	assert.NotContains(t, out, "VITE_API_URL")
	assert.NotContains(t, out, "NODE_ENV")
	assert.NotContains(t, out, "NODE")
	assert.NotContains(t, out, "_BUN_WATCHER_CHILD")
}

func TestSanitizeDropsDotenvInjectedValues(t *testing.T) {
	parent := []string{
		"API_KEY=secret-from-dotenv",
		"DB_URL=postgres://changed-by-user",
	}
	dotenv := map[string]string{
		"API_KEY": "secret-from-dotenv",
		"DB_URL":  "postgres://original",
	}

	out := Sanitize(parent, dotenv)

	// Value identical to .env: auto-injected, drop it.
	assert.NotContains(t, out, "API_KEY")
	// Value diverged: the user set it deliberately, keep it.
	assert.Equal(t, "postgres://changed-by-user", out["DB_URL"])
}

func TestSanitizeStripsNodeModulesFromPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix PATH semantics")
	}
	parent := []string{
		"PATH=/project/node_modules/.bin:/usr/local/bin:/usr/bin",
	}

	out := Sanitize(parent, nil)

	assert.Equal(t, "/usr/local/bin:/usr/bin", out["PATH"])
}

func TestSanitizeIgnoresMalformedEntries(t *testing.T) {
	out := Sanitize([]string{"MALFORMED", "OK=1"}, nil)
	assert.Equal(t, map[string]string{"OK": "1"}, out)
}

func TestTerminalEnv(t *testing.T) {
	out := TerminalEnv([]string{"HOME=/home/alice"}, nil, 120, 40)

	assert.Equal(t, "xterm-256color", out["TERM"])
	assert.Equal(t, "120", out["COLUMNS"])
	assert.Equal(t, "40", out["LINES"])
	assert.Equal(t, "en_US.UTF-8", out["LC_ALL"])
	assert.Equal(t, "en_US.UTF-8", out["LANG"])
	assert.Equal(t, "/home/alice", out["HOME"])
}

func TestToSliceRoundTrip(t *testing.T) {
	slice := ToSlice(map[string]string{"A": "1"})
	assert.Equal(t, []string{"A=1"}, slice)

	v, ok := Lookup(slice, "A")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}
