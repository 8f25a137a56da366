// Package env builds sanitized environments for child processes.
//
// The server is typically launched through a JavaScript package manager which
// injects npm_*/VITE_*/NODE_* variables and prepends node_modules to PATH.
// Shells, tunnels, and git must not inherit that pollution.
package env

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

var droppedPrefixes = []string{"npm_", "VITE_"}

var droppedNames = map[string]bool{
	"NODE_ENV":           true,
	"NODE":               true,
	"_BUN_WATCHER_CHILD": true,
}

// Sanitize filters the parent environment. It drops keys matching known
// runtime pollution, drops keys whose value still equals the .env value
// (evidence they were auto-injected rather than set by the user), and strips
// node_modules elements from PATH. Everything else is kept.
func Sanitize(parent []string, dotenv map[string]string) map[string]string {
	out := make(map[string]string, len(parent))

	for _, kv := range parent {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key, value := kv[:idx], kv[idx+1:]

		if isDropped(key) {
			continue
		}
		if dv, ok := dotenv[key]; ok && dv == value {
			continue
		}
		out[key] = value
	}

	pathKey := pathVariableName()
	if path, ok := out[pathKey]; ok {
		out[pathKey] = stripNodeModules(path)
	}
	return out
}

// ToSlice converts an environment map to the KEY=VALUE form expected by
// exec.Cmd.Env.
func ToSlice(environ map[string]string) []string {
	out := make([]string, 0, len(environ))
	for k, v := range environ {
		out = append(out, k+"="+v)
	}
	return out
}

// TerminalEnv composes the sanitized environment with the variables an
// interactive shell expects.
func TerminalEnv(parent []string, dotenv map[string]string, cols, rows int) map[string]string {
	out := Sanitize(parent, dotenv)
	out["TERM"] = "xterm-256color"
	out["COLUMNS"] = strconv.Itoa(cols)
	out["LINES"] = strconv.Itoa(rows)
	out["LC_ALL"] = "en_US.UTF-8"
	out["LANG"] = "en_US.UTF-8"
	return out
}

func isDropped(key string) bool {
	if droppedNames[key] {
		return true
	}
	for _, prefix := range droppedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// pathVariableName returns the platform spelling of the PATH variable.
func pathVariableName() string {
	if runtime.GOOS == "windows" {
		return "Path"
	}
	return "PATH"
}

// pathListSeparator returns the platform PATH element separator.
func pathListSeparator() string {
	if runtime.GOOS == "windows" {
		return ";"
	}
	return ":"
}

// stripNodeModules removes PATH elements containing node_modules.
func stripNodeModules(path string) string {
	sep := pathListSeparator()
	parts := strings.Split(path, sep)
	kept := parts[:0]
	for _, p := range parts {
		if strings.Contains(p, "node_modules") {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, sep)
}

// Lookup returns the value of key from an environment slice.
func Lookup(environ []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// String renders the map for debug logging, with values truncated.
func String(environ map[string]string) string {
	var b strings.Builder
	for k, v := range environ {
		if len(v) > 32 {
			v = v[:32] + "..."
		}
		fmt.Fprintf(&b, "%s=%s ", k, v)
	}
	return strings.TrimSpace(b.String())
}
