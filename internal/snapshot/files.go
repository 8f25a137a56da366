package snapshot

import (
	"bytes"
	"context"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// skipDirs are directories excluded by the walk fallback when git is not
// available to apply .gitignore.
var skipDirs = map[string]bool{
	".git":                   true,
	"node_modules":           true,
	".next":                  true,
	".nuxt":                  true,
	"dist":                   true,
	"build":                  true,
	"target":                 true,
	"__pycache__":            true,
	".venv":                  true,
	"venv":                   true,
	".terminal-output-cache": true,
	".atelier":               true,
}

// enumerateFiles lists the project's files respecting .gitignore. It
// delegates to `git ls-files`; when git is unavailable or the directory is
// not a repository it falls back to a filtered walk.
func enumerateFiles(ctx context.Context, projectPath string) ([]string, error) {
	if files, err := gitListFiles(ctx, projectPath); err == nil {
		return files, nil
	}
	return walkFiles(projectPath)
}

// gitListFiles returns tracked plus untracked-but-not-ignored files.
func gitListFiles(ctx context.Context, projectPath string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard", "-z")
	cmd.Dir = projectPath
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var files []string
	for _, raw := range bytes.Split(out, []byte{0}) {
		if len(raw) == 0 {
			continue
		}
		files = append(files, filepath.ToSlash(string(raw)))
	}
	return files, nil
}

// walkFiles is the fallback enumeration used when git ls-files fails.
func walkFiles(projectPath string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != projectPath && (skipDirs[name] || strings.HasPrefix(name, ".git")) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(projectPath, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
