package gitsvc

import (
	"fmt"
	"strconv"
	"strings"
)

// FileStatus is one entry of a porcelain status listing. Staged and Unstaged
// carry the raw X/Y status codes.
type FileStatus struct {
	Path     string `json:"path"`
	OrigPath string `json:"orig_path,omitempty"` // renames and copies
	Staged   string `json:"staged"`
	Unstaged string `json:"unstaged"`
}

// StatusResult is a parsed `git status --porcelain -b`.
type StatusResult struct {
	Branch   string       `json:"branch"`
	Upstream string       `json:"upstream,omitempty"`
	Ahead    int          `json:"ahead"`
	Behind   int          `json:"behind"`
	Detached bool         `json:"detached"`
	Files    []FileStatus `json:"files"`
}

// Commit is one parsed log record.
type Commit struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Email   string `json:"email"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// Branch is one local branch with its tracking state.
type Branch struct {
	Name     string `json:"name"`
	Hash     string `json:"hash"`
	Current  bool   `json:"current"`
	Upstream string `json:"upstream,omitempty"`
	Ahead    int    `json:"ahead"`
	Behind   int    `json:"behind"`
}

// Remote is one configured remote.
type Remote struct {
	Name     string `json:"name"`
	FetchURL string `json:"fetch_url"`
	PushURL  string `json:"push_url"`
}

// StashEntry is one stash.
type StashEntry struct {
	Ref     string `json:"ref"` // stash@{N}
	Message string `json:"message"`
}

// ConflictSection is one three-way conflict hunk from a file with merge
// markers.
type ConflictSection struct {
	Ours   []string `json:"ours"`
	Base   []string `json:"base,omitempty"` // diff3 style only
	Theirs []string `json:"theirs"`
}

// unquotePath reverses git's C-style path quoting: surrounding quotes plus
// octal, \n, \t, \\ and \" escapes.
func unquotePath(path string) string {
	if len(path) < 2 || path[0] != '"' || path[len(path)-1] != '"' {
		return path
	}
	inner := path[1 : len(path)-1]

	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c != '\\' || i+1 >= len(inner) {
			b.WriteByte(c)
			continue
		}
		i++
		switch inner[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '\\':
			b.WriteByte('\\')
		case '"':
			b.WriteByte('"')
		case '0', '1', '2', '3':
			if i+2 < len(inner) {
				if v, err := strconv.ParseUint(inner[i:i+3], 8, 8); err == nil {
					b.WriteByte(byte(v))
					i += 2
					continue
				}
			}
			b.WriteByte(inner[i])
		default:
			b.WriteByte(inner[i])
		}
	}
	return b.String()
}

// parseStatus parses `git status --porcelain -b` output.
func parseStatus(out string) *StatusResult {
	result := &StatusResult{Files: []FileStatus{}}

	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			parseStatusHeader(line[3:], result)
			continue
		}
		if len(line) < 4 {
			continue
		}

		fs := FileStatus{
			Staged:   string(line[0]),
			Unstaged: string(line[1]),
		}
		pathPart := line[3:]
		if idx := strings.Index(pathPart, " -> "); idx >= 0 {
			fs.OrigPath = unquotePath(pathPart[:idx])
			fs.Path = unquotePath(pathPart[idx+4:])
		} else {
			fs.Path = unquotePath(pathPart)
		}
		result.Files = append(result.Files, fs)
	}
	return result
}

// parseStatusHeader parses the `## branch...upstream [ahead N, behind M]`
// header line.
func parseStatusHeader(header string, result *StatusResult) {
	if strings.HasPrefix(header, "HEAD (no branch)") {
		result.Detached = true
		result.Branch = "HEAD"
		return
	}
	if strings.HasPrefix(header, "No commits yet on ") {
		result.Branch = strings.TrimPrefix(header, "No commits yet on ")
		return
	}

	rest := header
	if idx := strings.Index(rest, " ["); idx >= 0 {
		counts := rest[idx+2 : len(rest)-1]
		rest = rest[:idx]
		for _, part := range strings.Split(counts, ", ") {
			switch {
			case strings.HasPrefix(part, "ahead "):
				result.Ahead, _ = strconv.Atoi(strings.TrimPrefix(part, "ahead "))
			case strings.HasPrefix(part, "behind "):
				result.Behind, _ = strconv.Atoi(strings.TrimPrefix(part, "behind "))
			}
		}
	}
	if idx := strings.Index(rest, "..."); idx >= 0 {
		result.Branch = rest[:idx]
		result.Upstream = rest[idx+3:]
	} else {
		result.Branch = rest
	}
}

// Log record field and record separators; chosen so no commit content can
// collide with them.
const (
	logFieldSep  = "\x1f"
	logRecordSep = "\x00"
	// The record separator is spelled %x00 in the format string because argv
	// strings cannot contain a literal NUL; git expands it to logRecordSep.
	logFormat    = "%H" + logFieldSep + "%an" + logFieldSep + "%ae" + logFieldSep + "%aI" + logFieldSep + "%s" + logFieldSep + "%b" + "%x00"
)

// parseLog parses \0-terminated log records.
func parseLog(out string) []Commit {
	commits := []Commit{}
	for _, record := range strings.Split(out, logRecordSep) {
		record = strings.TrimLeft(record, "\n")
		if record == "" {
			continue
		}
		fields := strings.SplitN(record, logFieldSep, 6)
		if len(fields) < 6 {
			continue
		}
		commits = append(commits, Commit{
			Hash:    fields[0],
			Author:  fields[1],
			Email:   fields[2],
			Date:    fields[3],
			Subject: fields[4],
			Body:    strings.TrimRight(fields[5], "\n"),
		})
	}
	return commits
}

// parseAheadBehind parses `git rev-list --left-right --count a...b` output
// ("N\tM").
func parseAheadBehind(out string) (ahead, behind int, err error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", out)
	}
	ahead, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	behind, err = strconv.Atoi(fields[1])
	return ahead, behind, err
}

// parseRemotes parses `git remote -v` output.
func parseRemotes(out string) []Remote {
	byName := map[string]*Remote{}
	order := []string{}

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		name, url, kind := fields[0], fields[1], fields[2]
		remote, ok := byName[name]
		if !ok {
			remote = &Remote{Name: name}
			byName[name] = remote
			order = append(order, name)
		}
		switch kind {
		case "(fetch)":
			remote.FetchURL = url
		case "(push)":
			remote.PushURL = url
		}
	}

	remotes := make([]Remote, 0, len(order))
	for _, name := range order {
		remotes = append(remotes, *byName[name])
	}
	return remotes
}

// parseStashList parses `git stash list` lines of the form
// "stash@{0}: WIP on main: ...".
func parseStashList(out string) []StashEntry {
	entries := []StashEntry{}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			continue
		}
		entries = append(entries, StashEntry{
			Ref:     line[:idx],
			Message: line[idx+2:],
		})
	}
	return entries
}

// Conflict marker prefixes. The base section only appears with diff3-style
// markers.
const (
	markerOurs   = "<<<<<<<"
	markerBase   = "|||||||"
	markerSplit  = "======="
	markerTheirs = ">>>>>>>"
)

// parseConflicts extracts the three-way conflict sections from a file
// containing merge markers.
func parseConflicts(content string) []ConflictSection {
	sections := []ConflictSection{}

	var current *ConflictSection
	state := "" // ours, base, theirs
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, markerOurs):
			current = &ConflictSection{Ours: []string{}, Theirs: []string{}}
			state = "ours"
		case current != nil && strings.HasPrefix(line, markerBase):
			current.Base = []string{}
			state = "base"
		case current != nil && strings.HasPrefix(line, markerSplit):
			state = "theirs"
		case current != nil && strings.HasPrefix(line, markerTheirs):
			sections = append(sections, *current)
			current = nil
			state = ""
		case current != nil:
			switch state {
			case "ours":
				current.Ours = append(current.Ours, line)
			case "base":
				current.Base = append(current.Base, line)
			case "theirs":
				current.Theirs = append(current.Theirs, line)
			}
		}
	}
	return sections
}
