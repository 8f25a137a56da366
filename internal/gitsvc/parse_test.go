package gitsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnquotePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "src/main.go", "src/main.go"},
		{"quoted spaces", `"my file.txt"`, "my file.txt"},
		{"escaped quote", `"say \"hi\".md"`, `say "hi".md`},
		{"backslash", `"a\\b"`, `a\b`},
		{"newline and tab", `"a\nb\tc"`, "a\nb\tc"},
		// "über.txt" as git quotes it: UTF-8 bytes in octal.
		{"octal utf8", `"\303\274ber.txt"`, "über.txt"},
		{"unterminated quote", `"broken`, `"broken`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, unquotePath(tt.in))
		})
	}
}

func TestParseStatus(t *testing.T) {
	out := "## main...origin/main [ahead 2, behind 1]\n" +
		" M internal/app.go\n" +
		"A  docs/new.md\n" +
		"?? scratch.txt\n" +
		"R  old.go -> new.go\n" +
		"MM both.go\n"

	result := parseStatus(out)
	assert.Equal(t, "main", result.Branch)
	assert.Equal(t, "origin/main", result.Upstream)
	assert.Equal(t, 2, result.Ahead)
	assert.Equal(t, 1, result.Behind)
	assert.False(t, result.Detached)

	require.Len(t, result.Files, 5)
	assert.Equal(t, FileStatus{Path: "internal/app.go", Staged: " ", Unstaged: "M"}, result.Files[0])
	assert.Equal(t, FileStatus{Path: "docs/new.md", Staged: "A", Unstaged: " "}, result.Files[1])
	assert.Equal(t, FileStatus{Path: "scratch.txt", Staged: "?", Unstaged: "?"}, result.Files[2])
	assert.Equal(t, FileStatus{Path: "new.go", OrigPath: "old.go", Staged: "R", Unstaged: " "}, result.Files[3])
	assert.Equal(t, FileStatus{Path: "both.go", Staged: "M", Unstaged: "M"}, result.Files[4])
}

func TestParseStatusQuotedRename(t *testing.T) {
	out := "## main\n" + `R  "old name.go" -> "new name.go"` + "\n"
	result := parseStatus(out)
	require.Len(t, result.Files, 1)
	assert.Equal(t, "old name.go", result.Files[0].OrigPath)
	assert.Equal(t, "new name.go", result.Files[0].Path)
}

func TestParseStatusHeaderVariants(t *testing.T) {
	t.Run("detached", func(t *testing.T) {
		result := parseStatus("## HEAD (no branch)\n")
		assert.True(t, result.Detached)
		assert.Equal(t, "HEAD", result.Branch)
	})

	t.Run("no commits yet", func(t *testing.T) {
		result := parseStatus("## No commits yet on main\n")
		assert.Equal(t, "main", result.Branch)
		assert.False(t, result.Detached)
	})

	t.Run("no upstream", func(t *testing.T) {
		result := parseStatus("## feature/thing\n")
		assert.Equal(t, "feature/thing", result.Branch)
		assert.Empty(t, result.Upstream)
	})

	t.Run("behind only", func(t *testing.T) {
		result := parseStatus("## main...origin/main [behind 3]\n")
		assert.Equal(t, 0, result.Ahead)
		assert.Equal(t, 3, result.Behind)
	})
}

func TestParseLog(t *testing.T) {
	rec := func(hash, subject, body string) string {
		return hash + logFieldSep + "Ada" + logFieldSep + "ada@example.com" +
			logFieldSep + "2026-08-01T10:00:00+02:00" + logFieldSep + subject +
			logFieldSep + body + logRecordSep
	}
	out := rec("abc123", "first", "a body\nwith two lines\n") +
		"\n" + rec("def456", "second: with \x1e odd bytes", "")

	commits := parseLog(out)
	require.Len(t, commits, 2)
	assert.Equal(t, "abc123", commits[0].Hash)
	assert.Equal(t, "Ada", commits[0].Author)
	assert.Equal(t, "ada@example.com", commits[0].Email)
	assert.Equal(t, "first", commits[0].Subject)
	assert.Equal(t, "a body\nwith two lines", commits[0].Body)
	assert.Equal(t, "second: with \x1e odd bytes", commits[1].Subject)
	assert.Empty(t, commits[1].Body)
}

func TestParseAheadBehind(t *testing.T) {
	ahead, behind, err := parseAheadBehind("3\t7\n")
	require.NoError(t, err)
	assert.Equal(t, 3, ahead)
	assert.Equal(t, 7, behind)

	_, _, err = parseAheadBehind("garbage")
	assert.Error(t, err)
}

func TestParseRemotes(t *testing.T) {
	out := "origin\tgit@github.com:acme/app.git (fetch)\n" +
		"origin\tgit@github.com:acme/app.git (push)\n" +
		"fork\thttps://github.com/me/app.git (fetch)\n" +
		"fork\thttps://github.com/me/app-push.git (push)\n"

	remotes := parseRemotes(out)
	require.Len(t, remotes, 2)
	assert.Equal(t, Remote{
		Name:     "origin",
		FetchURL: "git@github.com:acme/app.git",
		PushURL:  "git@github.com:acme/app.git",
	}, remotes[0])
	assert.Equal(t, "fork", remotes[1].Name)
	assert.Equal(t, "https://github.com/me/app.git", remotes[1].FetchURL)
	assert.Equal(t, "https://github.com/me/app-push.git", remotes[1].PushURL)
}

func TestParseStashList(t *testing.T) {
	out := "stash@{0}: WIP on main: abc123 first\n" +
		"stash@{1}: On feature: saved work\n"

	entries := parseStashList(out)
	require.Len(t, entries, 2)
	assert.Equal(t, "stash@{0}", entries[0].Ref)
	assert.Equal(t, "WIP on main: abc123 first", entries[0].Message)
	assert.Equal(t, "stash@{1}", entries[1].Ref)
}

func TestParseConflicts(t *testing.T) {
	content := "clean line\n" +
		"<<<<<<< HEAD\n" +
		"ours 1\n" +
		"ours 2\n" +
		"=======\n" +
		"theirs 1\n" +
		">>>>>>> feature\n" +
		"more clean\n" +
		"<<<<<<< HEAD\n" +
		"second ours\n" +
		"=======\n" +
		"second theirs\n" +
		">>>>>>> feature\n"

	sections := parseConflicts(content)
	require.Len(t, sections, 2)
	assert.Equal(t, []string{"ours 1", "ours 2"}, sections[0].Ours)
	assert.Nil(t, sections[0].Base)
	assert.Equal(t, []string{"theirs 1"}, sections[0].Theirs)
	assert.Equal(t, []string{"second ours"}, sections[1].Ours)
}

func TestParseConflictsDiff3Base(t *testing.T) {
	content := "<<<<<<< HEAD\n" +
		"ours\n" +
		"||||||| merged common ancestors\n" +
		"original\n" +
		"=======\n" +
		"theirs\n" +
		">>>>>>> feature\n"

	sections := parseConflicts(content)
	require.Len(t, sections, 1)
	assert.Equal(t, []string{"ours"}, sections[0].Ours)
	assert.Equal(t, []string{"original"}, sections[0].Base)
	assert.Equal(t, []string{"theirs"}, sections[0].Theirs)
}

func TestParseConflictsIgnoresUnterminated(t *testing.T) {
	content := "<<<<<<< HEAD\nours\n=======\ntheirs\n"
	assert.Empty(t, parseConflicts(content))
}
