package terminal

import "strings"

// classifyArg reports whether the argument carries characters that need
// backslash escaping (quote or backslash) and whether it needs quoting at
// all (space or tab).
func classifyArg(s string) (needsEscape, needsQuotes bool) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			needsEscape = true
		case ' ', '\t':
			needsQuotes = true
		}
	}
	return needsEscape, needsQuotes
}

// escapeQuotedBytes applies the CommandLineToArgvW backslash rules while
// copying s into b: backslashes double only when they precede a quote, and
// quotes get a backslash. The trailing run of backslashes is returned so the
// caller can double it before a closing quote.
func escapeQuotedBytes(b []byte, s string) ([]byte, int) {
	slashes := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		default:
			slashes = 0
		case '\\':
			slashes++
		case '"':
			for ; slashes > 0; slashes-- {
				b = append(b, '\\')
			}
			b = append(b, '\\')
		}
		b = append(b, c)
	}
	return b, slashes
}

// escapeArg quotes one argument for Windows CreateProcess, matching the
// parsing CommandLineToArgvW does on the other side (the same algorithm as
// syscall.EscapeArg). Empty arguments become a bare "" pair; arguments with
// nothing special pass through untouched.
func escapeArg(s string) string {
	if len(s) == 0 {
		return `""`
	}

	needsEscape, needsQuotes := classifyArg(s)
	if !needsEscape && !needsQuotes {
		return s
	}
	if !needsEscape {
		return `"` + s + `"`
	}

	var b []byte
	if needsQuotes {
		b = append(b, '"')
	}
	b, slashes := escapeQuotedBytes(b, s)
	if needsQuotes {
		for ; slashes > 0; slashes-- {
			b = append(b, '\\')
		}
		b = append(b, '"')
	}
	return string(b)
}

// buildCmdLine assembles the single command-line string CreateProcess
// expects; Windows has no argv, only this string.
func buildCmdLine(args []string) string {
	escaped := make([]string, len(args))
	for i, arg := range args {
		escaped[i] = escapeArg(arg)
	}
	return strings.Join(escaped, " ")
}
