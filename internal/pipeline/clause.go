package pipeline

import "strings"

// minClauseTokens is the number of whitespace-separated tokens a clause must
// exceed before a boundary may end it. Splitting earlier hands the TTS engine
// fragments too short to sound natural ("Yes,").
const minClauseTokens = 3

// NextClause scans accumulated LLM output for the earliest clause boundary: a
// '.', '!', '?' or ',' immediately followed by whitespace, with more than
// minClauseTokens tokens before it. When found it returns the clause
// (punctuation included), the remaining text with leading whitespace trimmed,
// and ok=true.
//
// Commas count as boundaries on purpose: the first speakable unit should
// leave for synthesis after a handful of tokens, not at the first full stop.
func NextClause(s string) (clause, rest string, ok bool) {
	idx := clauseBoundary(s)
	if idx < 0 {
		return "", s, false
	}
	clause = s[:idx+1]
	rest = strings.TrimLeft(s[idx+1:], " \t\n\r")
	return clause, rest, true
}

// clauseBoundary returns the byte index of the first qualifying boundary
// character in s, or -1. Boundaries whose prefix holds too few tokens are
// skipped, so the clause keeps growing past them.
func clauseBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?', ',':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				if len(strings.Fields(s[:i+1])) > minClauseTokens {
					return i
				}
			}
		}
	}
	return -1
}
