// Package rewrite replaces the text of a single capture group inside a request.
package rewrite

import "regexp"

// SubstituteGroup finds the occurrence-th (1-indexed) non-overlapping match of re
// in text and replaces the span of capture group `group` within that match with
// replacement. Everything else, including other matches, is left untouched.
//
// It returns text unchanged when re is nil, when there are fewer than occurrence
// matches, when occurrence < 1, or when the group does not exist or did not
// participate in the match.
func SubstituteGroup(re *regexp.Regexp, text string, group, occurrence int, replacement string) string {
	start, end, ok := GroupSpan(re, text, group, occurrence)
	if !ok {
		return text
	}
	return text[:start] + replacement + text[end:]
}

// SubstituteFirst replaces capture group 1 of the first match.
func SubstituteFirst(re *regexp.Regexp, text, replacement string) string {
	return SubstituteGroup(re, text, 1, 1, replacement)
}

// GroupSpan returns the byte offsets of capture group `group` in the
// occurrence-th match of re in text.
func GroupSpan(re *regexp.Regexp, text string, group, occurrence int) (start, end int, ok bool) {
	if re == nil || occurrence < 1 || group < 0 || group > re.NumSubexp() {
		return 0, 0, false
	}

	matches := re.FindAllStringSubmatchIndex(text, occurrence)
	if len(matches) < occurrence {
		return 0, 0, false
	}

	loc := matches[occurrence-1]
	start, end = loc[2*group], loc[2*group+1]
	if start < 0 || end < 0 {
		return 0, 0, false
	}
	return start, end, true
}
