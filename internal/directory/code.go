package directory

import (
	"regexp"
	"strings"
)

const (
	minWordLen = 3
	maxWordLen = 15
)

var codePattern = regexp.MustCompile(`^[a-z]+-[a-z]+$`)

// NormalizeCode trims and lowercases a code the way every endpoint stores it.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ValidCodeFormat reports whether code is two lowercase words of 3-15
// characters joined by a single hyphen, e.g. "happy-cloud".
func ValidCodeFormat(code string) bool {
	if !codePattern.MatchString(code) {
		return false
	}
	first, second, _ := strings.Cut(code, "-")
	return wordLenOK(first) && wordLenOK(second)
}

func wordLenOK(w string) bool {
	return len(w) >= minWordLen && len(w) <= maxWordLen
}
