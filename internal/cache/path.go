package cache

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// editorScratchSuffixes catches common editor/temp-file patterns that are
// never synced to the remote, beyond the dot-prefix rule.
var editorScratchSuffixes = []string{".swp", ".swx", ".tmp", "~"}

// NormalizePath canonicalizes path to NFKC unless noNormalize disables it.
// All path comparisons in the caching core happen post-normalization.
func NormalizePath(path string, noNormalize bool) string {
	if noNormalize {
		return path
	}

	return norm.NFKC.String(path)
}

// IsTempFile reports whether path matches a reserved temp-file predicate:
// dot-prefixed basenames or common editor-scratch suffixes. Such paths are
// never cached or synced.
func IsTempFile(path string) bool {
	base := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		base = path[idx+1:]
	}

	if strings.HasPrefix(base, ".") {
		return true
	}

	for _, suffix := range editorScratchSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}

	return false
}
