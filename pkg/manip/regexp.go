package manip

import "regexp"

// CompileSearch compiles a pattern with case-insensitive, unanchored search
// semantics, so "api" matches "api-gateway", "my-api" and "api".
func CompileSearch(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
