package manip

import "strings"

// MakeOneLine flattens multiline strings for log fields
func MakeOneLine(input, replaceWith string) string {
	return strings.ReplaceAll(input, "\n", replaceWith)
}

func StringsContain(haystack []string, needle string) bool {
	for _, value := range haystack {
		if value == needle {
			return true
		}
	}
	return false
}
