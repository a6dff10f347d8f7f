package metar

import "strings"

// Tokenize splits a report body into its whitespace-delimited groups.
func Tokenize(body string) []string {
	return strings.Fields(strings.TrimRight(body, "\n"))
}
