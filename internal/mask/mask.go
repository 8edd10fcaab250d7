// Package mask scrubs credentials out of URIs, decoder command lines, and
// log/stderr text before they are persisted or logged anywhere
// (SPEC_FULL.md §7, testable property 7).
package mask

import "regexp"

// userinfoRegex matches the userinfo component of a URL: scheme://user:pass@
var userinfoRegex = regexp.MustCompile(`://[^/@\s]+:[^/@\s]+@`)

// URI replaces any "user:pass@" userinfo in a URL with "***:***@".
func URI(uri string) string {
	return userinfoRegex.ReplaceAllString(uri, "://***:***@")
}

// Line scrubs a single line of decoder stderr/stdout text or a log line.
func Line(line string) string {
	return userinfoRegex.ReplaceAllString(line, "://***:***@")
}

// Lines returns a new slice holding each line scrubbed; the input is not
// modified.
func Lines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = Line(l)
	}
	return out
}

// Argv scrubs an argument vector (e.g. a decoder command line about to be
// stored in a camera_debug record) element by element.
func Argv(args []string) []string {
	return Lines(args)
}
