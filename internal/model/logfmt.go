package model

// MaxLogValue bounds string values written to log attributes.
const MaxLogValue = 2000

// logSnip marks a truncated log value.
const logSnip = "[...]"

// Truncate shortens s to at most MaxLogValue bytes for logging, marking
// the cut. Agent payloads can carry whole result files.
func Truncate(s string) string {
	if len(s) <= MaxLogValue {
		return s
	}
	return s[:MaxLogValue] + logSnip
}
