package util

// SafeTruncate returns at most the first maxLen bytes of s. A negative maxLen
// yields "". Codes and digests are logged through it so only a prefix is ever
// written.
func SafeTruncate(s string, maxLen int) string {
	switch {
	case maxLen <= 0:
		return ""
	case len(s) <= maxLen:
		return s
	default:
		return s[:maxLen]
	}
}
