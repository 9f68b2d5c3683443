package storage

import (
	"fmt"
	"strings"
)

// Sanitize maps a DID to a filesystem-safe, collision-free directory name.
// Characters in [A-Za-z0-9.-] pass through unchanged; every other byte
// (including a literal underscore, so that an escape sequence can never be
// confused with one) is replaced by "_XX_" where XX is its lowercase hex
// byte value. This keeps two DIDs that differ only in characters outside
// the safe set from ever sanitizing to the same name — e.g. "did:web:
// example.com" and "did:web:example_com" sanitize to "did_3a_web_3a_
// example.com" and "did_3a_web_3a_example_5f_com" respectively.
func Sanitize(did string) string {
	var b strings.Builder
	b.Grow(len(did))
	for i := 0; i < len(did); i++ {
		c := did[i]
		if isSanitizeSafe(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "_%02x_", c)
	}
	return b.String()
}

func isSanitizeSafe(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '-':
		return true
	default:
		return false
	}
}
