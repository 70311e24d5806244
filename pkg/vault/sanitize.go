package vault

import (
	"fmt"
	"regexp"
	"strings"
)

// safeSegment matches a value that is already a safe filesystem path
// segment and needs no rewriting.
var safeSegment = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// SanitizePathSegment maps an untrusted identifier (account hash, bundle
// ID, version) to a filesystem-safe path segment. A value that already
// matches [A-Za-z0-9._-]+ is returned unchanged; otherwise every
// non-conforming rune is replaced with '_'. Empty, ".", and ".." are
// rejected both before and after rewriting.
func SanitizePathSegment(value, label string) (string, error) {
	if value == "" || value == "." || value == ".." {
		return "", fmt.Errorf("Invalid %s", label)
	}
	if safeSegment.MatchString(value) {
		return value, nil
	}
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "", fmt.Errorf("Invalid %s", label)
	}
	return out, nil
}
