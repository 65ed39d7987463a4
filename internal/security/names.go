// Package security guards user-supplied identifiers that end up in file
// names on disk.
package security

import (
	"fmt"
	"strings"
)

// maxNameLen bounds sanitized names so derived paths stay reasonable.
const maxNameLen = 128

// SanitizeFilename makes a safe filename from an arbitrary string. Any
// character other than an ASCII letter, digit, dot, underscore or dash
// becomes an underscore, repeated underscores collapse, and the result is
// trimmed of leading and trailing dots and underscores.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_':
			if !lastUnderscore {
				b.WriteRune(r)
			}
			lastUnderscore = true
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// ValidateName rejects names that would not survive SanitizeFilename
// unchanged, such as "../x" or names containing a path separator.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if got := SanitizeFilename(name); got != name {
		return fmt.Errorf("invalid name %q: use letters, digits, '.', '_' or '-' (e.g. %q)", name, got)
	}
	return nil
}
