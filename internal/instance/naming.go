// Package instance validates canvas instance names. The name is spliced into every
// Redis key ("canvas:<instance>:events") and pub/sub channel the instance uses, and
// into snapshot blob names, so it must never carry the key separator or a pattern
// character that would let one instance's SCAN or PSUBSCRIBE match another's keys.
package instance

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLength bounds a name so it still fits a DNS label and a container hostname.
const MaxNameLength = 63

// keySeparator joins the segments of every Redis key and channel name.
const keySeparator = ":"

// patternChars are the glob metacharacters Redis honours in SCAN MATCH, KEYS and PSUBSCRIBE.
const patternChars = `*?[]\`

// NamePattern is the alphabet a name must use once the Redis-specific checks pass:
// lowercase alphanumeric with inner hyphens.
var NamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateName reports whether name can namespace a canvas instance.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("instance name cannot be empty")
	case len(name) > MaxNameLength:
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(name), MaxNameLength)
	case strings.Contains(name, keySeparator):
		return fmt.Errorf("invalid instance name '%s': contains the Redis key separator %q", name, keySeparator)
	case strings.ContainsAny(name, patternChars):
		return fmt.Errorf("invalid instance name '%s': contains a Redis pattern character (one of %s)", name, patternChars)
	case !NamePattern.MatchString(name):
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}
	return nil
}

