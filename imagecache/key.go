package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// ErrInvalidDependency rejects dependency names that cannot be written to
// an install manifest safely.
var ErrInvalidDependency = errors.New("invalid dependency")

const maxDependencyLength = 214

// Key identifies a cached image. It is the hex sha256 of the language, the
// base image and the normalized dependency list.
type Key string

// KeyFor derives the cache key. Dependency order and duplicates do not
// affect the result.
func KeyFor(language, baseImage string, deps []string) Key {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(language)))
	h.Write([]byte{0})
	h.Write([]byte(baseImage))
	h.Write([]byte{0})
	for _, dep := range NormalizeDependencies(deps) {
		h.Write([]byte(dep))
		h.Write([]byte{0})
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Short returns a prefix suitable for log lines.
func (k Key) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// NormalizeDependencies trims, sorts and deduplicates deps.
func NormalizeDependencies(deps []string) []string {
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if dep = strings.TrimSpace(dep); dep != "" {
			out = append(out, dep)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ValidateDependencies rejects names that would be interpreted as more than
// one package or as an installer flag.
func ValidateDependencies(deps []string) error {
	for _, dep := range NormalizeDependencies(deps) {
		if len(dep) > maxDependencyLength {
			return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidDependency, dep[:32]+"...", maxDependencyLength)
		}
		if strings.HasPrefix(dep, "-") {
			return fmt.Errorf("%w: %q looks like an option", ErrInvalidDependency, dep)
		}
		if strings.IndexFunc(dep, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
			return fmt.Errorf("%w: %q contains whitespace", ErrInvalidDependency, dep)
		}
	}
	return nil
}
