package validate

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// MaxLabelLen is the ext4 volume label limit in bytes.
	MaxLabelLen = 16
	// derivedLabelLen keeps generated labels short enough to read on a console.
	derivedLabelLen = 11

	FallbackLabel = "GAME"
	FallbackSlug  = "game"
)

var (
	reLabel     = regexp.MustCompile(`^[A-Z0-9_-]{1,16}$`)
	reSlug      = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	reNonAlnum  = regexp.MustCompile(`[^a-z0-9]+`)
	ErrBadLabel = errors.New("invalid filesystem label")
	ErrBadSlug  = errors.New("invalid identifier slug")
	ErrBadPath  = errors.New("path must be under an allowed root")
)

// fold strips combining marks so "Pokémon" becomes "Pokemon".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Label derives an ext4 label from a display name: uppercase ASCII alphanumerics, truncated.
func Label(name string) string {
	var b strings.Builder
	for _, r := range fold(strings.ToUpper(name)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == derivedLabelLen {
				break
			}
		}
	}
	if b.Len() == 0 {
		return FallbackLabel
	}
	return b.String()
}

// Slug derives the cart identifier from a display name.
func Slug(name string) string {
	s := fold(strings.ToLower(strings.TrimSpace(name)))
	s = reNonAlnum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return FallbackSlug
	}
	return s
}

func CheckLabel(s string) error {
	if !reLabel.MatchString(s) {
		return ErrBadLabel
	}
	return nil
}

func CheckSlug(s string) error {
	if !reSlug.MatchString(s) {
		return ErrBadSlug
	}
	return nil
}

func PathUnder(roots []string, p string) error {
	if p == "" {
		return ErrBadPath
	}
	ap := filepath.Clean(p)
	for _, r := range roots {
		rr := filepath.Clean(r)
		if ap == rr || strings.HasPrefix(ap, rr+string(filepath.Separator)) {
			return nil
		}
	}
	return ErrBadPath
}
