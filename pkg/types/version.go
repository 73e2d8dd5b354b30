package types

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Version is an exact package version: major.minor.patch with an optional
// pre-release qualifier. It is comparable and safe to use as a map key;
// registry lookups match versions by equality only.
type Version struct {
	Major int
	Minor int
	Patch int
	Pre   string
}

// ParseVersion parses a dotted version string such as "1.2.11" or
// "2.0.0-rc1". Missing minor or patch components default to zero and a leading
// "v" is accepted. Build metadata and more than three numeric components are
// rejected so that every accepted string has exactly one canonical form.
func ParseVersion(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Version{}, fmt.Errorf("%w: empty version", ErrInvalidIdentifier)
	}

	v, err := goversion.NewVersion(raw)
	if err != nil {
		return Version{}, fmt.Errorf("%w: version %q: %v", ErrInvalidIdentifier, s, err)
	}
	if v.Metadata() != "" {
		return Version{}, fmt.Errorf("%w: version %q: build metadata is not supported", ErrInvalidIdentifier, s)
	}

	segs := v.Segments()
	if len(segs) > 3 {
		return Version{}, fmt.Errorf("%w: version %q: at most three numeric components are allowed", ErrInvalidIdentifier, s)
	}

	return Version{
		Major: segs[0],
		Minor: segs[1],
		Patch: segs[2],
		Pre:   v.Prerelease(),
	}, nil
}

// MustParseVersion is like ParseVersion but panics on error. Intended for
// tests and package-level constants.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the canonical form, which ParseVersion accepts unchanged.
func (v Version) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(v.Major))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(v.Minor))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(v.Patch))
	if v.Pre != "" {
		b.WriteByte('-')
		b.WriteString(v.Pre)
	}
	return b.String()
}

// IsZero reports whether v is the zero Version.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare orders versions numerically, with a release sorting after any of
// its pre-releases. Pre-release qualifiers compare lexically. It is used for
// stable listings only; resolution never compares versions.
func (v Version) Compare(o Version) int {
	if c := cmp.Compare(v.Major, o.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Minor, o.Minor); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Patch, o.Patch); c != 0 {
		return c
	}
	switch {
	case v.Pre == o.Pre:
		return 0
	case v.Pre == "":
		return 1
	case o.Pre == "":
		return -1
	}
	return strings.Compare(v.Pre, o.Pre)
}
