package types

import "strings"

// Distribution is the packaging form of an artifact.
type Distribution int

const (
	DistUnknown Distribution = iota
	DistStatic
	DistShared
	DistSources
)

// ParseDistribution maps a registry or manifest tag onto a Distribution.
// "src", "source" and "sources" all mean DistSources. Tags fdm does not know
// yield DistUnknown rather than an error, so that newer registries stay
// readable.
func ParseDistribution(s string) Distribution {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "static":
		return DistStatic
	case "shared":
		return DistShared
	case "sources", "source", "src":
		return DistSources
	default:
		return DistUnknown
	}
}

func (d Distribution) String() string {
	switch d {
	case DistStatic:
		return "static"
	case DistShared:
		return "shared"
	case DistSources:
		return "sources"
	default:
		return "unknown"
	}
}

// PlatformIndependent reports whether artifacts of this distribution are
// looked up under ArchAny regardless of the requested platform.
func (d Distribution) PlatformIndependent() bool {
	return d == DistSources
}
