package types

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// PlatformArch identifies the operating system and pointer width an artifact
// was built for. ArchAny is the wildcard used by platform-independent
// (source) distributions.
type PlatformArch int

const (
	ArchUnknown PlatformArch = iota
	ArchWindowsX32
	ArchWindowsX64
	ArchLinuxX32
	ArchLinuxX64
	ArchAndroid
	ArchAny
)

var platformNames = map[PlatformArch]string{
	ArchUnknown:    "unknown",
	ArchWindowsX32: "windows-x32",
	ArchWindowsX64: "windows-x64",
	ArchLinuxX32:   "linux-x32",
	ArchLinuxX64:   "linux-x64",
	ArchAndroid:    "android",
	ArchAny:        "any",
}

// KnownPlatforms lists every concrete platform plus ArchAny, in declaration order.
var KnownPlatforms = []PlatformArch{
	ArchWindowsX32,
	ArchWindowsX64,
	ArchLinuxX32,
	ArchLinuxX64,
	ArchAndroid,
	ArchAny,
}

// ParsePlatformArch parses a registry platform string such as "linux-x64".
// Matching is case-insensitive. Unrecognized strings, including "unknown",
// are rejected.
func ParsePlatformArch(s string) (PlatformArch, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, p := range KnownPlatforms {
		if platformNames[p] == key {
			return p, nil
		}
	}
	return ArchUnknown, fmt.Errorf("%w: platform %q", ErrInvalidIdentifier, s)
}

func (p PlatformArch) String() string {
	if name, ok := platformNames[p]; ok {
		return name
	}
	return platformNames[ArchUnknown]
}

// Ptr returns a pointer to a copy of p, for filling DependencyRequest.Arch.
func (p PlatformArch) Ptr() *PlatformArch {
	return &p
}

// FromEnvironment returns the platform of the running process. It never
// fails: hosts fdm has no artifacts for map to ArchUnknown so that offline
// and explicit-arch workflows keep working.
func FromEnvironment() PlatformArch {
	return platformFor(runtime.GOOS, strconv.IntSize)
}

func platformFor(goos string, bits int) PlatformArch {
	switch goos {
	case "android":
		return ArchAndroid
	case "windows":
		switch bits {
		case 32:
			return ArchWindowsX32
		case 64:
			return ArchWindowsX64
		}
	case "linux":
		switch bits {
		case 32:
			return ArchLinuxX32
		case 64:
			return ArchLinuxX64
		}
	}
	return ArchUnknown
}

// FromOSArch resolves an explicit operating system / architecture override,
// as given on the command line for cross-compiling. Both values must be set
// or both empty; when both are empty the host platform is returned.
func FromOSArch(goos, arch string) (PlatformArch, error) {
	goos = strings.ToLower(strings.TrimSpace(goos))
	arch = strings.ToLower(strings.TrimSpace(arch))

	switch {
	case goos == "" && arch == "":
		return FromEnvironment(), nil
	case goos == "" || arch == "":
		return ArchUnknown, fmt.Errorf("%w: operating system and architecture must be given together", ErrInvalidIdentifier)
	}

	var bits int
	switch arch {
	case "x32", "x86", "i386", "386", "32":
		bits = 32
	case "x64", "x86_64", "x86-64", "amd64", "64":
		bits = 64
	default:
		return ArchUnknown, fmt.Errorf("%w: architecture %q", ErrInvalidIdentifier, arch)
	}

	p := platformFor(goos, bits)
	if p == ArchUnknown {
		return ArchUnknown, fmt.Errorf("%w: operating system %q", ErrInvalidIdentifier, goos)
	}
	return p, nil
}
