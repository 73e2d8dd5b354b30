package archive

import (
	"bytes"
	"io"
	"os"
	"strings"
)

// Format is an archive container/compression pair.
type Format int

const (
	FormatUnknown Format = iota
	FormatTar
	FormatTarGz
	FormatTarXz
	FormatTarZst
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	case FormatTarXz:
		return "tar.xz"
	case FormatTarZst:
		return "tar.zst"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicXz   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicZip  = []byte{'P', 'K', 0x03, 0x04}
	magicTar  = []byte("ustar")
)

// sniffLen covers the tar magic at offset 257.
const sniffLen = 262

// FormatFromName guesses the format from a file or URL path suffix.
func FormatFromName(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return FormatTarXz
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZst
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	default:
		return FormatUnknown
	}
}

// formatFromHeader identifies the format from the leading bytes of a file.
func formatFromHeader(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return FormatTarGz
	case bytes.HasPrefix(head, magicXz):
		return FormatTarXz
	case bytes.HasPrefix(head, magicZstd):
		return FormatTarZst
	case bytes.HasPrefix(head, magicZip):
		return FormatZip
	case len(head) >= sniffLen && bytes.Equal(head[257:262], magicTar):
		return FormatTar
	default:
		return FormatUnknown
	}
}

// DetectFormat reads the start of the file at path. Content wins over the
// file name; the name is consulted only when the content is not recognized.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown, err
	}

	if format := formatFromHeader(head[:n]); format != FormatUnknown {
		return format, nil
	}
	return FormatFromName(path), nil
}
