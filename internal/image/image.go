// Package image loads chip images from raw binaries or Intel HEX files
// into flat buffers sized to the target chip.
package image

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sigurn/crc16"
	"github.com/unixdj/ihex"
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Load reads the file at path into a buffer of exactly size bytes.
// Files ending in .hex or .ihex are parsed as Intel HEX with address
// gaps filled by gapFill; anything else is treated as a raw binary,
// which must not exceed size and is padded with gapFill at the top.
func Load(path string, size int, gapFill byte) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		return loadHex(f, size, gapFill)
	}
	return loadRaw(f, size, gapFill)
}

func loadRaw(f *os.File, size int, gapFill byte) ([]byte, error) {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = gapFill
	}
	switch _, err := io.ReadFull(f, buf); err {
	case nil:
		// Buffer filled exactly; anything left over does not fit.
		var extra [1]byte
		if m, _ := f.Read(extra[:]); m > 0 {
			return nil, fmt.Errorf("image larger than chip size %d", size)
		}
	case io.ErrUnexpectedEOF, io.EOF:
		// Smaller image, padded with gapFill.
	default:
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return buf, nil
}

func loadHex(f *os.File, size int, gapFill byte) ([]byte, error) {
	r, err := ihex.NewPadReader(f, ihex.FormatAuto, int64(size), gapFill)
	if err != nil {
		return nil, fmt.Errorf("failed to parse hex image: %w", err)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("hex image does not fit chip size %d: %w", size, err)
	}
	// The address space must not extend past the chip.
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m > 0 {
		return nil, fmt.Errorf("hex image larger than chip size %d", size)
	}
	return buf, nil
}

// Fingerprint returns the CRC-16/CCITT-FALSE checksum of an image,
// printed next to transfer summaries so two runs can be compared at a
// glance.
func Fingerprint(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
