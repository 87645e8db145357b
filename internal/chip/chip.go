// Package chip describes flash chips and the capability surface the
// planner and executor need from them: geometry (erase functions and
// their block regions), the erased byte value, write granularity, and a
// device interface for read/write/erase primitives.
package chip

import (
	"errors"
	"fmt"
)

// ErrAccessDenied is returned by device primitives when the controller
// or a write-protect range refuses the operation. It is the only
// recoverable primitive failure: callers may treat it as a soft no-op
// depending on policy.
var ErrAccessDenied = errors.New("access denied")

// ProbeMode selects whether an erase primitive actually touches the
// hardware or only asks the bus controller for its accept/reject
// verdict.
type ProbeMode int

const (
	// Live performs the real erase transaction.
	Live ProbeMode = iota
	// DryRun validates the command against the controller without
	// executing it. Devices must not modify any content in this mode.
	DryRun
)

// Gran describes how finely chip content can be reprogrammed without an
// erase cycle.
type Gran int

const (
	// Gran1Bit: program operations may clear any bit (typical SPI NOR).
	Gran1Bit Gran = iota
	// Gran1Byte: any byte currently in the erased state may be written.
	Gran1Byte
	Gran128Bytes
	Gran256Bytes
	Gran264Bytes
	Gran512Bytes
	Gran528Bytes
	Gran1024Bytes
	Gran1056Bytes
	// Gran1ByteImplicitErase: writes are unconditionally safe, the chip
	// erases internally (EEPROM-style parts).
	Gran1ByteImplicitErase
)

// Stride returns the write chunk size for the granularity, in bytes.
func (g Gran) Stride() int {
	switch g {
	case Gran1Bit, Gran1Byte, Gran1ByteImplicitErase:
		return 1
	case Gran128Bytes:
		return 128
	case Gran256Bytes:
		return 256
	case Gran264Bytes:
		return 264
	case Gran512Bytes:
		return 512
	case Gran528Bytes:
		return 528
	case Gran1024Bytes:
		return 1024
	case Gran1056Bytes:
		return 1056
	}
	return 0
}

func (g Gran) String() string {
	switch g {
	case Gran1Bit:
		return "1bit"
	case Gran1Byte:
		return "1byte"
	case Gran1ByteImplicitErase:
		return "1byte-implicit-erase"
	}
	if s := g.Stride(); s > 0 {
		return fmt.Sprintf("%dbytes", s)
	}
	return fmt.Sprintf("gran(%d)", int(g))
}

// EraseRegion is one (block size, block count) span covered by an erase
// function. A single erase command may expose several non-uniform
// regions on some chips.
type EraseRegion struct {
	BlockSize int
	Count     int
}

// EraseFunc is one native erase command of a chip: the regions it can
// operate on plus the SPI opcode drivers use to issue it. Opcode is
// opaque to the planner and executor.
type EraseFunc struct {
	Regions []EraseRegion
	Opcode  byte
}

// Geometry is the static descriptor of a flash chip, the pure data the
// core consumes. Erasers are indexed by position; planner output refers
// back to these indices.
type Geometry struct {
	Vendor      string
	Name        string
	JEDECID     uint32
	TotalSize   int
	PageSize    int
	ErasedValue byte
	Gran        Gran
	Erasers     []EraseFunc
}

// Region returns the region table entry for an eraser/region index pair.
func (g *Geometry) Region(eraser, region int) EraseRegion {
	return g.Erasers[eraser].Regions[region]
}

// Device is the narrow capability surface a chip driver provides to the
// core. All primitives are blocking and single-threaded; addresses are
// offsets from the chip base.
type Device interface {
	// Read fills buf with chip content starting at addr.
	Read(addr int, buf []byte) error
	// Write programs data at addr. The range is expected to be in a
	// writable state per the chip's write granularity.
	Write(addr int, data []byte) error
	// Erase runs the chip's erase function with the given index over
	// [addr, addr+length). In DryRun mode it must report the
	// controller's verdict without touching the chip.
	Erase(eraser int, addr, length int, mode ProbeMode) error
}
