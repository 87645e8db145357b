package chip

import (
	"fmt"
)

// Range is a half-open address range [Start, End).
type Range struct {
	Start int
	End   int
}

func (r Range) overlaps(start, length int) bool {
	return start < r.End && start+length > r.Start
}

// EraseOp records one erase call made against a MemDevice.
type EraseOp struct {
	Eraser int
	Addr   int
	Len    int
}

// MemDevice is a RAM-backed chip used by tests and by the dummy
// programmer. It honors the descriptor's erased value, can simulate
// write-protected ranges and controller-rejected erase functions, and
// keeps counters so tests can assert on the operations performed.
type MemDevice struct {
	geom *Geometry
	data []byte

	// Protected ranges make erase/write return ErrAccessDenied.
	Protected []Range
	// ReadProtected ranges make Read return ErrAccessDenied.
	ReadProtected []Range
	// RejectErasers simulates a bus controller that refuses the opcode
	// of the given eraser indices, in dry-run probes and live calls.
	RejectErasers map[int]bool

	Reads  int
	Writes int
	Erases []EraseOp
}

// NewMemDevice creates a memory device for the descriptor with all
// content in the erased state.
func NewMemDevice(geom *Geometry) *MemDevice {
	data := make([]byte, geom.TotalSize)
	for i := range data {
		data[i] = geom.ErasedValue
	}
	return &MemDevice{geom: geom, data: data}
}

// Geometry returns the chip descriptor backing the device.
func (d *MemDevice) Geometry() *Geometry {
	return d.geom
}

// Content returns the device's backing buffer. Tests may modify it
// directly to set up chip state.
func (d *MemDevice) Content() []byte {
	return d.data
}

func (d *MemDevice) checkBounds(addr, length int) error {
	if addr < 0 || length < 0 || addr+length > len(d.data) {
		return fmt.Errorf("range 0x%x+0x%x outside chip size 0x%x", addr, length, len(d.data))
	}
	return nil
}

func (d *MemDevice) checkProtected(addr, length int) error {
	for _, r := range d.Protected {
		if r.overlaps(addr, length) {
			return fmt.Errorf("range 0x%x-0x%x protected: %w", r.Start, r.End-1, ErrAccessDenied)
		}
	}
	return nil
}

// Read fills buf from the backing buffer.
func (d *MemDevice) Read(addr int, buf []byte) error {
	if err := d.checkBounds(addr, len(buf)); err != nil {
		return err
	}
	for _, r := range d.ReadProtected {
		if r.overlaps(addr, len(buf)) {
			return fmt.Errorf("range 0x%x-0x%x read-protected: %w", r.Start, r.End-1, ErrAccessDenied)
		}
	}
	d.Reads++
	copy(buf, d.data[addr:addr+len(buf)])
	return nil
}

// Write copies data into the backing buffer, clearing bits the way a
// real program operation would when the chip programs at bit
// granularity.
func (d *MemDevice) Write(addr int, data []byte) error {
	if err := d.checkBounds(addr, len(data)); err != nil {
		return err
	}
	if err := d.checkProtected(addr, len(data)); err != nil {
		return err
	}
	d.Writes++
	if d.geom.Gran == Gran1Bit && d.geom.ErasedValue == 0xFF {
		for i, b := range data {
			d.data[addr+i] &= b
		}
		return nil
	}
	copy(d.data[addr:], data)
	return nil
}

// Erase sets [addr, addr+length) to the erased value. The range must be
// aligned to the eraser's block size. DryRun reports the simulated
// controller verdict without modifying content.
func (d *MemDevice) Erase(eraser int, addr, length int, mode ProbeMode) error {
	if eraser < 0 || eraser >= len(d.geom.Erasers) {
		return fmt.Errorf("no erase function %d", eraser)
	}
	if d.RejectErasers[eraser] {
		return fmt.Errorf("eraser %d rejected by controller: %w", eraser, ErrAccessDenied)
	}
	if mode == DryRun {
		return nil
	}
	if err := d.checkBounds(addr, length); err != nil {
		return err
	}
	blockSize := d.geom.Erasers[eraser].Regions[0].BlockSize
	if addr%blockSize != 0 || length%blockSize != 0 {
		return fmt.Errorf("erase range 0x%x+0x%x not aligned to block size 0x%x", addr, length, blockSize)
	}
	if err := d.checkProtected(addr, length); err != nil {
		return err
	}
	d.Erases = append(d.Erases, EraseOp{Eraser: eraser, Addr: addr, Len: length})
	for i := addr; i < addr+length; i++ {
		d.data[i] = d.geom.ErasedValue
	}
	return nil
}
