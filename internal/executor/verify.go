package executor

import (
	"errors"
	"fmt"

	"github.com/bigbag/flashplan/internal/chip"
	"github.com/bigbag/flashplan/internal/planner"
)

// VerifyError reports the first mismatch found during read-back
// comparison plus the total number of mismatching bytes in the range.
type VerifyError struct {
	Addr     int
	Expected byte
	Got      byte
	Count    int
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify failed at 0x%08x: expected 0x%02x, found 0x%02x (%d byte(s) mismatched)",
		e.Addr, e.Expected, e.Got, e.Count)
}

// Scope selects how much of the chip Verify reads back.
type Scope int

const (
	// ScopeFull reads and compares the whole chip.
	ScopeFull Scope = iota
	// ScopePartial compares only the ranges covered by the action
	// descriptor's processing units. Only valid when untouched regions
	// are known to be correct already.
	ScopePartial
)

// Verify reads chip content back and compares it against image. For
// ScopePartial a descriptor is required and only its unit ranges are
// checked. Access-denied reads are skipped under the ignore policy and
// abort the verification otherwise.
func Verify(dev chip.Device, geom *chip.Geometry, image []byte, scope Scope,
	ad *planner.ActionDescriptor, opts ...Option) error {

	cfg := newConfig(opts)
	if len(image) != geom.TotalSize {
		return fmt.Errorf("image size %d does not match chip size %d", len(image), geom.TotalSize)
	}

	if scope == ScopePartial {
		if ad == nil {
			return fmt.Errorf("partial verification requires an action descriptor")
		}
		for _, pu := range ad.Units {
			err := verifyRange(dev, geom, image[pu.Offset:pu.End()], pu.Offset,
				pu.BlockSize*pu.NumBlocks, cfg)
			if err != nil {
				return err
			}
		}
		return nil
	}

	return verifyRange(dev, geom, image, 0, geom.TotalSize, cfg)
}

// verifyRange reads [start, start+length) and compares it against cmp.
// Paranoid mode reads in page-sized chunks so errors surface early;
// otherwise the whole range is read in one transaction to reduce
// overhead.
func verifyRange(dev chip.Device, geom *chip.Geometry, cmp []byte, start, length int, cfg *config) error {
	if length == 0 {
		return fmt.Errorf("zero-length verify range at 0x%x", start)
	}
	if start+length > geom.TotalSize {
		return fmt.Errorf("verify range 0x%x+0x%x exceeds chip size 0x%x",
			start, length, geom.TotalSize)
	}

	readbuf := make([]byte, length)

	if cfg.paranoid {
		for i := 0; i < length; {
			chunk := min(geom.PageSize, length-i)
			if err := dev.Read(start+i, readbuf[i:i+chunk]); err != nil {
				if errors.Is(err, chip.ErrAccessDenied) && cfg.ignoreAccess {
					cfg.logger.Debugf("read denied at 0x%06x, skipped", start+i)
					i += chunk
					continue
				}
				return &HardwareError{Op: "read", Addr: start + i, Len: chunk, Err: err}
			}
			if verr := compareRange(cmp[i:i+chunk], readbuf[i:i+chunk], start+i); verr != nil {
				return verr
			}
			i += chunk
		}
		return nil
	}

	if err := dev.Read(start, readbuf); err != nil {
		if errors.Is(err, chip.ErrAccessDenied) && cfg.ignoreAccess {
			cfg.logger.Debugf("read denied at 0x%06x, range skipped", start)
			return nil
		}
		return &HardwareError{Op: "read", Addr: start, Len: length, Err: err}
	}
	if verr := compareRange(cmp, readbuf, start); verr != nil {
		return verr
	}
	return nil
}

// compareRange byte-compares want against got; start is the chip
// address of the first byte, used for reporting.
func compareRange(want, got []byte, start int) *VerifyError {
	var verr *VerifyError
	for i := range want {
		if want[i] != got[i] {
			if verr == nil {
				verr = &VerifyError{Addr: start + i, Expected: want[i], Got: got[i]}
			}
			verr.Count++
		}
	}
	return verr
}

// checkErasedRange confirms every byte of [start, start+length) reads
// back as the chip's erased value.
func checkErasedRange(dev chip.Device, geom *chip.Geometry, start, length int, cfg *config) error {
	cmp := make([]byte, length)
	for i := range cmp {
		cmp[i] = geom.ErasedValue
	}
	return verifyRange(dev, geom, cmp, start, length, cfg)
}
