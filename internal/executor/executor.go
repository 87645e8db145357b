// Package executor walks an action descriptor against a physical
// device: per processing unit it decides whether an erase is needed at
// the chip's write granularity, erases if so, then programs only the
// spans that actually differ, with optional read-back verification.
package executor

import (
	"errors"
	"fmt"

	"github.com/bigbag/flashplan/internal/chip"
	"github.com/bigbag/flashplan/internal/planner"
)

// HardwareError is a fatal primitive failure during execution. Once one
// occurs after destructive work has started, the chip must be treated
// as being in an unknown state until read back and compared.
type HardwareError struct {
	Op   string
	Addr int
	Len  int
	Err  error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("%s failed at 0x%06x+0x%x: %v", e.Op, e.Addr, e.Len, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

// ProgressFunc reports blocks processed out of the plan's total.
type ProgressFunc func(done, total int)

type config struct {
	paranoid     bool
	ignoreAccess bool
	logger       chip.Logger
	progress     ProgressFunc
}

// Option configures Execute and Verify.
type Option func(*config)

// WithParanoid adds read-back verification immediately after every
// erase and after every write into a block that was not erased first.
// Slower, but catches write-protected sub-ranges as they are hit.
func WithParanoid() Option {
	return func(c *config) { c.paranoid = true }
}

// WithIgnoreAccessErrors turns access-denied primitive failures into
// soft no-ops instead of aborting the operation.
func WithIgnoreAccessErrors() Option {
	return func(c *config) { c.ignoreAccess = true }
}

// WithLogger sets the logger for execution progress and failures.
func WithLogger(l chip.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithProgress sets a callback invoked after each processed block.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) { c.progress = fn }
}

func newConfig(opts []Option) *config {
	c := &config{logger: chip.NopLogger{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute walks the descriptor's processing units block by block,
// erasing and writing as needed. The descriptor's Before buffer is
// updated in place to track the chip's current content as operations
// succeed.
//
// Access-denied failures are soft when the ignore policy is set; any
// other primitive failure aborts immediately and the returned error
// wraps a HardwareError.
func Execute(dev chip.Device, geom *chip.Geometry, ad *planner.ActionDescriptor, opts ...Option) error {
	cfg := newConfig(opts)

	total := 0
	for _, pu := range ad.Units {
		total += pu.NumBlocks
	}

	done := 0
	for _, pu := range ad.Units {
		for base := pu.Offset; base < pu.End(); base += pu.BlockSize {
			err := eraseAndWriteBlock(dev, geom, ad, pu, base, cfg)
			if err != nil {
				if errors.Is(err, chip.ErrAccessDenied) && cfg.ignoreAccess {
					cfg.logger.Debugf("0x%06x-0x%06x: denied, ignored",
						base, base+pu.BlockSize-1)
				} else {
					return err
				}
			}
			done++
			if cfg.progress != nil {
				cfg.progress(done, total)
			}
		}
	}
	return nil
}

// eraseAndWriteBlock processes one erase-block-sized range: erase when
// the write granularity demands it, then program the differing spans.
func eraseAndWriteBlock(dev chip.Device, geom *chip.Geometry, ad *planner.ActionDescriptor,
	pu planner.ProcessingUnit, base int, cfg *config) error {

	cur := ad.Before[base : base+pu.BlockSize]
	want := ad.After[base : base+pu.BlockSize]
	erased := false

	if NeedErase(cur, want, geom.Gran, geom.ErasedValue) {
		if err := dev.Erase(pu.Eraser, base, pu.BlockSize, chip.Live); err != nil {
			if errors.Is(err, chip.ErrAccessDenied) {
				return err
			}
			return &HardwareError{Op: "erase", Addr: base, Len: pu.BlockSize, Err: err}
		}
		if cfg.paranoid {
			if err := checkErasedRange(dev, geom, base, pu.BlockSize, cfg); err != nil {
				return &HardwareError{Op: "erase", Addr: base, Len: pu.BlockSize, Err: err}
			}
		}
		// Erase was successful, adjust the current content model.
		for i := range cur {
			cur[i] = geom.ErasedValue
		}
		erased = true
		cfg.logger.Debugf("0x%06x-0x%06x: erased", base, base+pu.BlockSize-1)
	}

	wrote := false
	start := 0
	for {
		spanStart, spanLen := nextWriteSpan(cur, want, start, geom.Gran)
		if spanLen == 0 {
			break
		}
		if err := dev.Write(base+spanStart, want[spanStart:spanStart+spanLen]); err != nil {
			if errors.Is(err, chip.ErrAccessDenied) {
				return err
			}
			return &HardwareError{Op: "write", Addr: base + spanStart, Len: spanLen, Err: err}
		}

		// If the block was just erased successfully we know we did not
		// run into a write-protected area. Otherwise each span has to
		// be read back to catch protected sub-ranges early.
		if cfg.paranoid && !erased {
			err := verifyRange(dev, geom, want[spanStart:spanStart+spanLen],
				base+spanStart, spanLen, cfg)
			if err != nil {
				return err
			}
		}

		copy(cur[spanStart:spanStart+spanLen], want[spanStart:spanStart+spanLen])
		wrote = true
		start = spanStart + spanLen
	}

	if !erased && !wrote {
		cfg.logger.Debugf("0x%06x-0x%06x: skipped", base, base+pu.BlockSize-1)
	}
	return nil
}

// NeedErase reports whether cur can be turned into want without an
// erase cycle, given the chip's write granularity. Bit granularity only
// needs an erase when a desired bit is not a subset of the current
// bits; byte granularity when a differing byte is not in the erased
// state; page granularities apply the byte rule to whole pages that
// differ; implicit-erase chips never need one.
func NeedErase(cur, want []byte, gran chip.Gran, erasedValue byte) bool {
	switch gran {
	case chip.Gran1Bit:
		for i := range cur {
			if cur[i]&want[i] != want[i] {
				return true
			}
		}
		return false
	case chip.Gran1Byte:
		for i := range cur {
			if cur[i] != want[i] && cur[i] != erasedValue {
				return true
			}
		}
		return false
	case chip.Gran1ByteImplicitErase:
		return false
	}

	pageSize := gran.Stride()
	for off := 0; off < len(cur); off += pageSize {
		end := min(off+pageSize, len(cur))
		if pageMatches(cur[off:end], want[off:end]) {
			continue
		}
		for i := off; i < end; i++ {
			if cur[i] != erasedValue {
				return true
			}
		}
	}
	return false
}

func pageMatches(cur, want []byte) bool {
	for i := range cur {
		if cur[i] != want[i] {
			return false
		}
	}
	return true
}

// nextWriteSpan finds the first maximal run of write-granularity chunks
// at or after start where cur and want differ. Returns the span's start
// offset and length; a zero length means nothing left to write.
func nextWriteSpan(cur, want []byte, start int, gran chip.Gran) (int, int) {
	stride := gran.Stride()
	if stride == 0 {
		return 0, 0
	}

	spanStart := -1
	end := start
	for off := start; off < len(cur); off += stride {
		limit := min(off+stride, len(cur))
		if pageMatches(cur[off:limit], want[off:limit]) {
			if spanStart >= 0 {
				break
			}
			continue
		}
		if spanStart < 0 {
			spanStart = off
		}
		end = limit
	}
	if spanStart < 0 {
		return 0, 0
	}
	return spanStart, end - spanStart
}
