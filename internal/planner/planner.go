// Package planner analyses the contents of "before" and "after" flash
// images and, based on the images' differences, prepares the list of
// erase/program actions to take.
//
// The goal is to use the chip's erase capability in the most efficient
// way: erasing the smallest possible portions of the chip gives the
// highest granularity, but if many small areas need to be erased,
// erasing a larger area, even if re-writing it completely, is cheaper.
// The breakdown is at 70% of the smaller blocks inside one larger
// block.
package planner

import (
	"fmt"
	"strings"

	"github.com/bigbag/flashplan/internal/chip"
)

// ProcessingUnit is one contiguous run of equally-sized blocks that
// must be erased and/or rewritten using the named erase function.
type ProcessingUnit struct {
	BlockSize int
	Offset    int
	NumBlocks int
	Eraser    int
	Region    int
}

// End returns the first address past the unit's range.
func (pu ProcessingUnit) End() int {
	return pu.Offset + pu.BlockSize*pu.NumBlocks
}

// ActionDescriptor is the complete plan for one flashing operation: the
// ordered processing units plus the before/after image buffers. The
// buffers are borrowed from the caller; Before is updated in place by
// the executor as erases and writes succeed.
type ActionDescriptor struct {
	Units  []ProcessingUnit
	Before []byte
	After  []byte
}

// Empty reports whether the plan contains no work.
func (ad *ActionDescriptor) Empty() bool {
	return len(ad.Units) == 0
}

// String renders the unit list, one line per unit.
func (ad *ActionDescriptor) String() string {
	var b strings.Builder
	for _, pu := range ad.Units {
		fmt.Fprintf(&b, "%06x..%06x %6x x %d eraser %d\n",
			pu.Offset, pu.End()-1, pu.BlockSize, pu.NumBlocks, pu.Eraser)
	}
	return b.String()
}

// rangeMap tracks which blocks of one granularity need erasing and/or
// rewriting. limit is the number of next-finer blocks that must need
// erase before the work folds into one block of this map's parent; the
// coarsest map has no limit.
type rangeMap struct {
	blockSize  int
	limit      int
	needErase  []bool
	needChange []bool
}

// Options configures Prepare.
type Options struct {
	// DiffMode bounds the required erase coverage by the highest
	// differing offset instead of the chip size.
	DiffMode bool
	// Probe runs the dry-run controller filter over the chip's erase
	// functions before sorting them.
	Probe bool
	Logger chip.Logger
}

// Prepare compares the before and after images and builds the action
// descriptor for transforming the chip from one to the other.
//
// Blocks requiring work are first identified at the finest erase
// granularity. Wherever enough of the smaller blocks inside one larger
// block need erasing, the larger block takes over and the nested
// smaller ones are dropped. The surviving blocks, coalesced into
// maximal contiguous runs per granularity, become the processing units.
func Prepare(dev chip.Device, geom *chip.Geometry, before, after []byte, opts Options) (*ActionDescriptor, error) {
	log := opts.Logger
	if log == nil {
		log = chip.NopLogger{}
	}
	chipSize := geom.TotalSize
	if len(before) != chipSize || len(after) != chipSize {
		return nil, fmt.Errorf("image size %d/%d does not match chip size %d",
			len(before), len(after), chipSize)
	}

	// Find the maximum offset which might have to be erased; some erase
	// functions only cover part of the chip starting at offset zero,
	// and must not be picked if the work reaches past their range.
	eraseSize := chipSize
	if opts.DiffMode {
		eraseSize = 0
		for i := 0; i < chipSize; i++ {
			if before[i] != after[i] {
				eraseSize = i + 1
			}
		}
	}

	sorted, err := SortErasers(dev, geom, eraseSize, opts.Probe, log)
	if err != nil {
		return nil, err
	}

	maps := makeRangeMaps(geom, sorted)
	markFinest(maps[0], before, after, geom.ErasedValue)
	foldRangeMaps(maps)

	ad := &ActionDescriptor{Before: before, After: after}
	emitUnits(ad, maps, sorted)

	log.Debugf("action descriptor:\n%s", ad)
	return ad, nil
}

func makeRangeMaps(geom *chip.Geometry, sorted []SortedEraser) []*rangeMap {
	maps := make([]*rangeMap, len(sorted))
	for i, e := range sorted {
		blockSize := geom.Region(e.Eraser, e.Region).BlockSize
		numBlocks := geom.TotalSize / blockSize
		m := &rangeMap{
			blockSize:  blockSize,
			limit:      -1,
			needErase:  make([]bool, numBlocks),
			needChange: make([]bool, numBlocks),
		}
		// No way to consolidate the largest blocks any further, so the
		// limit exists for all block sizes but the last. The rule of
		// thumb: once 70% or more of the smaller blocks need erasing,
		// move to the larger size.
		if i < len(sorted)-1 {
			larger := geom.Region(sorted[i+1].Eraser, sorted[i+1].Region).BlockSize
			m.limit = larger / blockSize * 7 / 10
		}
		maps[i] = m
	}
	return maps
}

// markFinest fills the smallest-block-size map from the byte-level
// difference between the two images. A byte already at the erased value
// needs no physical erase; a byte whose target is the erased value
// needs no write.
func markFinest(m *rangeMap, before, after []byte, erasedValue byte) {
	for i := 0; i < len(before); i++ {
		if before[i] == after[i] {
			continue
		}
		block := i / m.blockSize
		if before[i] != erasedValue {
			m.needErase[block] = true
		}
		if after[i] != erasedValue {
			m.needChange[block] = true
		}
		if m.needErase[block] && m.needChange[block] {
			// Nothing left to learn about this block.
			i = (block+1)*m.blockSize - 1
		}
	}
}

// foldRangeMaps propagates work from the finest map upward wherever
// enough smaller blocks are marked, then clears the finer marks nested
// inside every larger block that won the promotion.
func foldRangeMaps(maps []*rangeMap) {
	for i := 1; i < len(maps); i++ {
		m, lower := maps[i], maps[i-1]
		mult := m.blockSize / lower.blockSize

		for block := range m.needErase {
			eraseMarked := 0
			changeMarked := 0
			for j := block * mult; j < (block+1)*mult; j++ {
				if lower.needErase[j] {
					eraseMarked++
				}
				if lower.needChange[j] {
					changeMarked++
				}
			}
			if eraseMarked > lower.limit {
				m.needErase[block] = true
				m.needChange[block] = changeMarked > 0
			}
		}
	}

	// Erasing an encompassing block erases all nested blocks of all
	// smaller sizes; those must not be processed individually any more.
	for i := len(maps) - 1; i > 0; i-- {
		for block, marked := range maps[i].needErase {
			if marked {
				clearAllNested(maps, block, i)
			}
		}
	}
}

// clearAllNested unmarks every block of every finer granularity falling
// inside block blockIndex of maps[level]. level is at least 1.
func clearAllNested(maps []*rangeMap, blockIndex, level int) {
	upper, lower := maps[level], maps[level-1]
	start := upper.blockSize * blockIndex
	end := start + upper.blockSize

	for j := start / lower.blockSize; j < end/lower.blockSize; j++ {
		lower.needErase[j] = false
		lower.needChange[j] = false
		if level > 1 {
			clearAllNested(maps, j, level-1)
		}
	}
}

// emitUnits scans each map in ascending granularity order and turns
// every maximal run of marked blocks into one processing unit.
func emitUnits(ad *ActionDescriptor, maps []*rangeMap, sorted []SortedEraser) {
	for i, m := range maps {
		run := 0
		flush := func(j int) {
			if run == 0 {
				return
			}
			ad.Units = append(ad.Units, ProcessingUnit{
				BlockSize: m.blockSize,
				Offset:    (j - run) * m.blockSize,
				NumBlocks: run,
				Eraser:    sorted[i].Eraser,
				Region:    sorted[i].Region,
			})
			run = 0
		}
		for j := range m.needErase {
			if m.needErase[j] || m.needChange[j] {
				run++
				continue
			}
			flush(j)
		}
		flush(len(m.needErase))
	}
}
