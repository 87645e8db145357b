package planner

import (
	"fmt"

	"github.com/bigbag/flashplan/internal/chip"
)

// SortedEraser is an index pair into a chip's erase-function/region
// table, one entry of the resolver's output.
type SortedEraser struct {
	Eraser int
	Region int
}

// NoEraserError reports a chip descriptor that declares no erase
// function usable for the requested coverage, not even as a fallback.
type NoEraserError struct {
	Vendor string
	Name   string
}

func (e *NoEraserError) Error() string {
	return fmt.Sprintf("no erasers found for this chip (%s:%s)", e.Vendor, e.Name)
}

// SortErasers prepares the list of erase functions usable to erase up
// to eraseSize bytes into the chip, sorted by block size from lower to
// higher. Erase functions whose region tables never reach eraseSize are
// skipped, but the one with the largest raw coverage is remembered: if
// nothing qualifies, that single entry is returned as a best-effort
// fallback (some autodetected chip descriptions do not cover their full
// address space). Duplicate block sizes keep the first-seen function.
//
// When probe is set, each erase function is first validated against the
// device in dry-run mode across the whole chip and dropped if the bus
// controller rejects its command.
func SortErasers(dev chip.Device, geom *chip.Geometry, eraseSize int, probe bool, log chip.Logger) ([]SortedEraser, error) {
	if log == nil {
		log = chip.NopLogger{}
	}

	allowed := make([]bool, len(geom.Erasers))
	for k := range geom.Erasers {
		allowed[k] = len(geom.Erasers[k].Regions) > 0
	}
	if probe {
		// Some bus controllers restrict the erase opcodes the host may
		// issue even though the chip supports them. Keep only the
		// functions the controller accepts.
		for k := range geom.Erasers {
			if !allowed[k] {
				continue
			}
			if err := dev.Erase(k, 0, geom.TotalSize, chip.DryRun); err != nil {
				log.Debugf("dropped eraser %d: %v", k, err)
				allowed[k] = false
			} else {
				log.Debugf("kept eraser %d", k)
			}
		}
	}

	var sorted []SortedEraser
	fallback := struct {
		maxTotal int
		eraser   int
		region   int
	}{}

	for k, fn := range geom.Erasers {
		if !allowed[k] {
			continue
		}

		// Find the first region whose coverage reaches the required
		// offset; track the best-covering region seen otherwise.
		region := -1
		for n, reg := range fn.Regions {
			total := reg.BlockSize * reg.Count
			if total >= eraseSize {
				region = n
				break
			}
			if total > fallback.maxTotal {
				fallback.maxTotal = total
				fallback.eraser = k
				fallback.region = n
			}
		}
		if region < 0 {
			// This function cannot erase far enough into the chip.
			continue
		}

		blockSize := fn.Regions[region].BlockSize
		pos := len(sorted)
		dup := false
		for m, e := range sorted {
			oldSize := geom.Region(e.Eraser, e.Region).BlockSize
			if oldSize < blockSize {
				continue
			}
			if oldSize == blockSize {
				dup = true
			}
			pos = m
			break
		}
		if dup {
			continue
		}
		sorted = append(sorted, SortedEraser{})
		copy(sorted[pos+1:], sorted[pos:])
		sorted[pos] = SortedEraser{Eraser: k, Region: region}
	}

	if len(sorted) > 0 {
		log.Debugf("found %d valid erasers", len(sorted))
		return sorted, nil
	}

	if fallback.maxTotal == 0 {
		return nil, &NoEraserError{Vendor: geom.Vendor, Name: geom.Name}
	}

	log.Warnf("using fallback eraser: function %d region %d, total %#x vs %#x",
		fallback.eraser, fallback.region, fallback.maxTotal, eraseSize)
	return []SortedEraser{{Eraser: fallback.eraser, Region: fallback.region}}, nil
}
