package planner

import (
	"math/rand"
	"testing"

	"github.com/bigbag/flashplan/internal/chip"
)

const (
	smallestBlock       = 4096
	secondSmallestBlock = smallestBlock * 8
	largerBlock         = secondSmallestBlock * 2
	testChipSize        = 8 * 1024 * 1024
)

// testChip is a slightly modified W25Q64 descriptor: the smallest-block
// eraser carries a second region covering the whole chip, and the
// whole-chip eraser is declared twice.
func testChip() *chip.Geometry {
	return &chip.Geometry{
		Vendor:      "Winbond",
		Name:        "W25Q64",
		TotalSize:   testChipSize,
		PageSize:    256,
		ErasedValue: 0xFF,
		Gran:        chip.Gran1Bit,
		Erasers: []chip.EraseFunc{
			{Regions: []chip.EraseRegion{{BlockSize: smallestBlock, Count: 128}, {BlockSize: smallestBlock, Count: 2048}}},
			{Regions: []chip.EraseRegion{{BlockSize: secondSmallestBlock, Count: 256}}},
			{Regions: []chip.EraseRegion{{BlockSize: largerBlock, Count: 128}}},
			{Regions: []chip.EraseRegion{{BlockSize: testChipSize, Count: 1}}},
			{Regions: []chip.EraseRegion{{BlockSize: testChipSize, Count: 1}}},
		},
	}
}

func erasedImage(geom *chip.Geometry) []byte {
	buf := make([]byte, geom.TotalSize)
	for i := range buf {
		buf[i] = geom.ErasedValue
	}
	return buf
}

func mustPrepare(t *testing.T, geom *chip.Geometry, before, after []byte) *ActionDescriptor {
	t.Helper()
	ad, err := Prepare(chip.NewMemDevice(geom), geom, before, after, Options{DiffMode: true})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	return ad
}

func checkUnits(t *testing.T, ad *ActionDescriptor, want []ProcessingUnit) {
	t.Helper()
	if len(ad.Units) != len(want) {
		t.Fatalf("got %d units, want %d:\n%s", len(ad.Units), len(want), ad)
	}
	for i, pu := range ad.Units {
		if pu != want[i] {
			t.Errorf("unit %d = %+v, want %+v", i, pu, want[i])
		}
	}
}

func TestPrepare_WholeChipErase(t *testing.T) {
	geom := testChip()
	before := make([]byte, testChipSize) // all 0x00, fully unerased
	after := erasedImage(geom)

	ad := mustPrepare(t, geom, before, after)

	// Every finer granularity folds away; the earliest-declared
	// whole-chip eraser wins over its duplicate.
	checkUnits(t, ad, []ProcessingUnit{
		{BlockSize: testChipSize, Offset: 0, NumBlocks: 1, Eraser: 3, Region: 0},
	})
}

func TestPrepare_WholeChipErase_SwappedErasers(t *testing.T) {
	geom := testChip()
	geom.Erasers[0], geom.Erasers[4] = geom.Erasers[4], geom.Erasers[0]

	before := make([]byte, testChipSize)
	after := erasedImage(geom)

	ad := mustPrepare(t, geom, before, after)

	// Sorting is by block size, not declaration order: the two-region
	// 4 KiB eraser now lives at index 4 and the whole-chip erasers at
	// 0 and 3, the earliest of which must be picked.
	checkUnits(t, ad, []ProcessingUnit{
		{BlockSize: testChipSize, Offset: 0, NumBlocks: 1, Eraser: 0, Region: 0},
	})
}

// Corrupting 6 of every 8 smallest blocks exceeds the 70% fold
// threshold at every level and collapses the plan into one whole-chip
// erase.
func TestPrepare_FoldAboveThreshold(t *testing.T) {
	geom := testChip()
	before := erasedImage(geom)
	after := erasedImage(geom)

	for i := 0; i < testChipSize/smallestBlock; i++ {
		if i%8 < 6 {
			before[i*smallestBlock] = 0x00
		}
	}

	ad := mustPrepare(t, geom, before, after)
	checkUnits(t, ad, []ProcessingUnit{
		{BlockSize: testChipSize, Offset: 0, NumBlocks: 1, Eraser: 3, Region: 0},
	})
}

// Corrupting only 5 of every 8 smallest blocks stays at the threshold
// (strictly-greater comparison) and must not fold: 256 separate runs
// of 5 smallest blocks each.
func TestPrepare_NoFoldAtThreshold(t *testing.T) {
	geom := testChip()
	before := erasedImage(geom)
	after := erasedImage(geom)

	for i := 0; i < testChipSize/smallestBlock; i++ {
		if i%8 < 5 {
			before[i*smallestBlock] = 0x00
		}
	}

	ad := mustPrepare(t, geom, before, after)

	if len(ad.Units) != 256 {
		t.Fatalf("got %d units, want 256:\n%s", len(ad.Units), ad)
	}
	for i, pu := range ad.Units {
		want := ProcessingUnit{
			BlockSize: smallestBlock,
			Offset:    i * secondSmallestBlock,
			NumBlocks: 5,
			Eraser:    0,
			Region:    1,
		}
		if pu != want {
			t.Fatalf("unit %d = %+v, want %+v", i, pu, want)
		}
	}
}

func TestPrepare_SmallestErase(t *testing.T) {
	geom := testChip()
	before := erasedImage(geom)
	after := erasedImage(geom)
	before[0] = 0x00

	// With the damage at offset zero the first, smaller region of the
	// 4 KiB eraser already covers the required range.
	ad := mustPrepare(t, geom, before, after)
	checkUnits(t, ad, []ProcessingUnit{
		{BlockSize: smallestBlock, Offset: 0, NumBlocks: 1, Eraser: 0, Region: 0},
	})

	before[0] = 0xFF
	before[testChipSize/2] = 0x00

	ad = mustPrepare(t, geom, before, after)
	checkUnits(t, ad, []ProcessingUnit{
		{BlockSize: smallestBlock, Offset: testChipSize / 2, NumBlocks: 1, Eraser: 0, Region: 1},
	})
}

// Mixed scenario exercising all granularities at once: isolated small
// runs stay small, 6-of-8 corruption folds to 32 KiB, two adjacent
// folded 32 KiB blocks fold again to 64 KiB, and large sparse damage
// splits into a 32 KiB unit plus leftover 4 KiB runs.
func TestPrepare_AssortedSizes(t *testing.T) {
	geom := testChip()
	before := erasedImage(geom)
	after := erasedImage(geom)

	// Five smallest blocks at the bottom.
	for i := 0; i < 5; i++ {
		before[i*smallestBlock+i] = 0x00
	}

	// Two groups of 5-of-8 at 1 MiB: below the threshold, no folding.
	for j := 0; j < 2; j++ {
		for k := 3; k < secondSmallestBlock/smallestBlock; k++ {
			before[0x100000+j*secondSmallestBlock+k*smallestBlock+j+k] = 0x00
		}
	}

	// Two adjacent groups of 6-of-8 at 2 MiB: both fold to 32 KiB,
	// which in turn folds to one 64 KiB block.
	for j := 2; j < 4; j++ {
		for k := 2; k < secondSmallestBlock/smallestBlock; k++ {
			before[0x200000+j*secondSmallestBlock+k*smallestBlock+j+k] = 0x00
		}
	}

	// Sparse 32 KiB-sized damage at 6 MiB.
	for j := 0; j < 2; j++ {
		for k := 2; k < 4; k++ {
			start := 0x600000 + j*largerBlock + k*smallestBlock + j + k
			for i := 0; i < smallestBlock*8; i++ {
				before[start+i] = 0x00
			}
		}
	}

	ad := mustPrepare(t, geom, before, after)
	checkUnits(t, ad, []ProcessingUnit{
		{BlockSize: 0x1000, Offset: 0x0, NumBlocks: 5, Eraser: 0, Region: 1},
		{BlockSize: 0x1000, Offset: 0x103000, NumBlocks: 5, Eraser: 0, Region: 1},
		{BlockSize: 0x1000, Offset: 0x10b000, NumBlocks: 5, Eraser: 0, Region: 1},
		{BlockSize: 0x1000, Offset: 0x608000, NumBlocks: 4, Eraser: 0, Region: 1},
		{BlockSize: 0x1000, Offset: 0x618000, NumBlocks: 4, Eraser: 0, Region: 1},
		{BlockSize: 0x8000, Offset: 0x600000, NumBlocks: 1, Eraser: 1, Region: 0},
		{BlockSize: 0x8000, Offset: 0x610000, NumBlocks: 1, Eraser: 1, Region: 0},
		{BlockSize: 0x10000, Offset: 0x210000, NumBlocks: 1, Eraser: 2, Region: 0},
	})
}

func TestPrepare_Idempotent(t *testing.T) {
	geom := testChip()
	img := erasedImage(geom)
	for i := range img {
		img[i] = byte(i * 7)
	}
	other := append([]byte(nil), img...)

	ad := mustPrepare(t, geom, img, other)
	if !ad.Empty() {
		t.Errorf("identical images produced %d units:\n%s", len(ad.Units), ad)
	}
}

func TestPrepare_SizeMismatch(t *testing.T) {
	geom := testChip()
	_, err := Prepare(chip.NewMemDevice(geom), geom, make([]byte, 16), make([]byte, 16), Options{})
	if err == nil {
		t.Fatal("expected an error for undersized images")
	}
}

// Every differing byte must fall inside some unit, units must not
// overlap, and they must come out finer-granularity first with
// ascending offsets within a granularity.
func TestPrepare_CoverageAndOrderInvariants(t *testing.T) {
	geom := testChip()
	rng := rand.New(rand.NewSource(42))

	before := erasedImage(geom)
	after := erasedImage(geom)
	for n := 0; n < 200; n++ {
		start := rng.Intn(testChipSize - 8192)
		length := rng.Intn(8192)
		for i := start; i < start+length; i++ {
			before[i] = byte(rng.Intn(256))
			after[i] = byte(rng.Intn(256))
		}
	}

	ad := mustPrepare(t, geom, before, after)

	covered := func(addr int) bool {
		for _, pu := range ad.Units {
			if addr >= pu.Offset && addr < pu.End() {
				return true
			}
		}
		return false
	}
	for i := 0; i < testChipSize; i++ {
		if before[i] != after[i] && !covered(i) {
			t.Fatalf("differing byte at 0x%06x not covered by any unit", i)
		}
	}

	for i, a := range ad.Units {
		for _, b := range ad.Units[i+1:] {
			if a.Offset < b.End() && b.Offset < a.End() {
				t.Fatalf("units overlap: %+v and %+v", a, b)
			}
		}
	}

	for i := 1; i < len(ad.Units); i++ {
		prev, cur := ad.Units[i-1], ad.Units[i]
		if cur.BlockSize < prev.BlockSize {
			t.Fatalf("granularity order violated: %+v before %+v", prev, cur)
		}
		if cur.BlockSize == prev.BlockSize && cur.Offset <= prev.Offset {
			t.Fatalf("offset order violated: %+v before %+v", prev, cur)
		}
	}
}
