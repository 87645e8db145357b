package flasher

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/bigbag/flashplan/internal/chip"
	"github.com/bigbag/flashplan/internal/executor"
)

func testGeom() *chip.Geometry {
	return &chip.Geometry{
		Vendor:      "Test",
		Name:        "small64k",
		TotalSize:   65536,
		PageSize:    256,
		ErasedValue: 0xFF,
		Gran:        chip.Gran1Bit,
		Erasers: []chip.EraseFunc{
			{Regions: []chip.EraseRegion{{BlockSize: 4096, Count: 16}}},
			{Regions: []chip.EraseRegion{{BlockSize: 65536, Count: 1}}},
		},
	}
}

func patternImage(geom *chip.Geometry, seed byte) []byte {
	img := make([]byte, geom.TotalSize)
	for i := range img {
		img[i] = byte(i)*3 + seed
	}
	return img
}

func TestWrite_DiffMode(t *testing.T) {
	geom := testGeom()
	dev := chip.NewMemDevice(geom)

	// Existing content on the chip.
	old := patternImage(geom, 1)
	copy(dev.Content(), old)

	after := append([]byte(nil), old...)
	for i := 0x4000; i < 0x4800; i++ {
		after[i] = 0x5A
	}

	f := New(dev, geom, WithVerify(VerifyFull))
	ad, err := f.Write(after)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if ad.Empty() {
		t.Fatal("expected a non-empty plan")
	}
	if !bytes.Equal(dev.Content(), after) {
		t.Error("chip content does not match the target image")
	}

	// Only the touched region gets erased, not the whole chip.
	for _, op := range dev.Erases {
		if op.Addr < 0x4000 || op.Addr+op.Len > 0x5000 {
			t.Errorf("erase outside the differing range: %+v", op)
		}
	}
}

func TestWrite_NothingToDo(t *testing.T) {
	geom := testGeom()
	dev := chip.NewMemDevice(geom)
	img := patternImage(geom, 7)
	copy(dev.Content(), img)

	f := New(dev, geom)
	ad, err := f.Write(append([]byte(nil), img...))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !ad.Empty() {
		t.Errorf("matching content produced %d units", len(ad.Units))
	}
	if dev.Writes != 0 || len(dev.Erases) != 0 {
		t.Error("matching content touched the chip")
	}
}

// Without diff mode the chip is assumed erased: correct for a factory
// part, and the test confirms the plan then writes without reading.
func TestWrite_WithoutDiff(t *testing.T) {
	geom := testGeom()
	dev := chip.NewMemDevice(geom)

	after := make([]byte, geom.TotalSize)
	for i := range after {
		after[i] = 0xFF
	}
	for i := 0; i < 256; i++ {
		after[i] = byte(i)
	}

	f := New(dev, geom, WithoutDiff(), WithVerify(VerifyFull))
	if _, err := f.Write(after); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Equal(dev.Content(), after) {
		t.Error("chip content does not match the target image")
	}
	if dev.Reads == 0 {
		t.Error("full verify performed no reads")
	}
	if len(dev.Erases) != 0 {
		t.Errorf("erased-chip assumption still erased: %v", dev.Erases)
	}
}

func TestWrite_BeforeImageSkipsChipRead(t *testing.T) {
	geom := testGeom()
	dev := chip.NewMemDevice(geom)
	old := patternImage(geom, 3)
	copy(dev.Content(), old)

	after := append([]byte(nil), old...)
	for i := 0; i < 16; i++ {
		after[i] = 0x00
	}

	f := New(dev, geom, WithBeforeImage(old), WithVerify(VerifyNone))
	if _, err := f.Write(after); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if dev.Reads != 0 {
		t.Errorf("chip was read %d times despite the supplied before image", dev.Reads)
	}
	if !bytes.Equal(dev.Content(), after) {
		t.Error("chip content does not match the target image")
	}
}

func TestWrite_BeforeImageSizeMismatch(t *testing.T) {
	geom := testGeom()
	dev := chip.NewMemDevice(geom)
	f := New(dev, geom, WithBeforeImage(make([]byte, 16)))
	if _, err := f.Write(make([]byte, geom.TotalSize)); err == nil {
		t.Fatal("undersized before image accepted")
	}
}

type brokenWriteDevice struct {
	*chip.MemDevice
}

func (d *brokenWriteDevice) Write(addr int, data []byte) error {
	return fmt.Errorf("bus glitch")
}

func TestWrite_EmergencyOnHardwareFailure(t *testing.T) {
	geom := testGeom()
	dev := &brokenWriteDevice{chip.NewMemDevice(geom)}

	after := make([]byte, geom.TotalSize)
	for i := range after {
		after[i] = 0x5A
	}

	f := New(dev, geom)
	_, err := f.Write(after)

	var emergency *EmergencyError
	if !errors.As(err, &emergency) {
		t.Fatalf("got %v, want *EmergencyError", err)
	}
	var hwerr *executor.HardwareError
	if !errors.As(err, &hwerr) {
		t.Errorf("emergency error does not wrap the hardware error: %v", err)
	}
}

func TestWrite_PartialVerifyCatchesMismatch(t *testing.T) {
	geom := testGeom()
	dev := chip.NewMemDevice(geom)
	dev.Protected = []chip.Range{{Start: 0, End: 4096}}

	old := patternImage(geom, 9)
	copy(dev.Content(), old)

	after := append([]byte(nil), old...)
	for i := 0; i < 16; i++ {
		after[i] ^= 0xFF
	}

	// The protected block is skipped softly, so execution succeeds but
	// partial verification must notice the block never changed.
	f := New(dev, geom, WithIgnoreAccessErrors(), WithVerify(VerifyPartial))
	_, err := f.Write(after)

	var verr *executor.VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want *VerifyError", err)
	}
}

func TestVerifyImage(t *testing.T) {
	geom := testGeom()
	dev := chip.NewMemDevice(geom)
	img := patternImage(geom, 5)
	copy(dev.Content(), img)

	f := New(dev, geom)
	if err := f.VerifyImage(img, executor.ScopeFull, nil); err != nil {
		t.Errorf("VerifyImage failed on matching content: %v", err)
	}

	img[100] ^= 0xFF
	if err := f.VerifyImage(img, executor.ScopeFull, nil); err == nil {
		t.Error("VerifyImage missed a mismatch")
	}
}

func TestReadChip(t *testing.T) {
	geom := testGeom()
	dev := chip.NewMemDevice(geom)
	img := patternImage(geom, 2)
	copy(dev.Content(), img)

	f := New(dev, geom)
	got, err := f.ReadChip()
	if err != nil {
		t.Fatalf("ReadChip failed: %v", err)
	}
	if !bytes.Equal(got, img) {
		t.Error("read content does not match chip data")
	}
}
