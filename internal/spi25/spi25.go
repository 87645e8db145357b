// Package spi25 drives 25-series SPI NOR flash chips on top of a raw
// SPI bus, exposing the read/write/erase capability surface the
// planner and executor consume.
package spi25

import (
	"fmt"
	"time"

	"github.com/bigbag/flashplan/internal/chip"
)

// SPI NOR command set.
const (
	opWREN     = 0x06
	opRDSR     = 0x05
	opRDID     = 0x9F
	opRead     = 0x03
	opPageProg = 0x02
)

// Status register bits.
const (
	srWIP = 0x01
)

const (
	maxReadChunk = 4096
	pollInterval = time.Millisecond
	writeTimeout = 5 * time.Second
	eraseTimeout = 2 * time.Minute
)

// Bus is one SPI transaction: send out, then clock readLen bytes back.
// serprog.Client satisfies it.
type Bus interface {
	SPICommand(out []byte, readLen int) ([]byte, error)
}

// Flash is an SPI NOR chip on a bus.
type Flash struct {
	bus  Bus
	geom *chip.Geometry
}

// New creates a driver for the chip described by geom.
func New(bus Bus, geom *chip.Geometry) *Flash {
	return &Flash{bus: bus, geom: geom}
}

// Geometry returns the chip descriptor the driver was created with.
func (f *Flash) Geometry() *chip.Geometry {
	return f.geom
}

// ReadJEDECID issues RDID and returns the 3-byte manufacturer/device ID.
func ReadJEDECID(bus Bus) (uint32, error) {
	resp, err := bus.SPICommand([]byte{opRDID}, 3)
	if err != nil {
		return 0, fmt.Errorf("RDID failed: %w", err)
	}
	return uint32(resp[0])<<16 | uint32(resp[1])<<8 | uint32(resp[2]), nil
}

func addr24(op byte, addr int) []byte {
	return []byte{op, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

// Read fills buf from chip content starting at addr, in bus-sized
// chunks.
func (f *Flash) Read(addr int, buf []byte) error {
	for done := 0; done < len(buf); {
		chunk := min(maxReadChunk, len(buf)-done)
		resp, err := f.bus.SPICommand(addr24(opRead, addr+done), chunk)
		if err != nil {
			return fmt.Errorf("read at 0x%06x failed: %w", addr+done, err)
		}
		copy(buf[done:], resp)
		done += chunk
	}
	return nil
}

// Write programs data at addr page by page, never crossing a page
// boundary within one program operation.
func (f *Flash) Write(addr int, data []byte) error {
	pageSize := f.geom.PageSize
	for len(data) > 0 {
		// Stay inside the current page; wrap-around inside the chip's
		// page buffer would corrupt the start of the page.
		room := pageSize - addr%pageSize
		chunk := min(room, len(data))

		if err := f.writeEnable(); err != nil {
			return err
		}
		cmd := append(addr24(opPageProg, addr), data[:chunk]...)
		if _, err := f.bus.SPICommand(cmd, 0); err != nil {
			return fmt.Errorf("page program at 0x%06x failed: %w", addr, err)
		}
		if err := f.waitIdle(writeTimeout); err != nil {
			return fmt.Errorf("page program at 0x%06x: %w", addr, err)
		}

		addr += chunk
		data = data[chunk:]
	}
	return nil
}

// Erase runs the chip's erase function over [addr, addr+length), one
// block at a time. Whole-chip erase opcodes take no address. DryRun is
// a no-op: the serprog bus does not restrict erase opcodes.
func (f *Flash) Erase(eraser int, addr, length int, mode chip.ProbeMode) error {
	if eraser < 0 || eraser >= len(f.geom.Erasers) {
		return fmt.Errorf("no erase function %d", eraser)
	}
	if mode == chip.DryRun {
		return nil
	}

	fn := f.geom.Erasers[eraser]
	blockSize := fn.Regions[0].BlockSize
	if addr%blockSize != 0 || length%blockSize != 0 {
		return fmt.Errorf("erase range 0x%x+0x%x not aligned to block size 0x%x",
			addr, length, blockSize)
	}

	for base := addr; base < addr+length; base += blockSize {
		if err := f.writeEnable(); err != nil {
			return err
		}
		cmd := addr24(fn.Opcode, base)
		if blockSize == f.geom.TotalSize {
			cmd = cmd[:1]
		}
		if _, err := f.bus.SPICommand(cmd, 0); err != nil {
			return fmt.Errorf("erase 0x%02x at 0x%06x failed: %w", fn.Opcode, base, err)
		}
		if err := f.waitIdle(eraseTimeout); err != nil {
			return fmt.Errorf("erase 0x%02x at 0x%06x: %w", fn.Opcode, base, err)
		}
	}
	return nil
}

func (f *Flash) writeEnable() error {
	if _, err := f.bus.SPICommand([]byte{opWREN}, 0); err != nil {
		return fmt.Errorf("WREN failed: %w", err)
	}
	return nil
}

// waitIdle polls the status register until the write-in-progress bit
// clears, with a fixed delay between polls.
func (f *Flash) waitIdle(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := f.bus.SPICommand([]byte{opRDSR}, 1)
		if err != nil {
			return fmt.Errorf("RDSR failed: %w", err)
		}
		if resp[0]&srWIP == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("chip busy after %v", timeout)
		}
		time.Sleep(pollInterval)
	}
}
