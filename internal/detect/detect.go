package detect

import (
	"fmt"

	"github.com/bigbag/flashplan/internal/chip"
	"github.com/bigbag/flashplan/internal/serial"
	"github.com/bigbag/flashplan/internal/serprog"
	"github.com/bigbag/flashplan/internal/spi25"
)

// Result represents a detected flash chip behind a programmer.
type Result struct {
	Port       string
	Programmer string
	JEDECID    uint32
	Chip       *chip.Geometry
}

// DetectDevice tries every available serial port, looking for a
// serprog programmer with a known flash chip behind it. Returns the
// first hit, or an error.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no programmer found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no programmer found")
}

// DetectOnPort identifies the chip behind the programmer on a specific
// port.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	return tryPort(portName, baudRate)
}

// Identify reads the chip's JEDEC ID over an already-connected bus and
// resolves it against the descriptor table.
func Identify(bus spi25.Bus) (*chip.Geometry, uint32, error) {
	id, err := spi25.ReadJEDECID(bus)
	if err != nil {
		return nil, 0, err
	}
	geom := chip.Lookup(id)
	if geom == nil {
		return nil, id, fmt.Errorf("unknown chip with JEDEC ID 0x%06X", id)
	}
	return geom, id, nil
}

func tryPort(portName string, baudRate int) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	client, err := serprog.Connect(port)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", portName, err)
	}

	geom, id, err := Identify(client)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", portName, err)
	}

	return &Result{
		Port:       portName,
		Programmer: client.Name(),
		JEDECID:    id,
		Chip:       geom,
	}, nil
}
