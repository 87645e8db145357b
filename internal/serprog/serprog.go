// Package serprog implements the client side of the serprog serial
// programmer protocol: a small binary command set for driving an
// SPI flash bus through a microcontroller attached over a serial port.
package serprog

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Protocol bytes.
const (
	ACK = 0x06
	NAK = 0x15
)

// Commands.
const (
	CmdNop       = 0x00
	CmdQIface    = 0x01
	CmdQCmdMap   = 0x02
	CmdQPgmName  = 0x03
	CmdQSerBuf   = 0x04
	CmdQBusType  = 0x05
	CmdSyncNop   = 0x10
	CmdSBusType  = 0x12
	CmdOSpiOp    = 0x13
	CmdSSpiFreq  = 0x14
	CmdSPinState = 0x15
)

// Bus type bits for CmdQBusType/CmdSBusType.
const (
	BusParallel = 0x01
	BusLPC      = 0x02
	BusFWH      = 0x04
	BusSPI      = 0x08
)

// InterfaceVersion is the only protocol version this client speaks.
const InterfaceVersion = 1

// DefaultBaudRate is the conventional serprog line speed.
const DefaultBaudRate = 115200

const (
	syncAttempts   = 8
	readTimeout    = 2 * time.Second
	maxSPIReadLen  = 1 << 24
	maxSPIWriteLen = 1 << 24
)

// Conn is the byte stream to the programmer. *serial.Port satisfies it.
type Conn interface {
	io.ReadWriter
	Flush() error
}

// Client talks the serprog protocol over a connection.
type Client struct {
	conn   Conn
	name   string
	cmdMap [32]byte
}

// Connect synchronizes with the programmer, checks the interface
// version, queries its command map and name, and selects the SPI bus.
func Connect(conn Conn) (*Client, error) {
	c := &Client{conn: conn}

	if err := c.sync(); err != nil {
		return nil, fmt.Errorf("failed to sync with programmer: %w", err)
	}

	ver, err := c.queryU16(CmdQIface)
	if err != nil {
		return nil, fmt.Errorf("interface query failed: %w", err)
	}
	if ver != InterfaceVersion {
		return nil, fmt.Errorf("unsupported serprog interface version %d", ver)
	}

	if err := c.command(CmdQCmdMap, nil, c.cmdMap[:]); err != nil {
		return nil, fmt.Errorf("command map query failed: %w", err)
	}
	if !c.Supports(CmdOSpiOp) {
		return nil, fmt.Errorf("programmer does not support SPI operations")
	}

	if c.Supports(CmdQPgmName) {
		var name [16]byte
		if err := c.command(CmdQPgmName, nil, name[:]); err != nil {
			return nil, fmt.Errorf("name query failed: %w", err)
		}
		c.name = trimName(name[:])
	}

	if c.Supports(CmdSBusType) {
		if err := c.command(CmdSBusType, []byte{BusSPI}, nil); err != nil {
			return nil, fmt.Errorf("failed to select SPI bus: %w", err)
		}
	}

	return c, nil
}

// Name returns the programmer's self-reported name, if it has one.
func (c *Client) Name() string {
	return c.name
}

// Supports reports whether the programmer's command map announces cmd.
func (c *Client) Supports(cmd byte) bool {
	return c.cmdMap[cmd/8]&(1<<(cmd%8)) != 0
}

// SPICommand sends out over the SPI bus and reads readLen bytes back
// in the same transaction.
func (c *Client) SPICommand(out []byte, readLen int) ([]byte, error) {
	if len(out) >= maxSPIWriteLen || readLen >= maxSPIReadLen {
		return nil, fmt.Errorf("SPI transfer too large: %d out, %d in", len(out), readLen)
	}

	req := make([]byte, 0, 7+len(out))
	req = append(req, CmdOSpiOp)
	req = appendUint24(req, uint32(len(out)))
	req = appendUint24(req, uint32(readLen))
	req = append(req, out...)

	if _, err := c.conn.Write(req); err != nil {
		return nil, fmt.Errorf("SPI op write failed: %w", err)
	}
	if err := c.expectACK(); err != nil {
		return nil, fmt.Errorf("SPI op: %w", err)
	}
	if readLen == 0 {
		return nil, nil
	}
	in := make([]byte, readLen)
	if err := c.readFull(in); err != nil {
		return nil, fmt.Errorf("SPI op read failed: %w", err)
	}
	return in, nil
}

// sync flushes the line and sends SYNCNOP until the NAK+ACK pair comes
// back, resynchronizing the programmer's command parser.
func (c *Client) sync() error {
	for attempt := 0; attempt < syncAttempts; attempt++ {
		c.conn.Flush()
		if _, err := c.conn.Write([]byte{CmdSyncNop}); err != nil {
			continue
		}

		var resp [2]byte
		if err := c.readFull(resp[:]); err != nil {
			continue
		}
		if resp[0] == NAK && resp[1] == ACK {
			return nil
		}
	}
	return fmt.Errorf("no sync after %d attempts", syncAttempts)
}

// command sends cmd with optional parameters and reads the ACK plus
// len(resp) response bytes.
func (c *Client) command(cmd byte, params []byte, resp []byte) error {
	buf := append([]byte{cmd}, params...)
	if _, err := c.conn.Write(buf); err != nil {
		return err
	}
	if err := c.expectACK(); err != nil {
		return fmt.Errorf("command 0x%02x: %w", cmd, err)
	}
	if len(resp) > 0 {
		return c.readFull(resp)
	}
	return nil
}

func (c *Client) queryU16(cmd byte) (uint16, error) {
	var buf [2]byte
	if err := c.command(cmd, nil, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (c *Client) expectACK() error {
	var b [1]byte
	if err := c.readFull(b[:]); err != nil {
		return err
	}
	switch b[0] {
	case ACK:
		return nil
	case NAK:
		return fmt.Errorf("programmer NAKed")
	}
	return fmt.Errorf("unexpected response byte 0x%02x", b[0])
}

// readFull reads exactly len(buf) bytes, tolerating short reads from
// the serial layer, up to an overall deadline.
func (c *Client) readFull(buf []byte) error {
	deadline := time.Now().Add(readTimeout)
	got := 0
	for got < len(buf) {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout after %d of %d bytes", got, len(buf))
		}
		n, err := c.conn.Read(buf[got:])
		got += n
		if err != nil && n == 0 {
			continue
		}
	}
	return nil
}

func appendUint24(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16))
}

func trimName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
