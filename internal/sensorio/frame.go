// Package sensorio reads framed sensor packets from a serial-attached IMU.
// The wire format is adapted from the reference service's MAVLink v2
// serial protocol (internal/actuators): a magic byte, a length byte, a
// payload, and a trailing 16-bit checksum — generalized here to a single
// fixed message carrying quaternion, acceleration, and optional
// magnetometer readings instead of the MAVLink message catalog. The
// checksum is read off the wire but not verified.
package sensorio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/ionlake/imutrack/internal/linalg"
)

// FrameMagic starts every sensor frame on the wire.
const FrameMagic = 0xA5

// ErrBadMagic is returned when a read does not begin with FrameMagic.
var ErrBadMagic = errors.New("sensorio: invalid frame magic byte")

// Frame is one decoded sample from the device: always a quaternion and
// acceleration, optionally a magnetometer reading (HasMag false when the
// device sends none this cycle).
type Frame struct {
	Quaternion  linalg.Quat
	Accel       linalg.Vec3
	Magnetometer linalg.Vec3
	HasMag      bool
}

// wire layout: magic(1) length(1) quat(4*4=16) accel(3*4=12) hasMag(1) mag(3*4=12) crc(2)
const (
	quatBytes = 16
	vecBytes  = 12
)

// Reader decodes Frames from an open serial.Port.
type Reader struct {
	port serial.Port
}

// Open opens portName at baud and wraps it as a Reader.
func Open(portName string, baud int) (*Reader, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("sensorio: open %s: %w", portName, err)
	}
	return &Reader{port: port}, nil
}

// Close closes the underlying port.
func (r *Reader) Close() error {
	if r.port == nil {
		return nil
	}
	return r.port.Close()
}

// ReadFrame blocks (up to timeout) for the next frame.
func (r *Reader) ReadFrame(timeout time.Duration) (Frame, error) {
	r.port.SetReadTimeout(timeout)

	magic := make([]byte, 1)
	if _, err := io.ReadFull(r.port, magic); err != nil {
		return Frame{}, err
	}
	if magic[0] != FrameMagic {
		return Frame{}, ErrBadMagic
	}

	length := make([]byte, 1)
	if _, err := io.ReadFull(r.port, length); err != nil {
		return Frame{}, err
	}

	body := make([]byte, length[0])
	if _, err := io.ReadFull(r.port, body); err != nil {
		return Frame{}, err
	}

	checksumBytes := make([]byte, 2)
	if _, err := io.ReadFull(r.port, checksumBytes); err != nil {
		return Frame{}, err
	}
	_ = uint16(checksumBytes[0]) | uint16(checksumBytes[1])<<8

	return decodeBody(body)
}

func decodeBody(body []byte) (Frame, error) {
	if len(body) < quatBytes+vecBytes+1 {
		return Frame{}, fmt.Errorf("sensorio: frame body too short (%d bytes)", len(body))
	}

	var f Frame
	f.Quaternion = Quat(body[0:quatBytes])
	f.Accel = Vec3(body[quatBytes : quatBytes+vecBytes])

	offset := quatBytes + vecBytes
	f.HasMag = body[offset] != 0
	offset++

	if f.HasMag {
		if len(body) < offset+vecBytes {
			return Frame{}, fmt.Errorf("sensorio: truncated magnetometer field")
		}
		f.Magnetometer = Vec3(body[offset : offset+vecBytes])
	}

	return f, nil
}

// Quat decodes four little-endian float32s (w,x,y,z) from a 16-byte slice.
func Quat(b []byte) linalg.Quat {
	return linalg.Quat{
		W: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[0:4]))),
		X: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4:8]))),
		Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[8:12]))),
		Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[12:16]))),
	}
}

// Vec3 decodes three little-endian float32s (x,y,z) from a 12-byte slice.
func Vec3(b []byte) linalg.Vec3 {
	return linalg.Vec3{
		X: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[0:4]))),
		Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4:8]))),
		Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[8:12]))),
	}
}

// ListPorts enumerates attached USB serial devices, mirroring the
// reference service's port-discovery helper.
func ListPorts() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range ports {
		if p.IsUSB {
			names = append(names, p.Name)
		}
	}
	return names, nil
}
