package qmc5883l

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"rcvehicle/internal/i2c"
)

var sleep = time.Sleep

// Minimal QMC5883L three-axis magnetometer driver (continuous mode).

const (
	addrDefault = 0x0D

	regDataXL   = 0x00 // X, Y, Z little endian
	regStatus   = 0x06
	regControl1 = 0x09
	regControl2 = 0x0A
	regSetReset = 0x0B
	regChipID   = 0x0D
	chipIDVal   = 0xFF

	statusDRDY = 0x01
	statusOVL  = 0x02

	softReset = 0x80

	modeContinuous = 0x01
	osr512         = 0x00 << 6
)

// Output data rates (Control1 bits 3:2).
var odrBits = map[int]byte{10: 0x00, 50: 0x04, 100: 0x08, 200: 0x0C}

// Full-scale ranges (Control1 bits 5:4) and their sensitivity in LSB/gauss.
var rngBits = map[int]struct {
	bits byte
	lsb  float64
}{
	2: {0x00, 12000},
	8: {0x10, 3000},
}

type Options struct {
	// RateHz is 10, 50, 100 or 200.
	RateHz int
	// RangeGauss is 2 or 8.
	RangeGauss int
	// DeclinationDeg is added to the magnetic heading.
	DeclinationDeg float64
	// Offset is the hard-iron calibration subtracted from every sample (uT).
	Offset r3.Vec
}

// Sample is one reading. Field is in microtesla, sensor frame.
type Sample struct {
	Time       time.Time
	Field      r3.Vec
	HeadingDeg float64
}

type Device struct {
	dev  regIO
	opts Options
	// uT per LSB.
	scale float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("qmc5883l: dev is nil")
	}
	return newWithIO(dev, opts)
}

func newWithIO(dev regIO, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("qmc5883l: dev is nil")
	}
	if opts.RateHz == 0 {
		opts.RateHz = 50
	}
	if opts.RangeGauss == 0 {
		opts.RangeGauss = 2
	}
	odr, ok := odrBits[opts.RateHz]
	if !ok {
		return nil, fmt.Errorf("qmc5883l: unsupported rate %dHz", opts.RateHz)
	}
	rng, ok := rngBits[opts.RangeGauss]
	if !ok {
		return nil, fmt.Errorf("qmc5883l: unsupported range %dG", opts.RangeGauss)
	}

	id, err := dev.ReadRegU8(regChipID)
	if err != nil {
		return nil, fmt.Errorf("qmc5883l: chip id read failed: %w", err)
	}
	if id != chipIDVal {
		return nil, fmt.Errorf("qmc5883l: chip id=0x%02X want 0x%02X", id, chipIDVal)
	}

	if err := dev.WriteReg(regControl2, softReset); err != nil {
		return nil, fmt.Errorf("qmc5883l: reset failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	// Datasheet recommends SET/RESET period 0x01.
	if err := dev.WriteReg(regSetReset, 0x01); err != nil {
		return nil, fmt.Errorf("qmc5883l: set/reset period failed: %w", err)
	}
	if err := dev.WriteReg(regControl1, osr512|rng.bits|odr|modeContinuous); err != nil {
		return nil, fmt.Errorf("qmc5883l: control1 write failed: %w", err)
	}

	// 1 gauss = 100 uT.
	return &Device{dev: dev, opts: opts, scale: 100.0 / rng.lsb}, nil
}

// Read returns the latest field. Overflowed samples are reported as errors.
func (d *Device) Read() (Sample, error) {
	st, err := d.dev.ReadRegU8(regStatus)
	if err != nil {
		return Sample{}, fmt.Errorf("qmc5883l: status read failed: %w", err)
	}
	if st&statusOVL != 0 {
		return Sample{}, fmt.Errorf("qmc5883l: field overflow (status=0x%02X)", st)
	}
	if st&statusDRDY == 0 {
		return Sample{}, fmt.Errorf("qmc5883l: data not ready")
	}

	buf := make([]byte, 6)
	if err := d.dev.ReadReg(regDataXL, buf); err != nil {
		return Sample{}, fmt.Errorf("qmc5883l: read data failed: %w", err)
	}
	word := func(i int) float64 { return float64(int16(buf[i+1])<<8 | int16(buf[i])) }
	field := r3.Scale(d.scale, r3.Vec{X: word(0), Y: word(2), Z: word(4)})
	field = r3.Sub(field, d.opts.Offset)

	return Sample{
		Time:       time.Now(),
		Field:      field,
		HeadingDeg: Heading(field, d.opts.DeclinationDeg),
	}, nil
}

// Heading is the tilt-uncompensated heading in degrees [0, 360) for a
// level sensor with X forward and Y to the left.
func Heading(field r3.Vec, declinationDeg float64) float64 {
	h := math.Atan2(field.Y, field.X)*180/math.Pi + declinationDeg
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}
