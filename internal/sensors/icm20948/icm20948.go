package icm20948

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"rcvehicle/internal/i2c"
)

var sleep = time.Sleep

// Minimal ICM-20948 driver: probe, configure and burst-read accel+gyro.
// WHO_AM_I at 0x00 should return 0xEA.

const (
	addrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	regIntEnable  = 0x10
	regAccelXoutH = 0x2D // accel, gyro and temp are contiguous
	regTempOutH   = 0x39

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig   = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	// Internal sample clock for the rate dividers.
	baseRateHz = 1125

	standardGravity = 9.80665
)

// Options selects full-scale ranges and output rate.
type Options struct {
	SampleRateHz int
	// AccelRangeG is 2, 4, 8 or 16.
	AccelRangeG int
	// GyroRangeDPS is 250, 500, 1000 or 2000.
	GyroRangeDPS int
}

func (o Options) withDefaults() Options {
	if o.SampleRateHz <= 0 {
		o.SampleRateHz = 100
	}
	if o.AccelRangeG == 0 {
		o.AccelRangeG = 4
	}
	if o.GyroRangeDPS == 0 {
		o.GyroRangeDPS = 500
	}
	return o
}

// Sample is one body-frame reading in SI units.
type Sample struct {
	Time time.Time
	// Accel is specific force in m/s^2.
	Accel r3.Vec
	// Gyro is angular rate in rad/s.
	Gyro  r3.Vec
	TempC float64
}

type Device struct {
	dev regIO

	curBank byte
	// scales based on configured full-scale.
	scaleAccel float64
	scaleGyro  float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	return newWithIO(dev, opts)
}

func newWithIO(dev regIO, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	opts = opts.withDefaults()
	accelSel, ok := accelRanges[opts.AccelRangeG]
	if !ok {
		return nil, fmt.Errorf("icm20948: unsupported accel range %dg", opts.AccelRangeG)
	}
	gyroSel, ok := gyroRanges[opts.GyroRangeDPS]
	if !ok {
		return nil, fmt.Errorf("icm20948: unsupported gyro range %ddps", opts.GyroRangeDPS)
	}

	d := &Device{dev: dev, curBank: 0xFF}
	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(opts, accelSel, gyroSel); err != nil {
		return nil, err
	}
	d.scaleAccel = float64(opts.AccelRangeG) * standardGravity / 32768.0
	d.scaleGyro = float64(opts.GyroRangeDPS) * (math.Pi / 180) / 32768.0
	return d, nil
}

// FS_SEL values, already shifted into position (bits 2:1).
var (
	accelRanges = map[int]byte{2: 0 << 1, 4: 1 << 1, 8: 2 << 1, 16: 3 << 1}
	gyroRanges  = map[int]byte{250: 0 << 1, 500: 1 << 1, 1000: 2 << 1, 2000: 3 << 1}
)

func rateDivider(hz int) byte {
	div := baseRateHz/hz - 1
	if div < 0 {
		div = 0
	}
	if div > 255 {
		div = 255
	}
	return byte(div)
}

func (d *Device) init(opts Options, accelSel, gyroSel byte) error {
	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.dev.WriteReg(regIntEnable, 0x00)

	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// Reset puts the bank select back to 0.
	d.curBank = 0

	// Wake with auto clock select (PLL when ready).
	if err := d.dev.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	if err := d.setBank(bank2); err != nil {
		return err
	}
	div := rateDivider(opts.SampleRateHz)
	_ = d.dev.WriteReg(regGyroSmplrt, div)
	_ = d.dev.WriteReg(regAccelSmplrt2, div)

	// Bit 0 enables the digital low-pass filter.
	if err := d.dev.WriteReg(regGyroConfig, gyroSel|0x01); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, accelSel|0x01); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}
	return d.setBank(0)
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Sample{}, err
	}

	buf := make([]byte, 14)
	if err := d.dev.ReadReg(regAccelXoutH, buf); err != nil {
		return Sample{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}
	word := func(i int) float64 { return float64(int16(buf[i])<<8 | int16(buf[i+1])) }

	return Sample{
		Time:  time.Now(),
		Accel: r3.Scale(d.scaleAccel, r3.Vec{X: word(0), Y: word(2), Z: word(4)}),
		Gyro:  r3.Scale(d.scaleGyro, r3.Vec{X: word(6), Y: word(8), Z: word(10)}),
		// Datasheet: T = (raw - RoomTemp_Offset)/Sensitivity + 21, offset 0, 333.87 LSB/C.
		TempC: word(12)/333.87 + 21.0,
	}, nil
}
