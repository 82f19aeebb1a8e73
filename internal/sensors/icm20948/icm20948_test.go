package icm20948

import (
	"errors"
	"math"
	"testing"
	"time"
)

type fakeI2C struct {
	regs   map[byte][]byte
	writes []writeOp

	// Optional overrides.
	readErrFor map[byte]error
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeI2C) ReadRegU8(reg byte) (byte, error) {
	if err := f.readErrFor[reg]; err != nil {
		return 0, err
	}
	b := f.regs[reg]
	if len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeI2C) ReadReg(reg byte, dst []byte) error {
	if err := f.readErrFor[reg]; err != nil {
		return err
	}
	b := f.regs[reg]
	if len(b) < len(dst) {
		return errors.New("short reg")
	}
	copy(dst, b[:len(dst)])
	return nil
}

func (f *fakeI2C) WriteReg(reg, value byte) error {
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func TestNew_WhoAmIMismatch(t *testing.T) {
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })

	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {0x00}}}
	_, err := newWithIO(f, Options{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestNew_WritesExpectedInitRegisters(t *testing.T) {
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })

	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}
	_, err := newWithIO(f, Options{SampleRateHz: 50, AccelRangeG: 8, GyroRangeDPS: 1000})
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}

	// Ensure we wrote reset + wake.
	var sawReset, sawWake bool
	for _, w := range f.writes {
		if w.reg == regPwrMgmt1 && w.val == bitReset {
			sawReset = true
		}
		if w.reg == regPwrMgmt1 && w.val == 0x01 {
			sawWake = true
		}
	}
	if !sawReset {
		t.Fatalf("expected reset write to PWR_MGMT_1")
	}
	if !sawWake {
		t.Fatalf("expected wake write to PWR_MGMT_1")
	}

	// Ensure we selected bank 2 at least once.
	var sawBank2 bool
	for _, w := range f.writes {
		if w.reg == regBankSel && w.val == (bank2<<4) {
			sawBank2 = true
			break
		}
	}
	if !sawBank2 {
		t.Fatalf("expected bank2 select write")
	}

	var accelCfg, gyroCfg, div byte = 0xFF, 0xFF, 0xFF
	for _, w := range f.writes {
		switch w.reg {
		case regAccelConfig:
			accelCfg = w.val
		case regGyroConfig:
			gyroCfg = w.val
		case regGyroSmplrt:
			div = w.val
		}
	}
	if accelCfg != 0x05 || gyroCfg != 0x05 {
		t.Fatalf("accel_config=0x%02X gyro_config=0x%02X want 0x05", accelCfg, gyroCfg)
	}
	if div != 21 {
		t.Fatalf("rate divider=%d want 21", div)
	}
}

func TestNew_RejectsUnsupportedRange(t *testing.T) {
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}
	if _, err := newWithIO(f, Options{AccelRangeG: 3}); err == nil {
		t.Fatalf("expected accel range error")
	}
	if _, err := newWithIO(f, Options{GyroRangeDPS: 300}); err == nil {
		t.Fatalf("expected gyro range error")
	}
}

func TestRateDivider_Clamps(t *testing.T) {
	if got := rateDivider(2000); got != 0 {
		t.Fatalf("div=%d want 0", got)
	}
	if got := rateDivider(1); got != 255 {
		t.Fatalf("div=%d want 255", got)
	}
}

func TestRead_ScalesAccelAndGyro(t *testing.T) {
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })

	// ax=16384 -> 2g when full-scale=4g
	// gx=16384 -> 125 dps when full-scale=250dps
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}

	// Register block starting at ACCEL_XOUT_H.
	f.regs[regAccelXoutH] = []byte{
		0x40, 0x00, // ax
		0x00, 0x00, // ay
		0xC0, 0x00, // az = -16384 -> -2g
		0x40, 0x00, // gx
		0x00, 0x00, // gy
		0xC0, 0x00, // gz = -16384 -> -125 dps
		0x00, 0x00, // temp
	}

	d, err := newWithIO(f, Options{AccelRangeG: 4, GyroRangeDPS: 250})
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}

	s, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	g := standardGravity
	if math.Abs(s.Accel.X-2*g) > 0.01 {
		t.Fatalf("Accel.X=%v want ~%v", s.Accel.X, 2*g)
	}
	if math.Abs(s.Accel.Z+2*g) > 0.01 {
		t.Fatalf("Accel.Z=%v want ~%v", s.Accel.Z, -2*g)
	}
	wantRate := 125 * math.Pi / 180
	if math.Abs(s.Gyro.X-wantRate) > 1e-3 {
		t.Fatalf("Gyro.X=%v want ~%v rad/s", s.Gyro.X, wantRate)
	}
	if math.Abs(s.Gyro.Z+wantRate) > 1e-3 {
		t.Fatalf("Gyro.Z=%v want ~%v rad/s", s.Gyro.Z, -wantRate)
	}
	if math.Abs(s.TempC-21) > 1e-9 {
		t.Fatalf("TempC=%v want 21", s.TempC)
	}
}
