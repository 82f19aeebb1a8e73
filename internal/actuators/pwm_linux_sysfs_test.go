//go:build linux

package actuators

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func fakeSysfsChip(t *testing.T, npwm int) (base, realChip string) {
	t.Helper()
	dir := t.TempDir()
	base = filepath.Join(dir, "pwm")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	realChip = filepath.Join(dir, "realchip0")
	if err := os.MkdirAll(realChip, 0o755); err != nil {
		t.Fatalf("MkdirAll realChip: %v", err)
	}
	if err := os.WriteFile(filepath.Join(realChip, "npwm"), []byte(strconv.Itoa(npwm)+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile npwm: %v", err)
	}
	if err := os.Symlink(realChip, filepath.Join(base, "pwmchip0")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	old := pwmSysfsBase
	pwmSysfsBase = base
	t.Cleanup(func() { pwmSysfsBase = old })
	return base, realChip
}

func TestFindPWMChip_AcceptsSymlinkedPWMChip(t *testing.T) {
	base, _ := fakeSysfsChip(t, 2)

	chipPath, err := findPWMChip(-1, 1)
	if err != nil {
		t.Fatalf("findPWMChip: %v", err)
	}
	if want := filepath.Join(base, "pwmchip0"); chipPath != want {
		t.Fatalf("chipPath=%q want %q", chipPath, want)
	}
	if _, err := findPWMChip(-1, 2); err == nil {
		t.Fatalf("expected channel 2 to be unavailable on a 2-channel chip")
	}
	if _, err := findPWMChip(3, 0); err == nil {
		t.Fatalf("expected missing pwmchip3 to fail")
	}
}

func TestSysfsPWM_WritesPeriodAndDuty(t *testing.T) {
	_, realChip := fakeSysfsChip(t, 2)

	// Pretend the channel is already exported.
	pwmDir := filepath.Join(realChip, "pwm1")
	if err := os.MkdirAll(pwmDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for _, name := range []string{"enable", "period", "duty_cycle"} {
		if err := os.WriteFile(filepath.Join(pwmDir, name), nil, 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}

	p, err := openPWM(0, 1)
	if err != nil {
		t.Fatalf("openPWM: %v", err)
	}
	if err := p.SetPeriod(20 * time.Millisecond); err != nil {
		t.Fatalf("SetPeriod: %v", err)
	}
	if err := p.SetPulse(1500 * time.Microsecond); err != nil {
		t.Fatalf("SetPulse: %v", err)
	}

	read := func(name string) string {
		b, err := os.ReadFile(filepath.Join(pwmDir, name))
		if err != nil {
			t.Fatalf("ReadFile %s: %v", name, err)
		}
		return string(b)
	}
	if got := read("period"); got != "20000000" {
		t.Fatalf("period=%q", got)
	}
	if got := read("duty_cycle"); got != "1500000" {
		t.Fatalf("duty_cycle=%q", got)
	}
	if got := read("enable"); got != "1" {
		t.Fatalf("enable=%q", got)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := read("enable"); got != "0" {
		t.Fatalf("enable after close=%q", got)
	}
}
