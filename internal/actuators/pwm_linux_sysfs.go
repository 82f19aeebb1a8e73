//go:build linux

package actuators

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// sysfsPWM drives a hardware PWM channel via /sys/class/pwm.
//
// On a Raspberry Pi, `dtoverlay=pwm-2chan` exposes GPIO18/19 as channels 0/1
// of pwmchip0.
type sysfsPWM struct {
	chipPath string // /sys/class/pwm/pwmchipN
	pwmPath  string // /sys/class/pwm/pwmchipN/pwmM
	channel  int

	periodNS uint64
	enabled  bool
}

var pwmSysfsBase = "/sys/class/pwm"

func openPWM(chip, channel int) (PWMOutput, error) {
	chipPath, err := findPWMChip(chip, channel)
	if err != nil {
		return nil, err
	}
	d := &sysfsPWM{
		chipPath: chipPath,
		channel:  channel,
		pwmPath:  filepath.Join(chipPath, fmt.Sprintf("pwm%d", channel)),
	}
	if err := d.ensureExported(); err != nil {
		return nil, err
	}
	_ = d.writeBool("enable", false)
	return d, nil
}

// findPWMChip returns the chip directory for chip, or the first chip with
// enough channels when chip < 0.
func findPWMChip(chip, channel int) (string, error) {
	base := pwmSysfsBase
	if chip >= 0 {
		p := filepath.Join(base, fmt.Sprintf("pwmchip%d", chip))
		n, err := readInt(filepath.Join(p, "npwm"))
		if err != nil {
			return "", fmt.Errorf("actuators: pwmchip%d: %w", chip, err)
		}
		if channel >= n {
			return "", fmt.Errorf("actuators: pwmchip%d has %d channels, want channel %d", chip, n, channel)
		}
		return p, nil
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("actuators: read %s: %w", base, err)
	}
	// pwmchipN entries are commonly symlinks, not directories.
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "pwmchip") {
			continue
		}
		p := filepath.Join(base, name)
		n, err := readInt(filepath.Join(p, "npwm"))
		if err != nil || n <= channel {
			continue
		}
		return p, nil
	}
	return "", fmt.Errorf("actuators: no sysfs pwmchip with channel %d (is the pwm overlay enabled?)", channel)
}

func (d *sysfsPWM) ensureExported() error {
	if _, err := os.Stat(d.pwmPath); err == nil {
		return nil
	}
	exportPath := filepath.Join(d.chipPath, "export")
	if err := writeSysfs(exportPath, strconv.Itoa(d.channel)); err != nil {
		// Already exported by someone else.
		if _, statErr := os.Stat(d.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("actuators: export pwm: %w", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(d.pwmPath); err != nil {
		return fmt.Errorf("actuators: pwm path not created after export: %w", err)
	}
	return nil
}

func (d *sysfsPWM) SetPeriod(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("actuators: invalid pwm period %v", period)
	}
	// Period cannot drop below the current duty cycle, so zero duty first.
	_ = d.writeUint("duty_cycle", 0)
	if err := d.writeUint("period", uint64(period.Nanoseconds())); err != nil {
		return err
	}
	d.periodNS = uint64(period.Nanoseconds())
	return nil
}

func (d *sysfsPWM) SetPulse(pulse time.Duration) error {
	if d.periodNS == 0 {
		return errors.New("actuators: pwm period not set")
	}
	duty := uint64(max(pulse.Nanoseconds(), 0))
	if duty > d.periodNS {
		duty = d.periodNS
	}
	if err := d.writeUint("duty_cycle", duty); err != nil {
		return err
	}
	if !d.enabled {
		if err := d.writeBool("enable", true); err != nil {
			return err
		}
		d.enabled = true
	}
	return nil
}

func (d *sysfsPWM) Close() error {
	// Servos hold position without pulses; ESCs cut throttle.
	err := d.writeBool("enable", false)
	d.enabled = false
	return err
}

func (d *sysfsPWM) writeUint(name string, v uint64) error {
	return writeSysfs(filepath.Join(d.pwmPath, name), strconv.FormatUint(v, 10))
}

func (d *sysfsPWM) writeBool(name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(d.pwmPath, name), val)
}

// writeSysfs writes without O_TRUNC/O_CREATE; some attributes reject them.
// Right after export udev may still be fixing permissions, so EACCES and
// ENOENT are retried briefly.
func writeSysfs(path string, value string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := writeOnce(path, value)
		if err == nil {
			return nil
		}
		if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		return err
	}
}

func writeOnce(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(value)
	cerr := f.Close()
	return errors.Join(werr, cerr)
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("%s: empty", path)
	}
	return strconv.Atoi(s)
}
