package gps

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"go.bug.st/serial"
)

// SerialFeed reads NMEA directly from a USB/UART receiver.
//
// A u-blox receiver typically appears as /dev/ttyACM* and talks NMEA at 9600
// baud. Device may be empty to auto-detect.
type SerialFeed struct {
	Device string
	Baud   int
}

var openSerialFn = openSerial

func openSerial(path string, baud int) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}

func (f SerialFeed) Name() string {
	return "serial:" + f.Device
}

func (f SerialFeed) Run(ctx context.Context, emit func(string)) error {
	device := strings.TrimSpace(f.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			return fmt.Errorf("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
		}
	}
	baud := f.Baud
	if baud == 0 {
		baud = 9600
	}

	port, err := openSerialFn(device, baud)
	if err != nil {
		return fmt.Errorf("gps open failed device=%s baud=%d: %w", device, baud, err)
	}
	log.Printf("gps serial open device=%s baud=%d", device, baud)
	return readLines(ctx, port, emit)
}

func autoDetectDevice() string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
