package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"rcvehicle/internal/gps"
)

// GPSConfig controls the simulated receiver.
type GPSConfig struct {
	// Name is the port name used to look up scripted faults.
	Name string
	// RateHz is the fix rate; default 5.
	RateHz float64
	// MalformedRate is the probability that any one sentence is corrupted.
	MalformedRate float64
	Satellites    int
}

// GPSFeed is a gps.LineFeed that synthesizes RMC, GGA, VTG and GSV sentences
// from the world truth.
type GPSFeed struct {
	world *World
	cfg   GPSConfig
	epoch uint64
}

var _ gps.LineFeed = (*GPSFeed)(nil)

func NewGPSFeed(w *World, cfg GPSConfig) *GPSFeed {
	if cfg.Name == "" {
		cfg.Name = "gps"
	}
	if cfg.RateHz <= 0 {
		cfg.RateHz = 5
	}
	if cfg.Satellites <= 0 {
		cfg.Satellites = 9
	}
	return &GPSFeed{world: w, cfg: cfg}
}

func (f *GPSFeed) Name() string { return "sim" }

// Run emits one epoch per fix interval until ctx ends. A scripted error fault
// ends Run with an error, which the port reports as a dead link.
func (f *GPSFeed) Run(ctx context.Context, emit func(string)) error {
	t := time.NewTicker(time.Duration(float64(time.Second) / f.cfg.RateHz))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		fault := f.world.Fault(f.cfg.Name)
		switch fault {
		case FaultTimeout:
			continue
		case FaultError:
			return errors.New("sim: receiver link lost")
		}
		for _, line := range f.Epoch(fault) {
			emit(line)
		}
	}
}

// Epoch renders the sentences for the current truth.
func (f *GPSFeed) Epoch(fault FaultKind) []string {
	w := f.world
	tr := w.Truth()
	utc := tr.At.UTC()

	// Position noise is applied in metres on the local plane.
	lat := tr.Position.LatDeg + w.noise(w.cfg.GPSNoiseM)/111320
	lon := tr.Position.LonDeg + w.noise(w.cfg.GPSNoiseM)/(111320*math.Cos(tr.Position.LatDeg*math.Pi/180))
	speedKt := tr.SpeedMps / 0.514444
	if fault == FaultImplausible {
		speedKt *= 50
		if speedKt < 500 {
			speedKt = 500
		}
	}
	course := tr.HeadingDeg
	hhmmss := utc.Format("150405.00")
	ddmmyy := utc.Format("020106")
	latS, latH := formatLat(lat)
	lonS, lonH := formatLon(lon)

	lines := []string{
		gps.Format(fmt.Sprintf("GPRMC,%s,A,%s,%s,%s,%s,%.2f,%.1f,%s,,,A", hhmmss, latS, latH, lonS, lonH, speedKt, course, ddmmyy)),
		gps.Format(fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,%02d,0.9,%.1f,M,0.0,M,,", hhmmss, latS, latH, lonS, lonH, f.cfg.Satellites, tr.Position.AltM)),
		gps.Format(fmt.Sprintf("GPVTG,%.1f,T,,M,%.2f,N,%.2f,K,A", course, speedKt, speedKt*0.514444*3.6)),
	}
	if f.epoch%5 == 0 {
		lines = append(lines, f.gsv()...)
	}
	f.epoch++

	for i := range lines {
		if fault == FaultMalformed || w.chance(f.cfg.MalformedRate) {
			lines[i] = corrupt(lines[i])
		}
	}
	return lines
}

// gsv renders a deterministic sky of cfg.Satellites entries, four per
// sentence.
func (f *GPSFeed) gsv() []string {
	n := f.cfg.Satellites
	total := (n + 3) / 4
	out := make([]string, 0, total)
	for part := 1; part <= total; part++ {
		var b strings.Builder
		fmt.Fprintf(&b, "GPGSV,%d,%d,%02d", total, part, n)
		for i := (part - 1) * 4; i < min(part*4, n); i++ {
			prn := 2 + i*3
			fmt.Fprintf(&b, ",%02d,%02d,%03d,%02d", prn, 15+(i*17)%70, (i*47)%360, 28+(i*5)%20)
		}
		out = append(out, gps.Format(b.String()))
	}
	return out
}

// corrupt flips the checksum so the sentence fails validation.
func corrupt(line string) string {
	star := strings.LastIndexByte(line, '*')
	if star < 0 || star+3 > len(line) {
		return line + "*ZZ"
	}
	ck := line[star+1 : star+3]
	if ck == "00" {
		return line[:star+1] + "FF"
	}
	return line[:star+1] + "00"
}

func formatLat(deg float64) (string, string) {
	h := "N"
	if deg < 0 {
		h = "S"
	}
	return formatDM(math.Abs(deg), 2), h
}

func formatLon(deg float64) (string, string) {
	h := "E"
	if deg < 0 {
		h = "W"
	}
	return formatDM(math.Abs(deg), 3), h
}

// formatDM renders degrees as NMEA (d)ddmm.mmmm.
func formatDM(deg float64, width int) string {
	d := math.Floor(deg)
	m := math.Round((deg-d)*60*1e4) / 1e4
	if m >= 60 {
		d++
		m = 0
	}
	return fmt.Sprintf("%0*d%07.4f", width, int(d), m)
}
