package gps

import (
	"fmt"
	"math"
	"strings"
	"time"

	"rcvehicle/internal/hal"
)

// Fix is the decoder's current view of the receiver.
type Fix struct {
	Valid bool `json:"valid"`
	// At is the local receive time of the last sentence that moved the fix.
	At time.Time `json:"at"`
	// UTC is the receiver time carried by the sentence, when present.
	UTC time.Time `json:"utc,omitempty"`

	LatDeg float64 `json:"lat_deg"`
	LonDeg float64 `json:"lon_deg"`
	AltM   float64 `json:"alt_m"`
	HasAlt bool    `json:"has_alt"`

	SpeedMps  float64 `json:"speed_mps"`
	HasSpeed  bool    `json:"has_speed"`
	CourseDeg float64 `json:"course_deg"`
	HasCourse bool    `json:"has_course"`
	// VelocityAt is when speed/course were last refreshed.
	VelocityAt time.Time `json:"velocity_at"`

	Quality    int     `json:"quality"`
	Satellites int     `json:"satellites"`
	HDOP       float64 `json:"hdop"`
	SatsInView int     `json:"sats_in_view"`
}

// Satellite is one entry of a reassembled GSV group.
type Satellite struct {
	PRN       int `json:"prn"`
	Elevation int `json:"elevation"`
	Azimuth   int `json:"azimuth"`
	SNR       int `json:"snr"`
}

// Change reports what a decoded sentence touched.
type Change uint8

const (
	ChangePosition Change = 1 << iota
	ChangeVelocity
	ChangeSky
)

func (c Change) Has(o Change) bool { return c&o != 0 }

type gsvGroup struct {
	total      int
	next       int
	inView     int
	satellites []Satellite
}

// Decoder turns NMEA sentences into Fix updates. It is not safe for
// concurrent use; the control loop owns it.
type Decoder struct {
	fix Fix

	// Partial GSV groups keyed by talker, and the last complete group per talker.
	pending  map[string]*gsvGroup
	complete map[string]gsvGroup
}

func NewDecoder() *Decoder {
	return &Decoder{
		pending:  map[string]*gsvGroup{},
		complete: map[string]gsvGroup{},
	}
}

// Fix returns a copy of the current fix.
func (d *Decoder) Fix() Fix {
	return d.fix
}

// Satellites returns the last reassembled sky view across all talkers.
func (d *Decoder) Satellites() []Satellite {
	var out []Satellite
	for _, g := range d.complete {
		out = append(out, g.satellites...)
	}
	return out
}

// Decode applies one sentence received at now. Unsupported sentence types
// are ignored. Malformed input returns an error wrapping hal.ErrDecode and
// leaves the fix untouched.
func (d *Decoder) Decode(now time.Time, line string) (Change, error) {
	s, err := parseSentence(line)
	if err != nil {
		return 0, err
	}
	switch s.Type {
	case "RMC":
		return d.applyRMC(now, s.Fields)
	case "GGA":
		return d.applyGGA(now, s.Fields)
	case "VTG":
		return d.applyVTG(now, s.Fields)
	case "GSV":
		return d.applyGSV(s.Talker, s.Fields)
	default:
		return 0, nil
	}
}

// RMC: Recommended Minimum Specific GNSS Data
//
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3,4: latitude, N/S
//	5,6: longitude, E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
func (d *Decoder) applyRMC(now time.Time, f []string) (Change, error) {
	if len(f) < 10 {
		return 0, fmt.Errorf("nmea: RMC has %d fields: %w", len(f), hal.ErrDecode)
	}
	status := strings.TrimSpace(f[2])
	if status != "A" {
		if status != "V" {
			return 0, fmt.Errorf("nmea: RMC status %q: %w", status, hal.ErrDecode)
		}
		// Void fix: keep the last one, it will age out.
		return 0, nil
	}

	lat, latOK := parseLatLon(f[3], f[4])
	lon, lonOK := parseLatLon(f[5], f[6])
	if !latOK || !lonOK {
		return 0, fmt.Errorf("nmea: RMC position %q,%q %q,%q: %w", f[3], f[4], f[5], f[6], hal.ErrDecode)
	}

	var ch Change
	if gs, ok := parseFloat(f[7]); ok && gs >= 0 {
		d.fix.SpeedMps = gs * knotsToMps
		d.fix.HasSpeed = true
		d.fix.VelocityAt = now
		ch |= ChangeVelocity
	}
	if trk, ok := parseFloat(f[8]); ok {
		d.fix.CourseDeg = wrap360(trk)
		d.fix.HasCourse = true
		d.fix.VelocityAt = now
		ch |= ChangeVelocity
	}
	if utc, ok := parseUTC(f[1], f[9], now); ok {
		d.fix.UTC = utc
	}

	d.fix.LatDeg = lat
	d.fix.LonDeg = lon
	d.fix.Valid = true
	d.fix.At = now
	return ch | ChangePosition, nil
}

// GGA: Global Positioning System Fix Data
//
//	1: time
//	2,3: latitude, N/S
//	4,5: longitude, E/W
//	6: fix quality (0=invalid)
//	7: number of satellites
//	8: HDOP
//	9,10: altitude, units (M)
func (d *Decoder) applyGGA(now time.Time, f []string) (Change, error) {
	if len(f) < 11 {
		return 0, fmt.Errorf("nmea: GGA has %d fields: %w", len(f), hal.ErrDecode)
	}
	q, ok := parseInt(f[6])
	if !ok {
		if strings.TrimSpace(f[6]) == "" {
			return 0, nil
		}
		return 0, fmt.Errorf("nmea: GGA quality %q: %w", f[6], hal.ErrDecode)
	}
	d.fix.Quality = q
	if sats, ok := parseInt(f[7]); ok {
		d.fix.Satellites = sats
	}
	if hdop, ok := parseFloat(f[8]); ok {
		d.fix.HDOP = hdop
	}
	if q == 0 {
		return 0, nil
	}

	lat, latOK := parseLatLon(f[2], f[3])
	lon, lonOK := parseLatLon(f[4], f[5])
	if !latOK || !lonOK {
		return 0, fmt.Errorf("nmea: GGA position %q,%q %q,%q: %w", f[2], f[3], f[4], f[5], hal.ErrDecode)
	}
	if altM, ok := parseFloat(f[9]); ok {
		d.fix.AltM = altM
		d.fix.HasAlt = true
	}
	if utc, ok := parseUTC(f[1], "", now); ok {
		d.fix.UTC = utc
	}

	d.fix.LatDeg = lat
	d.fix.LonDeg = lon
	d.fix.Valid = true
	d.fix.At = now
	return ChangePosition, nil
}

// VTG: Course over ground and ground speed
//
//	1: course true, 2: T
//	3: course magnetic, 4: M
//	5: speed knots, 6: N
//	7: speed km/h, 8: K
//	9: mode (NMEA 2.3+, N=not valid)
func (d *Decoder) applyVTG(now time.Time, f []string) (Change, error) {
	if len(f) < 9 {
		return 0, fmt.Errorf("nmea: VTG has %d fields: %w", len(f), hal.ErrDecode)
	}
	if len(f) > 9 && strings.TrimSpace(f[9]) == "N" {
		return 0, nil
	}
	var ch Change
	if kmh, ok := parseFloat(f[7]); ok && kmh >= 0 {
		d.fix.SpeedMps = kmh / 3.6
		d.fix.HasSpeed = true
		ch |= ChangeVelocity
	} else if kt, ok := parseFloat(f[5]); ok && kt >= 0 {
		d.fix.SpeedMps = kt * knotsToMps
		d.fix.HasSpeed = true
		ch |= ChangeVelocity
	}
	if trk, ok := parseFloat(f[1]); ok {
		d.fix.CourseDeg = wrap360(trk)
		d.fix.HasCourse = true
		ch |= ChangeVelocity
	}
	if ch != 0 {
		d.fix.VelocityAt = now
	}
	return ch, nil
}

// GSV: Satellites in view, split over several sentences.
//
//	1: total sentences in group
//	2: sentence number (1-based)
//	3: satellites in view
//	4..: blocks of PRN, elevation, azimuth, SNR
func (d *Decoder) applyGSV(talker string, f []string) (Change, error) {
	if len(f) < 4 {
		return 0, fmt.Errorf("nmea: GSV has %d fields: %w", len(f), hal.ErrDecode)
	}
	total, ok1 := parseInt(f[1])
	num, ok2 := parseInt(f[2])
	inView, ok3 := parseInt(f[3])
	if !ok1 || !ok2 || !ok3 || total < 1 || num < 1 || num > total || inView < 0 {
		delete(d.pending, talker)
		return 0, fmt.Errorf("nmea: GSV header %q/%q/%q: %w", f[1], f[2], f[3], hal.ErrDecode)
	}

	g := d.pending[talker]
	if num == 1 {
		g = &gsvGroup{total: total, next: 1, inView: inView}
		d.pending[talker] = g
	}
	if g == nil || g.total != total || g.next != num {
		// Out-of-order or missing part: drop the whole group.
		delete(d.pending, talker)
		return 0, fmt.Errorf("nmea: GSV part %d/%d out of sequence: %w", num, total, hal.ErrDecode)
	}

	for i := 4; i < len(f); i += 4 {
		prn, ok := parseInt(f[i])
		if !ok {
			continue
		}
		sat := Satellite{PRN: prn}
		if i+1 < len(f) {
			sat.Elevation, _ = parseInt(f[i+1])
		}
		if i+2 < len(f) {
			sat.Azimuth, _ = parseInt(f[i+2])
		}
		if i+3 < len(f) {
			sat.SNR, _ = parseInt(f[i+3])
		}
		g.satellites = append(g.satellites, sat)
	}
	g.next++
	if num < total {
		return 0, nil
	}

	delete(d.pending, talker)
	d.complete[talker] = *g
	sum := 0
	for _, c := range d.complete {
		sum += c.inView
	}
	d.fix.SatsInView = sum
	return ChangeSky, nil
}

func wrap360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
