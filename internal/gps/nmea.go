package gps

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rcvehicle/internal/hal"
)

const knotsToMps = 0.514444

type sentence struct {
	// Talker is the two-letter source prefix (GP, GN, GL...).
	Talker string
	Type   string
	// Fields is the comma-split payload (excluding $ and checksum).
	Fields []string
}

func parseSentence(line string) (sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return sentence{}, fmt.Errorf("nmea: missing '$': %w", hal.ErrDecode)
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return sentence{}, fmt.Errorf("nmea: missing checksum: %w", hal.ErrDecode)
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return sentence{}, fmt.Errorf("nmea: short checksum: %w", hal.ErrDecode)
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return sentence{}, fmt.Errorf("nmea: bad checksum %q: %w", ck[:2], hal.ErrDecode)
	}
	if got := checksum(payload); got != want[0] {
		return sentence{}, fmt.Errorf("nmea: checksum mismatch got=%02X want=%02X: %w", got, want[0], hal.ErrDecode)
	}

	parts := strings.Split(payload, ",")
	head := parts[0]
	if len(head) < 3 {
		return sentence{}, fmt.Errorf("nmea: short type %q: %w", head, hal.ErrDecode)
	}
	// Accept GNxxx/GPxxx, etc; normalize to last 3 chars.
	s := sentence{Type: strings.ToUpper(head[len(head)-3:]), Fields: parts}
	if len(head) > 3 {
		s.Talker = strings.ToUpper(head[:len(head)-3])
	}
	return s, nil
}

func checksum(payload string) byte {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return ck
}

// Format wraps a payload into a full sentence with its checksum.
func Format(payload string) string {
	return fmt.Sprintf("$%s*%02X", payload, checksum(payload))
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseLatLon parses NMEA lat/lon in ddmm.mmmm or dddmm.mmmm plus hemisphere.
func parseLatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	// The last two digits of the integer part are minutes.
	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil || mins < 0 || mins >= 60 {
		return 0, false
	}

	dec := float64(deg) + (mins / 60.0)
	limit := 90.0
	if hemi == "E" || hemi == "W" {
		limit = 180.0
	}
	if dec > limit {
		return 0, false
	}
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}

// parseUTC combines an hhmmss.sss time field with an optional ddmmyy date.
// Without a date the day of ref is used.
func parseUTC(clock, date string, ref time.Time) (time.Time, bool) {
	clock = strings.TrimSpace(clock)
	if len(clock) < 6 {
		return time.Time{}, false
	}
	hh, err1 := strconv.Atoi(clock[0:2])
	mm, err2 := strconv.Atoi(clock[2:4])
	secs, err3 := strconv.ParseFloat(clock[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil || hh > 23 || mm > 59 || secs >= 61 {
		return time.Time{}, false
	}
	ref = ref.UTC()
	y, mo, d := ref.Date()
	date = strings.TrimSpace(date)
	if len(date) == 6 {
		dd, e1 := strconv.Atoi(date[0:2])
		mon, e2 := strconv.Atoi(date[2:4])
		yy, e3 := strconv.Atoi(date[4:6])
		if e1 == nil && e2 == nil && e3 == nil && mon >= 1 && mon <= 12 {
			d, mo, y = dd, time.Month(mon), 2000+yy
		}
	}
	whole := int(secs)
	nanos := int((secs - float64(whole)) * 1e9)
	return time.Date(y, mo, d, hh, mm, whole, nanos, time.UTC), true
}
