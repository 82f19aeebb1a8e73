package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"rcvehicle/internal/gps"
	"rcvehicle/internal/replay"
)

type logSummary struct {
	Segments    int
	Sentences   int
	Invalid     int
	MaxDuration time.Duration
	TypeCounts  map[string]int
	// LastFix is the decoder's fix after the final sentence.
	LastFix gps.Fix
}

func summarizeNMEALog(records []replay.Record) logSummary {
	s := logSummary{TypeCounts: map[string]int{}}
	if len(records) == 0 {
		return s
	}

	dec := gps.NewDecoder()
	base := time.Unix(0, 0).UTC()
	origin := time.Duration(0)
	hasLines := false
	segments := 0

	for _, r := range records {
		if r.Line == "" {
			segments++
			origin = r.At
			continue
		}
		hasLines = true

		s.Sentences++
		at := max(r.At-origin, 0)
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		if _, err := dec.Decode(base.Add(r.At), r.Line); err != nil {
			s.Invalid++
			continue
		}
		s.TypeCounts[sentenceType(r.Line)]++
	}
	if segments == 0 && hasLines {
		segments = 1
	}
	s.Segments = segments
	s.LastFix = dec.Fix()

	return s
}

// sentenceType returns the three-letter type of "$GPRMC,..." style lines,
// without the talker.
func sentenceType(line string) string {
	addr, _, _ := strings.Cut(strings.TrimPrefix(line, "$"), ",")
	if len(addr) < 5 {
		return addr
	}
	return addr[len(addr)-3:]
}

func printLogSummary(out io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}

	s := summarizeNMEALog(recs)

	fmt.Fprintf(out, "path: %s\n", path)
	fmt.Fprintf(out, "segments: %d\n", s.Segments)
	fmt.Fprintf(out, "sentences: %d\n", s.Sentences)
	fmt.Fprintf(out, "invalid_sentences: %d\n", s.Invalid)
	fmt.Fprintf(out, "max_duration: %s\n", s.MaxDuration)

	keys := make([]string, 0, len(s.TypeCounts))
	for k := range s.TypeCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "type_counts:\n")
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %d\n", k, s.TypeCounts[k])
	}
	if s.LastFix.Valid {
		fmt.Fprintf(out, "last_fix: %.6f,%.6f\n", s.LastFix.LatDeg, s.LastFix.LonDeg)
	}
	return nil
}
