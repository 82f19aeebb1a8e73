package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rcvehicle/internal/gps"
	"rcvehicle/internal/replay"
)

var (
	rmc = gps.Format("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W")
	gga = gps.Format("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")
	gsa = gps.Format("GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1")
)

func TestSentenceType(t *testing.T) {
	cases := map[string]string{
		rmc:               "RMC",
		"$GNGGA,1,2,3*00": "GGA",
		"$PUBX,00,foo*11": "PUBX",
	}
	for line, want := range cases {
		if got := sentenceType(line); got != want {
			t.Fatalf("sentenceType(%q)=%q want %q", line, got, want)
		}
	}
}

func TestSummarizeNMEALog(t *testing.T) {
	recs := []replay.Record{
		{At: 0},
		{At: 0, Line: rmc},
		{At: 200 * time.Millisecond, Line: gga},
		{At: 300 * time.Millisecond, Line: "$GPRMC,garbage*00"},
		{At: 0},
		{At: 1 * time.Second, Line: gsa},
		{At: 1200 * time.Millisecond, Line: rmc},
	}

	s := summarizeNMEALog(recs)
	if s.Segments != 2 {
		t.Fatalf("segments=%d want %d", s.Segments, 2)
	}
	if s.Sentences != 5 {
		t.Fatalf("sentences=%d want %d", s.Sentences, 5)
	}
	if s.Invalid != 1 {
		t.Fatalf("invalid=%d want %d", s.Invalid, 1)
	}
	if s.TypeCounts["RMC"] != 2 || s.TypeCounts["GGA"] != 1 || s.TypeCounts["GSA"] != 1 {
		t.Fatalf("type counts=%v", s.TypeCounts)
	}
	if s.MaxDuration != 1200*time.Millisecond {
		t.Fatalf("maxDuration=%s want %s", s.MaxDuration, 1200*time.Millisecond)
	}
	if !s.LastFix.Valid || s.LastFix.LatDeg < 48.11 || s.LastFix.LatDeg > 48.12 {
		t.Fatalf("last fix=%+v", s.LastFix)
	}
}

func TestSummarizeNMEALog_NoStartMarker(t *testing.T) {
	s := summarizeNMEALog([]replay.Record{{At: time.Second, Line: gga}})
	if s.Segments != 1 || s.Sentences != 1 {
		t.Fatalf("summary=%+v", s)
	}
	if got := summarizeNMEALog(nil); got.Segments != 0 || got.Sentences != 0 {
		t.Fatalf("empty summary=%+v", got)
	}
}

func TestPrintLogSummary_PrintsExpectedFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nmea.log")

	w, err := replay.CreateWriter(logPath)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	now := time.Now()
	if err := w.WriteLine(now, rmc); err != nil {
		_ = w.Close()
		t.Fatalf("WriteLine() error: %v", err)
	}
	if err := w.WriteLine(now.Add(100*time.Millisecond), gga); err != nil {
		_ = w.Close()
		t.Fatalf("WriteLine() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	var buf bytes.Buffer
	if err := printLogSummary(&buf, logPath); err != nil {
		t.Fatalf("printLogSummary() error: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"path: " + logPath,
		"segments: 1",
		"sentences: 2",
		"invalid_sentences: 0",
		"type_counts:",
		"  GGA: 1",
		"  RMC: 1",
		"last_fix: 48.117300,11.516667",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output: %q", want, out)
		}
	}
}

func TestPrintLogSummary_EmptyPath(t *testing.T) {
	if err := printLogSummary(&bytes.Buffer{}, "  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
