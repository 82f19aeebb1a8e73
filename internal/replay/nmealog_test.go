package replay

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (fs *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	fs.slept = append(fs.slept, d)
	return nil
}

const (
	rmc = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
	gga = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
)

func TestReaderReadAll(t *testing.T) {
	in := strings.NewReader(`
# comment

START
0,` + rmc + `
10, ` + gga + `
`)

	recs, err := NewReader(in).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Line != "" {
		t.Fatalf("expected START marker, got %q", recs[0].Line)
	}
	if recs[1].At != 0 || recs[1].Line != rmc {
		t.Fatalf("record 1 = %+v", recs[1])
	}
	if recs[2].At != 10*time.Nanosecond || recs[2].Line != gga {
		t.Fatalf("record 2 = %+v", recs[2])
	}
}

func TestReaderReadAll_InvalidLine(t *testing.T) {
	for _, in := range []string{"not-a-valid-line\n", "x,$GPRMC\n", "5,GPRMC,no-dollar\n", "-1,$GPRMC\n"} {
		if _, err := NewReader(strings.NewReader(in)).ReadAll(); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestPlay_RespectsTimingAndStart(t *testing.T) {
	var got []string
	fs := &fakeSleeper{}

	recs := []Record{
		{At: 1 * time.Second},
		{At: 1 * time.Second, Line: "$A"},
		{At: 1*time.Second + 100*time.Nanosecond, Line: "$B"},
		{At: 2 * time.Second},
		{At: 2*time.Second + 50*time.Nanosecond, Line: "$C"},
	}

	err := Play(context.Background(), recs, 1.0, false, fs, func(line string) error {
		got = append(got, line)
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"$A", "$B", "$C"}) {
		t.Fatalf("lines = %q", got)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{100 * time.Nanosecond}) {
		t.Fatalf("slept = %v, want [100ns]", fs.slept)
	}
}

func TestPlay_SpeedMultiplier(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{
		{At: 0, Line: "$A"},
		{At: 100 * time.Nanosecond, Line: "$B"},
	}
	if err := Play(context.Background(), recs, 2.0, false, fs, func(string) error { return nil }); err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{50 * time.Nanosecond}) {
		t.Fatalf("slept = %v, want [50ns]", fs.slept)
	}
}

func TestPlay_InvalidSpeed(t *testing.T) {
	recs := []Record{{At: 0, Line: "$A"}}
	if err := Play(context.Background(), recs, 0, false, nil, func(string) error { return nil }); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPlay_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	recs := []Record{{At: 0, Line: "$A"}, {At: time.Hour, Line: "$B"}}
	n := 0
	done := make(chan error, 1)
	go func() {
		done <- Play(ctx, recs, 1, true, nil, func(string) error { n++; return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err=%v want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Play did not stop on cancel")
	}
	if n != 1 {
		t.Fatalf("callbacks=%d want 1", n)
	}
}

func TestWriter_RoundTripsThroughFeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gps.log")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	w.start = time.Unix(0, 0)
	w.Tap(time.Unix(0, 20), rmc)
	if err := w.WriteLine(time.Unix(0, 45), gga+"\r\n"); err != nil {
		t.Fatalf("WriteLine() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := w.WriteLine(time.Unix(0, 50), rmc); err == nil {
		t.Fatalf("expected write after close to fail")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if want := "START\n20," + rmc + "\n45," + gga + "\n"; string(b) != want {
		t.Fatalf("unexpected file contents: %q", string(b))
	}

	fs := &fakeSleeper{}
	feed := &Feed{Path: path, Sleeper: fs}
	var got []string
	if err := feed.Run(context.Background(), func(line string) { got = append(got, line) }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(got, []string{rmc, gga}) {
		t.Fatalf("replayed %q", got)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{25 * time.Nanosecond}) {
		t.Fatalf("slept = %v", fs.slept)
	}
}
