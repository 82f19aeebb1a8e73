//go:build linux

package i2c

import (
	"os"
	"strings"
	"testing"
)

func devNullBus(t *testing.T) *Bus {
	t.Helper()
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile /dev/null: %v", err)
	}
	b := &Bus{f: f, path: "/dev/null"}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestTransfer_InvalidAddr(t *testing.T) {
	b := devNullBus(t)
	for _, addr := range []uint16{0, 0x80, 0x3FF} {
		err := b.Dev(addr).Write([]byte{0x00})
		if err == nil || !strings.Contains(err.Error(), "invalid i2c addr") {
			t.Fatalf("addr=0x%X err=%v want invalid i2c addr", addr, err)
		}
	}
}

func TestTransfer_EmptyIsNoop(t *testing.T) {
	d := devNullBus(t).Dev(0x68)
	if err := d.transfer(nil, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestBuildMsgs(t *testing.T) {
	w := []byte{0x2D}
	r := make([]byte, 6)

	msgs := buildMsgs(0x68, w, r)
	if len(msgs) != 2 {
		t.Fatalf("len=%d want 2", len(msgs))
	}
	if msgs[0].flags != 0 || msgs[0].len != 1 || msgs[0].addr != 0x68 {
		t.Fatalf("write msg=%+v", msgs[0])
	}
	if msgs[1].flags != flagRead || msgs[1].len != 6 {
		t.Fatalf("read msg=%+v", msgs[1])
	}

	if got := buildMsgs(0x68, nil, r); len(got) != 1 || got[0].flags != flagRead {
		t.Fatalf("read-only msgs=%+v", got)
	}
	if got := buildMsgs(0x68, nil, nil); len(got) != 0 {
		t.Fatalf("empty msgs=%+v", got)
	}
}

func TestTransfer_ClosedBus(t *testing.T) {
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile /dev/null: %v", err)
	}
	b := &Bus{f: f, path: "/dev/i2c-1"}
	d := b.Dev(0x68)
	if got := d.String(); got != "/dev/i2c-1@0x68" {
		t.Fatalf("String()=%q", got)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.WriteReg(0x06, 0x01); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("err=%v want closed bus error", err)
	}
	// Second close is a no-op.
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
