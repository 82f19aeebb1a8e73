package gps

import (
	"context"
	"log"
	"net"
	"strings"
	"time"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

// GPSDFeed pulls raw NMEA through a local gpsd instead of opening the
// receiver directly. gpsd interleaves JSON reports, which are skipped.
type GPSDFeed struct {
	Addr string
}

func (f GPSDFeed) Name() string {
	return "gpsd:" + f.addr()
}

func (f GPSDFeed) addr() string {
	if a := strings.TrimSpace(f.Addr); a != "" {
		return a
	}
	return gpsdDefaultAddr
}

func (f GPSDFeed) Run(ctx context.Context, emit func(string)) error {
	addr := f.addr()
	conn, err := dialGPSD(ctx, addr)
	if err != nil {
		return err
	}
	if err := gpsdWatch(conn); err != nil {
		_ = conn.Close()
		return err
	}
	log.Printf("gps gpsd connected addr=%s", addr)
	return readLines(ctx, conn, emit)
}

// dialGPSD connects to gpsd over TCP.
func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch asks gpsd to pass receiver sentences through unchanged.
func gpsdWatch(conn net.Conn) error {
	_, err := conn.Write([]byte("?WATCH={\"enable\":true,\"nmea\":true}\n"))
	return err
}
