package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync/atomic"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// UDPPublisher sends each snapshot as one JSON datagram. Delivery is best
// effort; send errors are logged and counted.
type UDPPublisher struct {
	dest string
	conn udpConn
	// Buffer is the hub subscription length; zero means 8.
	Buffer int

	sent   atomic.Uint64
	errors atomic.Uint64
}

func NewUDPPublisher(dest string) (*UDPPublisher, error) {
	return newUDPPublisher(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newUDPPublisher(dest string, resolve resolveFunc, dial dialFunc) (*UDPPublisher, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &UDPPublisher{dest: dest, conn: conn}, nil
}

func (p *UDPPublisher) Dest() string { return p.dest }

// Send writes one message.
func (p *UDPPublisher) Send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if _, err := p.conn.Write(b); err != nil {
		p.errors.Add(1)
		return err
	}
	p.sent.Add(1)
	return nil
}

// Run subscribes to hub and sends until ctx is done.
func (p *UDPPublisher) Run(ctx context.Context, hub *Hub) error {
	n := p.Buffer
	if n <= 0 {
		n = 8
	}
	id, ch := hub.Subscribe(n)
	defer hub.Unsubscribe(id)
	log.Printf("telemetry udp enabled dest=%s", p.dest)

	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			err := p.Send(NewMessage(s))
			if err != nil && !failing {
				log.Printf("telemetry udp send failed dest=%s err=%v", p.dest, err)
			}
			failing = err != nil
		}
	}
}

// Stats returns datagrams sent and failed.
func (p *UDPPublisher) Stats() (sent, failed uint64) {
	return p.sent.Load(), p.errors.Load()
}

func (p *UDPPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
