package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/1ureka/netmesh/internal/util"
)

const (
	readBufferSize = 64 * 1024 // largest UDP payload
	inboxSize      = 1024      // queued inbound datagrams before dropping
)

// UDP is a Datagram over an IPv4 UDP socket. A reader goroutine drains the
// socket into a bounded inbox so that Receive never blocks.
type UDP struct {
	conn  *net.UDPConn
	inbox chan packet
	wg    sync.WaitGroup
}

// NewUDP returns an unopened UDP endpoint.
func NewUDP() *UDP {
	return &UDP{}
}

// UDPFactory is the Factory for real sockets.
func UDPFactory() Datagram { return NewUDP() }

func (u *UDP) Open(port uint16) error {
	if u.conn != nil {
		return ErrAlreadyOpen
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("failed to bind udp port %d: %w", port, err)
	}
	u.conn = conn
	u.inbox = make(chan packet, inboxSize)

	u.wg.Add(1)
	go u.readLoop(conn, u.inbox)
	return nil
}

func (u *UDP) readLoop(conn *net.UDPConn, inbox chan<- packet) {
	defer u.wg.Done()
	defer close(inbox)

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				util.LogDebug("udp read on %s failed: %v", conn.LocalAddr(), err)
			}
			return
		}
		util.Stats.AddRecv(n)

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case inbox <- packet{from: unmap(from), data: data}:
		default:
			util.LogDebug("udp inbox full on %s, dropping %d bytes from %s", conn.LocalAddr(), n, from)
		}
	}
}

func (u *UDP) Send(dst netip.AddrPort, b []byte) error {
	if u.conn == nil {
		return ErrNotOpen
	}
	n, err := u.conn.WriteToUDPAddrPort(b, dst)
	if err != nil {
		return err
	}
	util.Stats.AddSent(n)
	return nil
}

func (u *UDP) Receive() (netip.AddrPort, []byte, bool) {
	if u.conn == nil {
		return netip.AddrPort{}, nil, false
	}
	select {
	case p, ok := <-u.inbox:
		if !ok {
			return netip.AddrPort{}, nil, false
		}
		return p.from, p.data, true
	default:
		return netip.AddrPort{}, nil, false
	}
}

func (u *UDP) LocalAddr() netip.AddrPort {
	if u.conn == nil {
		return netip.AddrPort{}
	}
	return unmap(u.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Close releases the socket and waits for the reader to exit. It is safe to
// call more than once.
func (u *UDP) Close() error {
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.wg.Wait()
	u.conn = nil
	u.inbox = nil
	return err
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
