// Package quicdgram binds transport.Datagram to QUIC unreliable datagrams
// (RFC 9221). Every endpoint listens and dials on one UDP socket, so a peer
// sees the same source address whichever side opened the QUIC connection.
package quicdgram

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/1ureka/netmesh/internal/transport"
	"github.com/1ureka/netmesh/internal/util"
)

const (
	inboxSize    = 1024
	pendingLimit = 64 // datagrams held per destination while dialing
	dialTimeout  = 5 * time.Second
)

type datagram struct {
	from netip.AddrPort
	data []byte
}

// Endpoint keeps one QUIC connection per remote address, opened lazily on
// the first Send or accepted from the peer.
type Endpoint struct {
	udp      *net.UDPConn
	tr       *quic.Transport
	listener *quic.Listener
	inbox    chan datagram

	serverTLS *tls.Config
	clientTLS *tls.Config
	config    *quic.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[netip.AddrPort]*quic.Conn
	dialing map[netip.AddrPort][][]byte
}

func New() *Endpoint {
	return &Endpoint{}
}

// Factory is the transport.Factory for QUIC datagram endpoints.
func Factory() transport.Datagram { return New() }

func (e *Endpoint) Open(port uint16) error {
	if e.udp != nil {
		return transport.ErrAlreadyOpen
	}
	serverTLS, clientTLS, err := tlsConfigs()
	if err != nil {
		return fmt.Errorf("quic tls setup: %w", err)
	}
	udp, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("failed to bind udp port %d: %w", port, err)
	}

	e.config = &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 5 * time.Second,
	}
	e.tr = &quic.Transport{Conn: udp}
	listener, err := e.tr.Listen(serverTLS, e.config)
	if err != nil {
		e.tr.Close()
		udp.Close()
		e.tr = nil
		return fmt.Errorf("quic listen on port %d: %w", port, err)
	}

	e.udp = udp
	e.listener = listener
	e.serverTLS = serverTLS
	e.clientTLS = clientTLS
	e.inbox = make(chan datagram, inboxSize)
	e.conns = make(map[netip.AddrPort]*quic.Conn)
	e.dialing = make(map[netip.AddrPort][][]byte)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(1)
	go e.acceptLoop()
	return nil
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept(e.ctx)
		if err != nil {
			return
		}
		e.adopt(conn)
	}
}

func (e *Endpoint) dial(dst netip.AddrPort) {
	defer e.wg.Done()
	ctx, cancel := context.WithTimeout(e.ctx, dialTimeout)
	defer cancel()

	conn, err := e.tr.Dial(ctx, net.UDPAddrFromAddrPort(dst), e.clientTLS, e.config)
	if err != nil {
		util.LogDebug("quic dial %s failed: %v", dst, err)
		e.mu.Lock()
		delete(e.dialing, dst)
		e.mu.Unlock()
		return
	}
	e.adopt(conn)
}

// adopt registers conn for its remote address, flushes anything queued while
// dialing and starts its reader.
func (e *Endpoint) adopt(conn *quic.Conn) {
	from := remoteAddr(conn)

	e.mu.Lock()
	if e.conns == nil {
		e.mu.Unlock()
		conn.CloseWithError(0, "endpoint closed")
		return
	}
	e.conns[from] = conn
	queued := e.dialing[from]
	delete(e.dialing, from)
	e.wg.Add(1)
	e.mu.Unlock()

	for _, b := range queued {
		if err := conn.SendDatagram(b); err != nil {
			util.LogDebug("quic send to %s failed: %v", from, err)
			continue
		}
		util.Stats.AddSent(len(b))
	}
	go e.readLoop(conn, from)
}

func (e *Endpoint) readLoop(conn *quic.Conn, from netip.AddrPort) {
	defer e.wg.Done()
	for {
		b, err := conn.ReceiveDatagram(e.ctx)
		if err != nil {
			e.mu.Lock()
			if e.conns[from] == conn {
				delete(e.conns, from)
			}
			e.mu.Unlock()
			return
		}
		util.Stats.AddRecv(len(b))
		select {
		case e.inbox <- datagram{from: from, data: b}:
		default:
			util.LogDebug("quic inbox full, dropping %d bytes from %s", len(b), from)
		}
	}
}

// Send transmits b as a single QUIC datagram. The first Send to a new
// destination starts a dial and holds b until the handshake completes.
func (e *Endpoint) Send(dst netip.AddrPort, b []byte) error {
	if e.udp == nil {
		return transport.ErrNotOpen
	}
	e.mu.Lock()
	conn := e.conns[dst]
	if conn == nil {
		queued, inProgress := e.dialing[dst]
		if len(queued) < pendingLimit {
			queued = append(queued, append([]byte(nil), b...))
		}
		e.dialing[dst] = queued
		if !inProgress {
			e.wg.Add(1)
			go e.dial(dst)
		}
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := conn.SendDatagram(b); err != nil {
		return fmt.Errorf("quic send to %s: %w", dst, err)
	}
	util.Stats.AddSent(len(b))
	return nil
}

func (e *Endpoint) Receive() (netip.AddrPort, []byte, bool) {
	if e.udp == nil {
		return netip.AddrPort{}, nil, false
	}
	select {
	case d := <-e.inbox:
		return d.from, d.data, true
	default:
		return netip.AddrPort{}, nil, false
	}
}

func (e *Endpoint) LocalAddr() netip.AddrPort {
	if e.udp == nil {
		return netip.AddrPort{}
	}
	return unmap(e.udp.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Close tears down every connection and the socket. It is safe to call more
// than once.
func (e *Endpoint) Close() error {
	if e.udp == nil {
		return nil
	}
	e.cancel()

	e.mu.Lock()
	conns := e.conns
	e.conns = nil
	e.dialing = nil
	e.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		conn.CloseWithError(0, "endpoint closed")
	}
	if err := e.listener.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.tr.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.udp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	e.wg.Wait()

	e.udp = nil
	e.tr = nil
	e.listener = nil
	e.inbox = nil
	return errors.Join(errs...)
}

func remoteAddr(conn *quic.Conn) netip.AddrPort {
	if udp, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		return unmap(udp.AddrPort())
	}
	ap, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	return unmap(ap)
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
