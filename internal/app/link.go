package app

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/netmesh/internal/config"
	"github.com/1ureka/netmesh/internal/connection"
	"github.com/1ureka/netmesh/internal/reliability"
	"github.com/1ureka/netmesh/internal/util"
)

var (
	ErrConnectFailed = errors.New("connect failed")
	ErrLinkLost      = errors.New("connection lost")
)

// link drives one reliable connection at the rate its flow controller allows
// and counts what arrives.
type link struct {
	conn    *connection.Connection
	flow    *reliability.FlowControl
	payload []byte

	sendAcc   time.Duration
	reportAcc time.Duration
	report    time.Duration

	received uint64
	joined   bool
}

func newLink(conn *connection.Connection, payloadSize int) *link {
	l := &link{
		conn:    conn,
		flow:    reliability.NewFlowControl(),
		payload: make([]byte, payloadSize),
		report:  reportInterval,
	}
	conn.OnConnect(func(addr netip.AddrPort) {
		util.LogSuccess("connected to %s", addr)
		l.flow.Reset()
		l.sendAcc = 0
		l.joined = true
	})
	conn.OnDisconnect(func() {
		util.LogWarning("disconnected")
	})
	return l
}

func (l *link) step(dt time.Duration) error {
	for {
		if _, ok := l.conn.ReceivePacket(); !ok {
			break
		}
		l.received++
	}

	// A connecting client has a bound address and must send to complete the
	// handshake; a listener has none until the first client arrives.
	if l.conn.Address().IsValid() {
		l.flow.Update(dt, l.conn.Reliability().RTT())

		l.sendAcc += dt
		interval := l.flow.SendInterval()
		for l.sendAcc >= interval {
			l.sendAcc -= interval
			if err := l.conn.SendPacket(l.payload); err != nil {
				util.LogDebug("send: %v", err)
			}
		}
	}

	l.conn.Update(dt)

	switch {
	case l.conn.ConnectFailed():
		return ErrConnectFailed
	case l.conn.Mode() == connection.ModeClient && l.joined && !l.conn.IsConnected():
		return ErrLinkLost
	}

	if l.report > 0 && l.conn.IsConnected() {
		l.reportAcc += dt
		if l.reportAcc >= l.report {
			l.reportAcc = 0
			if err := pterm.DefaultTable.WithHasHeader().WithData(l.rows()).Render(); err != nil {
				util.LogDebug("render stats: %v", err)
			}
		}
	}
	return nil
}

func (l *link) rows() pterm.TableData {
	tr := l.conn.Reliability()
	return pterm.TableData{
		{"Peer", "RTT", "Sent", "Acked", "Lost", "Recv", "Out kbit/s", "Acked kbit/s", "Flow"},
		{
			l.conn.Address().String(),
			tr.RTT().Round(time.Millisecond).String(),
			fmt.Sprint(tr.SentPackets()),
			fmt.Sprint(tr.AckedPackets()),
			fmt.Sprint(tr.LostPackets()),
			fmt.Sprint(tr.ReceivedPackets()),
			fmt.Sprintf("%.1f", tr.SentBandwidth()),
			fmt.Sprintf("%.1f", tr.AckedBandwidth()),
			fmt.Sprintf("%s %.0f/s", l.flow.Mode(), l.flow.SendRate()),
		},
	}
}

func newConnection(cfg *config.Config, opts ...connection.Option) *connection.Connection {
	opts = append([]connection.Option{
		connection.WithReliability(cfg.MaxSequence),
		connection.WithTransport(cfg.Factory()),
	}, opts...)
	return connection.New(cfg.Protocol(), cfg.Timeout, opts...)
}

// RunListen serves a reliable link on cfg.LinkPort. The listener accepts a
// new client after the previous one times out.
func RunListen(ctx context.Context, cfg *config.Config) error {
	conn := newConnection(cfg)
	if err := conn.Start(cfg.LinkPort); err != nil {
		return err
	}
	defer conn.Stop()
	conn.Listen()

	util.LogInfo("listening on %s", conn.LocalAddr())
	util.StartStatsReporter(ctx, reportInterval)
	return loop(ctx, TickInterval, newLink(conn, cfg.MaxPacketSize/4).step)
}

// RunConnect opens a reliable link to server, given as "a.b.c.d:port" or a
// bare address that implies cfg.LinkPort.
func RunConnect(ctx context.Context, cfg *config.Config, server string) error {
	addr, err := parseAddr(server, cfg.LinkPort)
	if err != nil {
		return err
	}

	conn := newConnection(cfg)
	if err := conn.Start(cfg.ClientPort); err != nil {
		return err
	}
	defer conn.Stop()
	conn.Connect(addr)

	util.StartStatsReporter(ctx, reportInterval)
	return loop(ctx, TickInterval, newLink(conn, cfg.MaxPacketSize/4).step)
}

func parseAddr(s string, port uint16) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddrPort(s); err == nil {
		return addr, nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid address %q", s)
	}
	return netip.AddrPortFrom(ip, port), nil
}
