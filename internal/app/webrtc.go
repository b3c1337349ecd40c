package app

import (
	"context"
	"time"

	"github.com/1ureka/netmesh/internal/config"
	"github.com/1ureka/netmesh/internal/connection"
	"github.com/1ureka/netmesh/internal/signaling"
	"github.com/1ureka/netmesh/internal/util"
	"github.com/1ureka/netmesh/internal/webrtc"
)

// RunWebRTCHost serves signaling on cfg.SignalAddr, waits for one client and
// runs a reliable link over the resulting data channel.
func RunWebRTCHost(ctx context.Context, cfg *config.Config) error {
	peer, err := signaling.EstablishAsHost(ctx, cfg.SignalAddr, cfg.ICEServers)
	if err != nil {
		return err
	}
	defer peer.Close()

	conn := newConnection(cfg, connection.WithTransport(peer.Factory()))
	if err := conn.Start(0); err != nil {
		return err
	}
	defer conn.Stop()
	conn.Listen()

	return runPeerLink(ctx, peer, newLink(conn, cfg.MaxPacketSize/4))
}

// RunWebRTCClient connects to the host's signaling URL and runs a reliable
// link over the resulting data channel.
func RunWebRTCClient(ctx context.Context, cfg *config.Config, url string) error {
	peer, err := signaling.EstablishAsClient(ctx, url, cfg.ICEServers)
	if err != nil {
		return err
	}
	defer peer.Close()

	conn := newConnection(cfg, connection.WithTransport(peer.Factory()))
	if err := conn.Start(0); err != nil {
		return err
	}
	defer conn.Stop()
	conn.Connect(webrtc.HostAddr)

	return runPeerLink(ctx, peer, newLink(conn, cfg.MaxPacketSize/4))
}

// runPeerLink ends the loop once the data channel goes away.
func runPeerLink(ctx context.Context, peer *webrtc.Peer, l *link) error {
	util.StartStatsReporter(ctx, reportInterval)
	return loop(ctx, TickInterval, func(dt time.Duration) error {
		select {
		case <-peer.Done():
			util.LogWarning("data channel closed")
			return ErrLinkLost
		default:
		}
		return l.step(dt)
	})
}
