package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/1ureka/netmesh/internal/util"
	"github.com/1ureka/netmesh/internal/webrtc"
)

// Offer drives the offering side of an exchange over conn: it sends the
// offer, applies the answer and trades ICE candidates until peer is ready.
func Offer(ctx context.Context, conn *websocket.Conn, peer Negotiator) error {
	return exchange(ctx, conn, peer, true)
}

// Answer drives the answering side of an exchange over conn.
func Answer(ctx context.Context, conn *websocket.Conn, peer Negotiator) error {
	return exchange(ctx, conn, peer, false)
}

func exchange(ctx context.Context, conn *websocket.Conn, peer Negotiator, offer bool) error {
	s := &sender{peer: peer, conn: conn}
	r := &receiver{peer: peer, conn: conn, sender: s}

	peer.OnICECandidate(func(c *pionwebrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := s.sendCandidate(string(data)); err != nil {
			util.LogDebug("signaling: send candidate: %v", err)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	if offer {
		if err := s.sendOffer(); err != nil {
			return fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-peer.Ready():
		return nil
	case err := <-errCh:
		return fmt.Errorf("signaling failed: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EstablishAsHost serves signaling on addr, waits for one client and
// returns a Peer whose data channel is open. The WebSocket server is closed
// before returning.
func EstablishAsHost(ctx context.Context, addr string, iceServers []string) (*webrtc.Peer, error) {
	srv := NewServer()
	port, err := srv.Start(addr)
	if err != nil {
		return nil, err
	}
	defer srv.Close()

	util.LogInfo("signaling server listening on port %d, waiting for client", port)

	conn, err := srv.WaitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer conn.Close()
	util.LogInfo("signaling client connected from %s", conn.RemoteAddr())

	peer, err := webrtc.NewPeer(ctx, webrtc.RoleHost, iceServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer: %w", err)
	}
	if err := Offer(ctx, conn, peer); err != nil {
		peer.Close()
		return nil, err
	}

	util.LogSuccess("data channel established")
	return peer, nil
}

// EstablishAsClient connects to a host's signaling URL and returns a Peer
// whose data channel is open.
func EstablishAsClient(ctx context.Context, url string, iceServers []string) (*webrtc.Peer, error) {
	conn, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	util.LogInfo("signaling connected: %s", url)

	peer, err := webrtc.NewPeer(ctx, webrtc.RoleClient, iceServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer: %w", err)
	}
	if err := Answer(ctx, conn, peer); err != nil {
		peer.Close()
		return nil, err
	}

	util.LogSuccess("data channel established")
	return peer, nil
}
