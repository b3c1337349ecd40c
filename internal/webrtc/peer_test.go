package webrtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/netmesh/internal/transport"
)

func TestDatagramBeforeOpen(t *testing.T) {
	p, err := NewPeer(context.Background(), RoleHost, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.Send(ClientAddr, []byte("x")), transport.ErrNotOpen)
	_, _, ok := p.Receive()
	assert.False(t, ok)

	d := p.Factory()()
	require.NoError(t, d.Open(0))
	assert.ErrorIs(t, d.Open(0), transport.ErrAlreadyOpen)

	// Not connected yet: the datagram is dropped, not failed.
	assert.NoError(t, d.Send(ClientAddr, []byte("x")))
	assert.Equal(t, HostAddr, d.LocalAddr())
	assert.Equal(t, ClientAddr, p.RemoteAddr())
}

func TestOfferDescribesDataChannel(t *testing.T) {
	p, err := NewPeer(context.Background(), RoleHost, nil)
	require.NoError(t, err)
	defer p.Close()

	offer, err := p.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=application")
}

func TestCloseEndsPeer(t *testing.T) {
	p, err := NewPeer(context.Background(), RoleClient, nil)
	require.NoError(t, err)
	require.NoError(t, p.Open(0))

	require.NoError(t, p.Close())
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("peer not done after Close")
	}
	assert.ErrorIs(t, p.Send(HostAddr, []byte("x")), transport.ErrNotOpen)
	assert.Equal(t, ClientAddr, p.LocalAddr())
}

// connectPair wires two peers to each other in-process, without a signaling
// server. It skips the test when the host has no usable ICE candidates.
func connectPair(t *testing.T) (host, client *Peer) {
	t.Helper()
	host, err := NewPeer(context.Background(), RoleHost, nil)
	require.NoError(t, err)
	t.Cleanup(func() { host.Close() })
	client, err = NewPeer(context.Background(), RoleClient, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	host.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			_ = client.AddICECandidate(c.ToJSON())
		}
	})
	client.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			_ = host.AddICECandidate(c.ToJSON())
		}
	})

	offer, err := host.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, host.SetLocalDescription(offer))
	require.NoError(t, client.SetRemoteDescription(offer))
	answer, err := client.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, client.SetLocalDescription(answer))
	require.NoError(t, host.SetRemoteDescription(answer))

	for _, p := range []*Peer{host, client} {
		select {
		case <-p.Ready():
		case <-time.After(10 * time.Second):
			t.Skip("data channel did not open; no usable ICE host candidates")
		}
	}
	return host, client
}

func TestDatagramLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	host, client := connectPair(t)
	require.NoError(t, host.Open(0))
	require.NoError(t, client.Open(0))

	require.NoError(t, client.Send(HostAddr, []byte("ping")))

	var (
		got  []byte
		from = ClientAddr
	)
	require.Eventually(t, func() bool {
		f, b, ok := host.Receive()
		if ok {
			from, got = f, b
		}
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("ping"), got)
	assert.Equal(t, ClientAddr, from)
}
