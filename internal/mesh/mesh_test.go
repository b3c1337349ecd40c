package mesh

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/netmesh/internal/protocol"
	"github.com/1ureka/netmesh/internal/transport"
)

const (
	testProtocolID = 0x12345678
	meshPort       = 30000
	sendRate       = 10 * time.Millisecond
	timeout        = 100 * time.Millisecond
)

var meshAddr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), meshPort)

func newRegistry(t *testing.T, network *transport.Network, maxPeers int) *Registry {
	t.Helper()
	r := New(testProtocolID,
		WithMaxPeers(maxPeers),
		WithSendRate(sendRate),
		WithTimeout(timeout),
		WithTransport(network.Factory()),
	)
	require.NoError(t, r.Start(meshPort))
	t.Cleanup(r.Stop)
	return r
}

// rawPeer speaks the control protocol directly so the registry can be driven
// one message at a time.
func rawPeer(t *testing.T, network *transport.Network, port uint16) transport.Datagram {
	t.Helper()
	ep := network.Factory()()
	require.NoError(t, ep.Open(port))
	t.Cleanup(func() { ep.Close() })
	return ep
}

func drain(ep transport.Datagram) [][]byte {
	var out [][]byte
	for {
		_, data, ok := ep.Receive()
		if !ok {
			return out
		}
		out = append(out, data)
	}
}

func TestJoinAcceptKeepAlive(t *testing.T) {
	network := transport.NewNetwork()
	r := newRegistry(t, network, 2)
	peer := rawPeer(t, network, 40000)

	require.NoError(t, peer.Send(meshAddr, protocol.EncodeControl(testProtocolID, protocol.TypeJoinRequest)))
	r.Update(time.Millisecond)
	assert.Equal(t, peer.LocalAddr(), r.PeerAddress(0))
	assert.False(t, r.IsPeerConnected(0))

	r.Update(sendRate)
	got := drain(peer)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.EncodeAccepted(testProtocolID, 0, 2), got[0])

	require.NoError(t, peer.Send(meshAddr, protocol.EncodeControl(testProtocolID, protocol.TypeKeepAlive)))
	r.Update(sendRate)
	assert.True(t, r.IsPeerConnected(0))

	got = drain(peer)
	require.Len(t, got, 1)
	want := protocol.EncodeMembership(testProtocolID, []protocol.Member{
		{Addr: peer.LocalAddr(), ID: 0},
		{},
	})
	assert.Equal(t, want, got[0])
}

func TestJoinRequestFromAcceptedPeerResetsIdle(t *testing.T) {
	network := transport.NewNetwork()
	r := newRegistry(t, network, 1)
	peer := rawPeer(t, network, 40000)
	join := protocol.EncodeControl(testProtocolID, protocol.TypeJoinRequest)

	for elapsed := time.Duration(0); elapsed < 3*timeout; elapsed += sendRate {
		require.NoError(t, peer.Send(meshAddr, join))
		r.Update(sendRate)
	}
	assert.Equal(t, peer.LocalAddr(), r.PeerAddress(0))
	assert.False(t, r.IsPeerConnected(0))
}

func TestFullRegistryIgnoresJoin(t *testing.T) {
	network := transport.NewNetwork()
	r := newRegistry(t, network, 1)
	first := rawPeer(t, network, 40000)
	second := rawPeer(t, network, 40001)
	join := protocol.EncodeControl(testProtocolID, protocol.TypeJoinRequest)

	require.NoError(t, first.Send(meshAddr, join))
	require.NoError(t, second.Send(meshAddr, join))
	r.Update(2 * sendRate)

	assert.Equal(t, first.LocalAddr(), r.PeerAddress(0))
	assert.NotEmpty(t, drain(first))
	assert.Empty(t, drain(second))
}

func TestIdleSlotIsFreed(t *testing.T) {
	network := transport.NewNetwork()
	r := newRegistry(t, network, 1)
	first := rawPeer(t, network, 40000)
	second := rawPeer(t, network, 40001)
	join := protocol.EncodeControl(testProtocolID, protocol.TypeJoinRequest)
	keepAlive := protocol.EncodeControl(testProtocolID, protocol.TypeKeepAlive)

	require.NoError(t, first.Send(meshAddr, join))
	require.NoError(t, first.Send(meshAddr, keepAlive))
	r.Update(time.Millisecond)
	require.True(t, r.IsPeerConnected(0))

	r.Update(timeout - time.Millisecond)
	assert.True(t, r.IsPeerConnected(0), "idle must exceed the timeout")
	r.Update(time.Millisecond)
	assert.False(t, r.IsPeerConnected(0))
	assert.False(t, r.PeerAddress(0).IsValid())

	require.NoError(t, second.Send(meshAddr, join))
	r.Update(time.Millisecond)
	assert.Equal(t, second.LocalAddr(), r.PeerAddress(0))
}

func TestKeepAliveFromUnknownIgnored(t *testing.T) {
	network := transport.NewNetwork()
	r := newRegistry(t, network, 2)
	peer := rawPeer(t, network, 40000)

	require.NoError(t, peer.Send(meshAddr, protocol.EncodeControl(testProtocolID, protocol.TypeKeepAlive)))
	require.NoError(t, peer.Send(meshAddr, protocol.EncodeControl(0xCAFEBABE, protocol.TypeJoinRequest)))
	require.NoError(t, peer.Send(meshAddr, []byte{0x12, 0x34}))
	r.Update(2 * sendRate)

	for id := 0; id < r.MaxPeers(); id++ {
		assert.False(t, r.PeerAddress(id).IsValid())
	}
	assert.Empty(t, drain(peer))
}

func TestBroadcastCatchesUp(t *testing.T) {
	network := transport.NewNetwork()
	r := newRegistry(t, network, 2)
	peer := rawPeer(t, network, 40000)

	require.NoError(t, r.Reserve(1, peer.LocalAddr()))
	r.Update(3*sendRate + sendRate/2)

	got := drain(peer)
	require.Len(t, got, 3)
	for _, data := range got {
		assert.Equal(t, protocol.EncodeAccepted(testProtocolID, 1, 2), data)
	}
}

func TestReserve(t *testing.T) {
	network := transport.NewNetwork()
	r := newRegistry(t, network, 2)
	local := netip.MustParseAddrPort("127.0.0.1:30002")

	require.NoError(t, r.Reserve(0, local))
	assert.Equal(t, local, r.PeerAddress(0))
	assert.False(t, r.IsPeerConnected(0))

	assert.ErrorIs(t, r.Reserve(2, local), ErrInvalidSlot)
	assert.ErrorIs(t, r.Reserve(-1, local), ErrInvalidSlot)
	assert.ErrorIs(t, r.Reserve(1, local), ErrAddressInUse)
	require.NoError(t, r.Reserve(0, local))

	members := r.Snapshot()
	require.Len(t, members, 2)
	assert.Equal(t, protocol.Member{Addr: local, ID: 0}, members[0])
	assert.Equal(t, protocol.Member{}, members[1])
}

func TestStopAndReset(t *testing.T) {
	network := transport.NewNetwork()
	r := newRegistry(t, network, 2)
	require.NoError(t, r.Reserve(0, netip.MustParseAddrPort("127.0.0.1:30002")))

	r.Reset()
	r.Reset()
	assert.False(t, r.PeerAddress(0).IsValid())

	r.Stop()
	r.Stop()
	assert.False(t, r.IsRunning())
	assert.Panics(t, func() { r.Update(time.Millisecond) })

	require.NoError(t, r.Start(meshPort))
	assert.ErrorIs(t, r.Start(meshPort), ErrAlreadyStarted)
	assert.Equal(t, meshAddr, r.LocalAddr())
}

func TestMaxPeersOutOfRange(t *testing.T) {
	assert.Panics(t, func() { New(testProtocolID, WithMaxPeers(0)) })
	assert.Panics(t, func() { New(testProtocolID, WithMaxPeers(256)) })
	assert.Equal(t, DefaultMaxPeers, New(testProtocolID).MaxPeers())
}
