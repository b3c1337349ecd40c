package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer records what signaling applies to it and reports ready once
// isReady holds.
type fakePeer struct {
	mu          sync.Mutex
	sdp         string
	local       []pionwebrtc.SessionDescription
	remote      []pionwebrtc.SessionDescription
	candidates  []pionwebrtc.ICECandidateInit
	onCandidate func(*pionwebrtc.ICECandidate)
	isReady     func(*fakePeer) bool
	ready       chan struct{}
	once        sync.Once
}

func newFakePeer(sdp string, isReady func(*fakePeer) bool) *fakePeer {
	return &fakePeer{sdp: sdp, isReady: isReady, ready: make(chan struct{})}
}

func (f *fakePeer) CreateOffer() (pionwebrtc.SessionDescription, error) {
	return pionwebrtc.SessionDescription{Type: pionwebrtc.SDPTypeOffer, SDP: f.sdp}, nil
}

func (f *fakePeer) CreateAnswer() (pionwebrtc.SessionDescription, error) {
	return pionwebrtc.SessionDescription{Type: pionwebrtc.SDPTypeAnswer, SDP: f.sdp}, nil
}

func (f *fakePeer) SetLocalDescription(d pionwebrtc.SessionDescription) error {
	f.mu.Lock()
	f.local = append(f.local, d)
	fn := f.onCandidate
	f.mu.Unlock()

	if fn != nil {
		fn(&pionwebrtc.ICECandidate{
			Foundation: "1",
			Priority:   1,
			Address:    "10.0.0.1",
			Protocol:   pionwebrtc.ICEProtocolUDP,
			Port:       5000,
			Typ:        pionwebrtc.ICECandidateTypeHost,
			Component:  1,
		})
		fn(nil)
	}
	f.check()
	return nil
}

func (f *fakePeer) SetRemoteDescription(d pionwebrtc.SessionDescription) error {
	f.mu.Lock()
	f.remote = append(f.remote, d)
	f.mu.Unlock()
	f.check()
	return nil
}

func (f *fakePeer) OnICECandidate(fn func(*pionwebrtc.ICECandidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakePeer) AddICECandidate(c pionwebrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	f.mu.Unlock()
	f.check()
	return nil
}

func (f *fakePeer) Ready() <-chan struct{} { return f.ready }

func (f *fakePeer) check() {
	f.mu.Lock()
	ok := f.isReady(f)
	f.mu.Unlock()
	if ok {
		f.once.Do(func() { close(f.ready) })
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestOfferAnswerExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := NewServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	host := newFakePeer("host-sdp", func(f *fakePeer) bool {
		return len(f.remote) == 1 && len(f.candidates) == 1
	})
	client := newFakePeer("client-sdp", func(f *fakePeer) bool {
		return len(f.remote) == 1 && len(f.candidates) == 1
	})

	clientConn, err := Dial(ctx, wsURL(ts))
	require.NoError(t, err)
	defer clientConn.Close()

	hostConn, err := srv.WaitForClient(ctx)
	require.NoError(t, err)
	defer hostConn.Close()

	answerErr := make(chan error, 1)
	go func() {
		answerErr <- Answer(ctx, clientConn, client)
	}()

	require.NoError(t, Offer(ctx, hostConn, host))
	require.NoError(t, <-answerErr)

	host.mu.Lock()
	defer host.mu.Unlock()
	client.mu.Lock()
	defer client.mu.Unlock()

	require.Len(t, host.remote, 1)
	assert.Equal(t, pionwebrtc.SDPTypeAnswer, host.remote[0].Type)
	assert.Equal(t, "client-sdp", host.remote[0].SDP)

	require.Len(t, client.remote, 1)
	assert.Equal(t, pionwebrtc.SDPTypeOffer, client.remote[0].Type)
	assert.Equal(t, "host-sdp", client.remote[0].SDP)

	require.Len(t, client.candidates, 1)
	assert.True(t, strings.HasPrefix(client.candidates[0].Candidate, "candidate:"))
	require.Len(t, host.candidates, 1)
	assert.True(t, strings.HasPrefix(host.candidates[0].Candidate, "candidate:"))
}

func TestOfferFailsWhenClientLeaves(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := NewServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	clientConn, err := Dial(ctx, wsURL(ts))
	require.NoError(t, err)

	hostConn, err := srv.WaitForClient(ctx)
	require.NoError(t, err)
	defer hostConn.Close()

	clientConn.Close()

	host := newFakePeer("host-sdp", func(*fakePeer) bool { return false })
	assert.Error(t, Offer(ctx, hostConn, host))
}

func TestOfferHonorsContext(t *testing.T) {
	srv := NewServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	clientConn, err := Dial(context.Background(), wsURL(ts))
	require.NoError(t, err)
	defer clientConn.Close()

	hostConn, err := srv.WaitForClient(context.Background())
	require.NoError(t, err)
	defer hostConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	host := newFakePeer("host-sdp", func(*fakePeer) bool { return false })
	assert.ErrorIs(t, Offer(ctx, hostConn, host), context.DeadlineExceeded)
}

func TestSecondClientRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := NewServer()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	first, err := Dial(ctx, wsURL(ts))
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return len(srv.connCh) == 1 }, time.Second, 5*time.Millisecond)

	second, err := Dial(ctx, wsURL(ts))
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	conn, err := srv.WaitForClient(ctx)
	require.NoError(t, err)
	conn.Close()
}

func TestWaitForClientCancelled(t *testing.T) {
	srv := NewServer()
	port, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()
	assert.NotZero(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = srv.WaitForClient(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialFails(t *testing.T) {
	srv := NewServer()
	_, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)
	addr := srv.listener.Addr().String()
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = Dial(ctx, "ws://"+addr+"/ws")
	assert.Error(t, err)
}
