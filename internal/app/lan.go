package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/netmesh/internal/config"
	"github.com/1ureka/netmesh/internal/lan"
	"github.com/1ureka/netmesh/internal/util"
)

var (
	ErrJoinFailed = errors.New("join failed")
	ErrMeshLost   = errors.New("mesh lost")
)

// pingInterval is how often every connected peer receives a payload.
const pingInterval = 100 * time.Millisecond

// meshPeer drives a LAN session: it pings every connected peer, drains what
// arrives and renders the peer table.
type meshPeer struct {
	s *lan.Session

	pingAcc   time.Duration
	reportAcc time.Duration
	report    time.Duration

	received []uint64
	joined   bool
}

func newMeshPeer(s *lan.Session) *meshPeer {
	return &meshPeer{s: s, report: reportInterval}
}

func (m *meshPeer) step(dt time.Duration) error {
	m.s.Update(dt)

	switch {
	case m.s.ConnectFailed():
		return ErrJoinFailed
	case m.joined && !m.s.IsConnected():
		return ErrMeshLost
	case !m.s.IsConnected():
		return nil
	}
	if !m.joined {
		m.joined = true
		m.received = make([]uint64, m.s.MaxPeers())
		util.LogSuccess("joined mesh as peer %d of %d", m.s.LocalPeerID(), m.s.MaxPeers())
	}

	for {
		id, _, ok := m.s.ReceivePacket()
		if !ok {
			break
		}
		m.received[id]++
	}

	m.pingAcc += dt
	for m.pingAcc >= pingInterval {
		m.pingAcc -= pingInterval
		m.ping()
	}

	if m.report > 0 {
		m.reportAcc += dt
		if m.reportAcc >= m.report {
			m.reportAcc = 0
			if err := pterm.DefaultTable.WithHasHeader().WithData(m.rows()).Render(); err != nil {
				util.LogDebug("render peers: %v", err)
			}
		}
	}
	return nil
}

func (m *meshPeer) ping() {
	local := m.s.LocalPeerID()
	payload := []byte(fmt.Sprintf("ping from %d", local))
	for id := 0; id < m.s.MaxPeers(); id++ {
		if id == local || !m.s.IsPeerConnected(id) {
			continue
		}
		if err := m.s.SendPacket(id, payload); err != nil {
			util.LogDebug("ping peer %d: %v", id, err)
		}
	}
}

func (m *meshPeer) rows() pterm.TableData {
	data := pterm.TableData{{"ID", "Address", "RTT", "Sent", "Acked", "Lost", "Recv"}}
	local := m.s.LocalPeerID()
	for id := 0; id < m.s.MaxPeers(); id++ {
		if id == local || !m.s.IsPeerConnected(id) {
			continue
		}
		tr := m.s.Reliability(id)
		data = append(data, []string{
			fmt.Sprint(id),
			m.s.PeerAddress(id).String(),
			tr.RTT().Round(time.Millisecond).String(),
			fmt.Sprint(tr.SentPackets()),
			fmt.Sprint(tr.AckedPackets()),
			fmt.Sprint(tr.LostPackets()),
			fmt.Sprint(m.received[id]),
		})
	}
	return data
}

// RunMesh hosts a mesh registry together with a local node holding slot 0.
func RunMesh(ctx context.Context, cfg *config.Config) error {
	s := lan.New(cfg.LAN(), cfg.Factory())
	if err := s.StartServer(); err != nil {
		return err
	}
	defer s.Stop()

	util.LogInfo("mesh listening on port %d (max %d peers)", cfg.MeshPort, cfg.MaxPeers)
	util.StartStatsReporter(ctx, reportInterval)
	return loop(ctx, TickInterval, newMeshPeer(s).step)
}

// RunNode joins the mesh at server and exchanges payloads with every peer.
func RunNode(ctx context.Context, cfg *config.Config, server string) error {
	s := lan.New(cfg.LAN(), cfg.Factory())
	if err := s.ConnectClient(server); err != nil {
		return err
	}
	defer s.Stop()

	util.StartStatsReporter(ctx, reportInterval)
	return loop(ctx, TickInterval, newMeshPeer(s).step)
}
