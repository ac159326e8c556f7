package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/cyolo-monitor/internal/logger"
	"github.com/dj-oyu/cyolo-monitor/internal/metrics"
)

// ErrTooManyClients is returned when the peer limit is reached.
var ErrTooManyClients = errors.New("maximum clients reached")

// Client is one peer receiving detection events over a data channel
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	eventChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	eventsSent atomic.Uint64
	dropped    atomic.Uint64
}

// Server manages WebRTC peers
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	m          *metrics.Metrics
}

// NewServer creates a server. With no STUN servers a public default is used.
func NewServer(stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	// data channels only, no media codecs needed
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api:        api,
		m:          m,
	}
}

// HandleOffer answers a browser offer. The browser opens the data channel;
// every channel it opens receives the detection feed.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected an offer with SDP")
	}

	if s.GetClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		eventChan: make(chan []byte, 30),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		logger.Debug("WebRTC", "Client %s opened channel %q", client.id, dc.Label())
		dc.OnOpen(func() {
			go s.sendEvents(client, dc)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (%s), removing...", client.id, state.String())
			// the callback runs on pion's goroutine; Close must not re-enter it
			go s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	s.clientsMu.Lock()
	s.clients[client.id] = client
	n := len(s.clients)
	s.clientsMu.Unlock()
	if s.m != nil {
		s.m.WebRTCPeers.Store(uint64(n))
		s.m.TotalPeers.Add(1)
	}
	logger.Info("WebRTC", "Client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}
	return json.Marshal(localDesc)
}

// SendEvent queues a serialized detection event for every peer
func (s *Server) SendEvent(payload []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.eventChan <- payload:
		default:
			client.dropped.Add(1)
		}
	}
}

func (s *Server) sendEvents(client *Client, dc *webrtc.DataChannel) {
	for {
		select {
		case <-client.closeChan:
			return
		case payload := <-client.eventChan:
			if err := dc.SendText(string(payload)); err != nil {
				logger.Warn("WebRTC", "Send to client %s failed: %v", client.id, err)
				return
			}
			client.eventsSent.Add(1)
		}
	}
}

// RemoveClient closes and forgets a peer
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	n := len(s.clients)
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	if s.m != nil {
		s.m.WebRTCPeers.Store(uint64(n))
	}
	client.close()

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.eventsSent.Load(), client.dropped.Load())
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		if err := c.peerConn.Close(); err != nil {
			logger.Debug("WebRTC", "Closing client %s: %v", c.id, err)
		}
	})
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns per-client counters
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"events_sent":    client.eventsSent.Load(),
			"events_dropped": client.dropped.Load(),
		}
	}
	return stats
}

// Close disconnects every peer
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
