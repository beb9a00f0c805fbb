// Package feed pushes completed inference results to browsers over WebRTC
// data channels.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/licenseai-gateway/internal/logger"
	"github.com/dj-oyu/licenseai-gateway/internal/metrics"
	"github.com/dj-oyu/licenseai-gateway/pkg/types"
)

var log = logger.For("Feed")

var (
	// ErrTooManyClients is returned by HandleOffer when MaxClients peers are connected
	ErrTooManyClients = errors.New("maximum feed clients reached")
	// ErrInvalidOffer is returned by HandleOffer for malformed session descriptions
	ErrInvalidOffer = errors.New("invalid offer")
	// ErrGatherTimeout is returned by HandleOffer when ICE gathering stalls
	ErrGatherTimeout = errors.New("ICE gathering timed out")
)

// Config configures the feed server
type Config struct {
	ICEServers []string
	MaxClients int
	// Buffer is the per-client queue of undelivered events
	Buffer int
	// GatherTimeout bounds ICE candidate gathering for one offer
	GatherTimeout time.Duration
}

// DefaultConfig returns the feed defaults
func DefaultConfig() Config {
	return Config{
		ICEServers:    []string{"stun:stun.l.google.com:19302"},
		MaxClients:    8,
		Buffer:        32,
		GatherTimeout: 10 * time.Second,
	}
}

// sink is the sending half of a data channel
type sink interface {
	SendText(s string) error
}

type client struct {
	id      string
	out     chan []byte
	done    chan struct{}
	closeFn func() error

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Server fans result events out to connected peers
type Server struct {
	cfg     Config
	api     *webrtc.API
	rtc     webrtc.Configuration
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*client
	pending int // offers being negotiated, counted against MaxClients
}

// NewServer creates a feed server
func NewServer(cfg Config, m *metrics.Metrics) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultConfig().MaxClients
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultConfig().GatherTimeout
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &Server{
		cfg:     cfg,
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		rtc:     webrtc.Configuration{ICEServers: iceServers},
		metrics: m,
		clients: make(map[string]*client),
	}
}

// HandleOffer answers an SDP offer whose data channel will receive results
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("%w: expected type offer with sdp", ErrInvalidOffer)
	}

	s.mu.Lock()
	if len(s.clients)+s.pending >= s.cfg.MaxClients {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.cfg.MaxClients)
	}
	s.pending++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending--
		s.mu.Unlock()
	}()

	peerConn, err := s.api.NewPeerConnection(s.rtc)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	id := uuid.NewString()
	closePeer := sync.OnceValue(peerConn.Close)

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			log.Info("Client %s opened data channel %q", id, dc.Label())
			s.addClient(id, dc, closePeer)
		})
		dc.OnClose(func() { s.dropPeer(id, closePeer) })
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("Client %s connection state: %s", id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.dropPeer(id, closePeer)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		closePeer()
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		closePeer()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		closePeer()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	if err := waitGathered(gatherComplete, s.cfg.GatherTimeout); err != nil {
		closePeer()
		return nil, err
	}

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		closePeer()
		return nil, fmt.Errorf("no local description available")
	}
	return json.Marshal(localDesc)
}

func waitGathered(done <-chan struct{}, timeout time.Duration) error {
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w after %s", ErrGatherTimeout, timeout)
	}
}

func (s *Server) addClient(id string, out sink, closeFn func() error) {
	c := &client{
		id:      id,
		out:     make(chan []byte, s.cfg.Buffer),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}

	s.mu.Lock()
	if _, exists := s.clients[id]; exists {
		s.mu.Unlock()
		return
	}
	s.clients[id] = c
	n := len(s.clients)
	s.mu.Unlock()

	s.metrics.SetFeedClients(n)
	go s.sendEvents(c, out)
}

func (s *Server) sendEvents(c *client, out sink) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := out.SendText(string(msg)); err != nil {
				log.Warn("Error sending to client %s: %v", c.id, err)
				s.RemoveClient(c.id)
				return
			}
			c.sent.Add(1)
		}
	}
}

// Publish queues ev for every connected client. Slow clients drop events.
func (s *Server) Publish(ev types.ResultEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Error("Failed to encode result event: %v", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.out <- msg:
		default:
			c.dropped.Add(1)
		}
	}
}

// RemoveClient disconnects a client. Unknown ids are ignored.
func (s *Server) RemoveClient(id string) {
	s.removeClient(id)
}

// dropPeer handles a peer that went away. A peer whose data channel never
// opened has no client entry, so its connection is closed here.
func (s *Server) dropPeer(id string, closePeer func() error) {
	if s.removeClient(id) {
		return
	}
	go func() {
		if err := closePeer(); err != nil {
			log.Debug("Close peer %s: %v", id, err)
		}
	}()
}

func (s *Server) removeClient(id string) bool {
	s.mu.Lock()
	c, exists := s.clients[id]
	if exists {
		delete(s.clients, id)
	}
	n := len(s.clients)
	s.mu.Unlock()

	if !exists {
		return false
	}
	close(c.done)
	s.metrics.SetFeedClients(n)

	// Closing the peer fires state callbacks that call back into dropPeer
	if c.closeFn != nil {
		go func() {
			if err := c.closeFn(); err != nil {
				log.Debug("Close client %s: %v", id, err)
			}
		}()
	}

	log.Info("Client %s disconnected (sent: %d, dropped: %d)", id, c.sent.Load(), c.dropped.Load())
	return true
}

// ClientCount returns the number of open data channels
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ClientStats returns per-client delivery counters
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, c := range s.clients {
		stats[id] = map[string]uint64{
			"events_sent":    c.sent.Load(),
			"events_dropped": c.dropped.Load(),
		}
	}
	return stats
}

// Close disconnects every client
func (s *Server) Close() error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
