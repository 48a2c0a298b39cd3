// Package realtime streams live order frames to the browser over WebSocket.
//
// Each open order page holds one Stream. The page receives a countdown tick
// every second and a fresh order view whenever the order changes; the
// stream ends when the order leaves escrow, the page goes away, or the
// server shuts down.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/accountmarket/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var (
	ErrShuttingDown   = errors.New("realtime: server shutting down")
	ErrTooManyStreams = errors.New("realtime: too many open streams")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

// FrameType identifies a frame on an order stream.
type FrameType string

const (
	FrameTick   FrameType = "tick"   // countdown snapshot
	FrameOrder  FrameType = "order"  // refreshed order view
	FrameClosed FrameType = "closed" // stream ends, data says why
)

// Frame is one message on an order stream.
type Frame struct {
	Type      FrameType   `json:"type"`
	OrderID   string      `json:"orderId"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// MaxStreams is the maximum number of concurrent streams.
const MaxStreams = 10000

// Hub tracks open streams.
type Hub struct {
	upgrader   websocket.Upgrader
	streams    map[*Stream]bool
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxStreams int

	// Stats
	totalFrames  atomic.Int64
	totalStreams atomic.Int64
	peakStreams  atomic.Int64
}

// NewHub creates a hub. Browser upgrades are accepted from the request's own
// host and from allowedOrigins; "*" accepts any origin.
func NewHub(logger *slog.Logger, allowedOrigins ...string) *Hub {
	h := &Hub{
		streams:    make(map[*Stream]bool),
		logger:     logger,
		done:       make(chan struct{}),
		maxStreams: MaxStreams,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		if origin == "http://"+host || origin == "https://"+host {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(strings.TrimRight(a, "/"), origin) {
				return true
			}
		}
		return false
	}
}

// Run blocks until ctx is cancelled, then closes every open stream.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	<-ctx.Done()

	h.logger.Info("realtime hub shutting down, closing streams")
	h.mu.Lock()
	close(h.done)
	open := make([]*Stream, 0, len(h.streams))
	for s := range h.streams {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
	h.logger.Info("realtime hub stopped")
}

// Open upgrades the request and registers a stream for orderID. On error
// the HTTP response has already been written.
func (h *Hub) Open(w http.ResponseWriter, r *http.Request, orderID, viewerID string) (*Stream, error) {
	h.mu.RLock()
	select {
	case <-h.done:
		h.mu.RUnlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil, ErrShuttingDown
	default:
	}
	n := len(h.streams)
	h.mu.RUnlock()
	if n >= h.maxStreams {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return nil, ErrTooManyStreams
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return nil, err
	}

	s := newStream(h, conn, orderID, viewerID)
	if !h.register(s) {
		_ = conn.Close()
		return nil, ErrShuttingDown
	}

	go s.writePump()
	go s.readPump()
	return s, nil
}

func (h *Hub) register(s *Stream) bool {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return false
	default:
	}
	h.streams[s] = true
	h.totalStreams.Add(1)
	if current := int64(len(h.streams)); current > h.peakStreams.Load() {
		h.peakStreams.Store(current)
	}
	n := len(h.streams)
	h.mu.Unlock()

	metrics.ActiveCountdownStreams.Inc()
	h.logger.Debug("stream opened", "orderId", s.orderID, "viewer", s.viewerID, "total", n)
	return true
}

func (h *Hub) unregister(s *Stream) {
	h.mu.Lock()
	_, ok := h.streams[s]
	delete(h.streams, s)
	n := len(h.streams)
	h.mu.Unlock()

	if ok {
		metrics.ActiveCountdownStreams.Dec()
		h.logger.Debug("stream closed", "orderId", s.orderID, "viewer", s.viewerID, "total", n)
	}
}

// Notify asks every stream watching orderID to refresh now. It returns the
// number of streams notified.
func (h *Hub) Notify(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for s := range h.streams {
		if s.orderID != orderID {
			continue
		}
		select {
		case s.poke <- struct{}{}:
		default: // a refresh is already pending
		}
		n++
	}
	return n
}

// OpenStreams returns the number of connected streams.
func (h *Hub) OpenStreams() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"openStreams":  len(h.streams),
		"totalFrames":  h.totalFrames.Load(),
		"totalStreams": h.totalStreams.Load(),
		"peakStreams":  h.peakStreams.Load(),
	}
}

// Stream is one browser connection following one order.
type Stream struct {
	hub      *Hub
	conn     *websocket.Conn
	orderID  string
	viewerID string

	send      chan []byte
	poke      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newStream(h *Hub, conn *websocket.Conn, orderID, viewerID string) *Stream {
	return &Stream{
		hub:      h,
		conn:     conn,
		orderID:  orderID,
		viewerID: viewerID,
		send:     make(chan []byte, sendBuffer),
		poke:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// OrderID is the order the stream follows.
func (s *Stream) OrderID() string { return s.orderID }

// Done is closed once the stream has ended for any reason.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Refresh delivers a signal whenever another request changed the order.
func (s *Stream) Refresh() <-chan struct{} { return s.poke }

// Send queues a frame. A stream too slow to keep up is closed. Send reports
// whether the frame was queued.
func (s *Stream) Send(f *Frame) bool {
	if f.OrderID == "" {
		f.OrderID = s.orderID
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	data, err := json.Marshal(f)
	if err != nil {
		s.hub.logger.Error("frame encoding failed", "orderId", s.orderID, "error", err)
		return false
	}

	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		s.hub.totalFrames.Add(1)
		return true
	default:
		s.hub.logger.Warn("stream too slow, closing", "orderId", s.orderID, "viewer", s.viewerID)
		s.Close()
		return false
	}
}

// Close ends the stream. Frames already queued are flushed first. Safe to
// call more than once and from any goroutine.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.unregister(s)
	})
}

// readPump discards client messages and ends the stream when the page goes away.
func (s *Stream) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(4 * 1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				select {
				case <-s.done:
				default:
					s.hub.logger.Debug("websocket read error", "orderId", s.orderID, "error", err)
				}
			}
			return
		}
	}
}

// writePump writes queued frames and keeps the connection alive.
func (s *Stream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			if !s.write(websocket.TextMessage, message) {
				s.Close()
				return
			}

		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				s.Close()
				return
			}

		case <-s.done:
			s.flush()
			_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Stream) flush() {
	for {
		select {
		case message := <-s.send:
			if !s.write(websocket.TextMessage, message) {
				return
			}
		default:
			return
		}
	}
}

func (s *Stream) write(messageType int, data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		s.hub.logger.Debug("websocket write error", "orderId", s.orderID, "error", err)
		return false
	}
	return true
}
