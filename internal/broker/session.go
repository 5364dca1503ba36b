package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"topichub/internal/monitoring"
	"topichub/internal/protocol"
)

var errSessionClosed = errors.New("session closed")
var errSendBufferFull = errors.New("send buffer full")

// session is the per-connection state machine. Inbound frames are
// processed sequentially by readPump; outbound frames from any goroutine
// are funneled through the send channel and written by writePump, so a
// single WebSocket never sees interleaved writes.
type session struct {
	id     string
	broker *Broker
	conn   *websocket.Conn

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	limiter   *rate.Limiter

	// topics this session successfully subscribed to; drives the detach
	// loop on disconnect. Only mutated from readPump.
	mu     sync.Mutex
	topics map[string]struct{}

	clientIP    string
	userAgent   string
	connectedAt time.Time
}

func newSession(b *Broker, conn *websocket.Conn, clientIP, userAgent string) *session {
	return &session{
		id:          uuid.NewString(),
		broker:      b,
		conn:        conn,
		send:        make(chan []byte, b.cfg.SendBufferSize),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(b.cfg.FrameRatePerSec), b.cfg.FrameRateBurst),
		topics:      make(map[string]struct{}),
		clientIP:    clientIP,
		userAgent:   userAgent,
		connectedAt: time.Now(),
	}
}

// open persists the connection row and queues the connected ack. The ack
// is only sent after the store write succeeds, so a connected client is
// always visible to the control plane.
func (s *session) open(ctx context.Context) error {
	if err := s.broker.store.CreateConnection(ctx, s.id, s.clientIP, s.userAgent); err != nil {
		monitoring.StoreErrors.Inc()
		return err
	}
	s.enqueueJSON(protocol.NewConnectedAck(s.id))
	return nil
}

// Deliver implements registry.Handle. Never blocks: a full buffer or a
// closed session is a delivery failure the fan-out engine acts on.
func (s *session) Deliver(frame []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return errSendBufferFull
	}
}

// enqueueJSON marshals v and queues it for the write pump. Drops (with a
// log line) rather than blocking when the client cannot keep up.
func (s *session) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.broker.logger.Error().Err(err).Str("connection_id", s.id).Msg("Failed to marshal envelope")
		return
	}
	if err := s.Deliver(data); err != nil {
		s.broker.logger.Warn().
			Err(err).
			Str("connection_id", s.id).
			Msg("Dropped outbound envelope")
	}
}

func (s *session) trackTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = struct{}{}
}

func (s *session) untrackTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}

func (s *session) trackedTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// readPump pumps inbound frames through the dispatcher. Any read error
// means disconnect; teardown runs exactly once.
func (s *session) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(s.broker.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.broker.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.broker.cfg.PongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.broker.logger.Warn().Err(err).Str("connection_id", s.id).Msg("WebSocket read error")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.broker.cfg.PongWait))

		if msgType != websocket.TextMessage {
			continue
		}

		if !s.limiter.Allow() {
			monitoring.RateLimitedFrames.Inc()
			s.enqueueJSON(protocol.NewError("Rate limit exceeded", ""))
			continue
		}

		s.handleFrame(data)
	}
}

// writePump owns all writes to the socket: queued frames plus the
// transport-level ping keepalive.
func (s *session) writePump() {
	pingPeriod := s.broker.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.broker.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.broker.logger.Debug().Err(err).Str("connection_id", s.id).Msg("Write failed")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.broker.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.broker.cfg.WriteWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close requests teardown from outside the read loop (shutdown path).
func (s *session) close() {
	s.teardown()
}

// teardown detaches the session from every registry entry first (stop
// routing to it), then cascades the store cleanup. Idempotent.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)

		for _, topic := range s.trackedTopics() {
			s.broker.registry.Detach(topic, s)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.broker.store.DeleteConnection(ctx, s.id); err != nil {
			monitoring.StoreErrors.Inc()
			s.broker.logger.Error().Err(err).Str("connection_id", s.id).Msg("Failed to clean up connection")
		}

		s.broker.removeSession(s)
		s.conn.Close()

		s.broker.logger.Info().
			Str("connection_id", s.id).
			Dur("duration", time.Since(s.connectedAt)).
			Msg("Client disconnected")
	})
}
