// Package broker is the runtime core: the WebSocket endpoint, the
// per-connection state machine, and the fan-out path between them.
package broker

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"topichub/internal/config"
	"topichub/internal/monitoring"
	"topichub/internal/registry"
	"topichub/internal/store"
)

// Broker owns the live connection set and wires sessions to the durable
// store and the routing registry.
type Broker struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store.Store
	registry *registry.Registry
	upgrader websocket.Upgrader

	sessions     sync.Map // *session -> struct{}
	sessionCount int64
	started      time.Time
	shuttingDown int32
}

// New creates a broker over the given store and registry.
func New(cfg *config.Config, st *store.Store, reg *registry.Registry, logger zerolog.Logger) *Broker {
	return &Broker{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The broker has no origin policy of its own; access control
			// belongs to whatever fronts it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// Started reports when the broker came up (health uptime).
func (b *Broker) Started() time.Time {
	return b.started
}

// Registry exposes the routing table to the control plane.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// HandleWS upgrades an HTTP request into a broker session and runs its
// pumps. Mounted at /ws/.
func (b *Broker) HandleWS(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&b.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Reserve the slot before upgrading; a load-then-add gate lets
	// concurrent upgrades overshoot the cap.
	if n := atomic.AddInt64(&b.sessionCount, 1); n > int64(b.cfg.MaxConnections) {
		atomic.AddInt64(&b.sessionCount, -1)
		b.logger.Warn().
			Int64("current_connections", n-1).
			Int("max_connections", b.cfg.MaxConnections).
			Msg("Connection rejected: at capacity")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	clientIP := clientIP(r)
	userAgent := r.Header.Get("User-Agent")

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		atomic.AddInt64(&b.sessionCount, -1)
		b.logger.Error().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	sess := newSession(b, conn, clientIP, userAgent)
	if err := sess.open(r.Context()); err != nil {
		atomic.AddInt64(&b.sessionCount, -1)
		b.logger.Error().Err(err).Str("client_ip", clientIP).Msg("Failed to open session")
		conn.Close()
		return
	}

	b.sessions.Store(sess, struct{}{})
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()

	b.logger.Info().
		Str("connection_id", sess.id).
		Str("client_ip", clientIP).
		Int64("current_connections", atomic.LoadInt64(&b.sessionCount)).
		Msg("Client connected")

	go sess.writePump()
	go sess.readPump()
}

// removeSession is called once per session from its teardown path.
func (b *Broker) removeSession(s *session) {
	if _, loaded := b.sessions.LoadAndDelete(s); loaded {
		atomic.AddInt64(&b.sessionCount, -1)
		monitoring.ConnectionsActive.Dec()
	}
}

// Shutdown stops accepting sessions and closes every live connection.
// Session teardown handles registry detach and store cleanup.
func (b *Broker) Shutdown() {
	atomic.StoreInt32(&b.shuttingDown, 1)
	b.sessions.Range(func(key, _ any) bool {
		if sess, ok := key.(*session); ok {
			sess.close()
		}
		return true
	})
}

// clientIP extracts the client IP, preferring X-Forwarded-For when the
// broker sits behind a proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
