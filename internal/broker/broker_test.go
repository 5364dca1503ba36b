package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topichub/internal/config"
	"topichub/internal/monitoring"
	"topichub/internal/registry"
	"topichub/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxConnections:  100,
		FrameRatePerSec: 1000,
		FrameRateBurst:  1000,
		WriteWait:       5 * time.Second,
		PongWait:        30 * time.Second,
		MaxMessageSize:  65536,
		SendBufferSize:  64,
	}
}

func newTestBroker(t *testing.T) (*Broker, *store.Store, *httptest.Server) {
	return newTestBrokerWithConfig(t, testConfig())
}

func newTestBrokerWithConfig(t *testing.T, cfg *config.Config) (*Broker, *store.Store, *httptest.Server) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)

	b := New(cfg, st, registry.New(), zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", b.HandleWS)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		b.Shutdown()
		st.Close()
	})
	return b, st, srv
}

// dial connects and consumes the connected ack, returning the conn and
// the server-assigned connection id.
func dial(t *testing.T, srv *httptest.Server) (*websocket.Conn, string) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ack := readEnvelope(t, conn)
	require.Equal(t, "connected", ack["type"])
	id, _ := ack["connection_id"].(string)
	require.NotEmpty(t, id)
	return conn, id
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// expectSilence asserts no frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(window))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "timeout") || websocket.IsUnexpectedCloseError(err),
		"expected read timeout, got: %v", err)
}

func subscribe(t *testing.T, conn *websocket.Conn, topic, clientID string) {
	t.Helper()
	sendJSON(t, conn, map[string]any{
		"type":       "subscribe",
		"request_id": uuid.NewString(),
		"topic":      topic,
		"client_id":  clientID,
	})
	ack := readEnvelope(t, conn)
	require.Equal(t, "subscribed", ack["type"])
	require.Equal(t, topic, ack["topic"])
}

func TestConnectedAck(t *testing.T) {
	_, st, srv := newTestBroker(t)

	_, id := dial(t, srv)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)

	// The connection row exists as soon as the ack is out.
	assert.NoError(t, st.TouchConnection(context.Background(), id))
}

func TestSubscribeCreatesTopicAndIsIdempotent(t *testing.T) {
	_, st, srv := newTestBroker(t)
	conn, _ := dial(t, srv)

	subscribe(t, conn, "news", "alice")
	subscribe(t, conn, "news", "alice")

	topic, err := st.GetTopic(context.Background(), "news")
	require.NoError(t, err)
	assert.EqualValues(t, 1, topic.SubscriberCount)
}

func TestUnsubscribeWithoutSubscription(t *testing.T) {
	_, _, srv := newTestBroker(t)
	conn, _ := dial(t, srv)

	rid := uuid.NewString()
	sendJSON(t, conn, map[string]any{
		"type":       "unsubscribe",
		"request_id": rid,
		"topic":      "news",
		"client_id":  "alice",
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env["type"])
	assert.Equal(t, "Failed to unsubscribe from topic: news", env["error"])
	assert.Equal(t, rid, env["request_id"])
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	_, st, srv := newTestBroker(t)
	conn, _ := dial(t, srv)

	subscribe(t, conn, "news", "alice")

	rid := uuid.NewString()
	sendJSON(t, conn, map[string]any{
		"type":       "unsubscribe",
		"request_id": rid,
		"topic":      "news",
		"client_id":  "alice",
	})
	env := readEnvelope(t, conn)
	assert.Equal(t, "unsubscribed", env["type"])
	assert.Equal(t, rid, env["request_id"])

	topic, err := st.GetTopic(context.Background(), "news")
	require.NoError(t, err)
	assert.EqualValues(t, 0, topic.SubscriberCount)
}

func TestPublishUnknownTopic(t *testing.T) {
	_, _, srv := newTestBroker(t)
	conn, _ := dial(t, srv)

	rid := uuid.NewString()
	sendJSON(t, conn, map[string]any{
		"type":       "publish",
		"request_id": rid,
		"topic":      "nope",
		"client_id":  "alice",
		"message":    map[string]any{"payload": map[string]any{"x": 1}},
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env["type"])
	assert.Equal(t, "Topic not found: nope", env["error"])
	assert.Equal(t, rid, env["request_id"])
}

func TestFanoutExcludesPublisher(t *testing.T) {
	_, _, srv := newTestBroker(t)

	alice, _ := dial(t, srv)
	bob, _ := dial(t, srv)
	charlie, _ := dial(t, srv)
	pub, _ := dial(t, srv)

	subscribe(t, alice, "test-topic", "alice")
	subscribe(t, bob, "test-topic", "bob")
	subscribe(t, charlie, "test-topic", "charlie")
	subscribe(t, pub, "test-topic", "publisher")

	rid := uuid.NewString()
	sendJSON(t, pub, map[string]any{
		"type":       "publish",
		"request_id": rid,
		"topic":      "test-topic",
		"client_id":  "publisher",
		"message":    map[string]any{"payload": map[string]any{"content": "hi", "sequence": float64(1)}},
	})

	ack := readEnvelope(t, pub)
	require.Equal(t, "published", ack["type"])
	require.Equal(t, rid, ack["request_id"])
	messageID, _ := ack["message_id"].(string)
	require.NotEmpty(t, messageID)

	for _, sub := range []*websocket.Conn{alice, bob, charlie} {
		env := readEnvelope(t, sub)
		assert.Equal(t, "message", env["type"])
		assert.Equal(t, "test-topic", env["topic"])
		assert.Equal(t, "publisher", env["publisher_client_id"])

		msg := env["message"].(map[string]any)
		assert.Equal(t, messageID, msg["id"])
		payload := msg["payload"].(map[string]any)
		assert.Equal(t, "hi", payload["content"])
		assert.Equal(t, float64(1), payload["sequence"])
	}

	// The publisher never receives its own message.
	expectSilence(t, pub, 300*time.Millisecond)
}

func TestUnsubscribedClientStopsReceiving(t *testing.T) {
	_, _, srv := newTestBroker(t)

	alice, _ := dial(t, srv)
	pub, _ := dial(t, srv)

	subscribe(t, alice, "news", "alice")

	sendJSON(t, alice, map[string]any{
		"type":       "unsubscribe",
		"request_id": uuid.NewString(),
		"topic":      "news",
		"client_id":  "alice",
	})
	require.Equal(t, "unsubscribed", readEnvelope(t, alice)["type"])

	sendJSON(t, pub, map[string]any{
		"type":       "publish",
		"request_id": uuid.NewString(),
		"topic":      "news",
		"client_id":  "publisher",
		"message":    map[string]any{"payload": map[string]any{"x": 1}},
	})
	require.Equal(t, "published", readEnvelope(t, pub)["type"])

	expectSilence(t, alice, 300*time.Millisecond)
}

func TestLastNReplay(t *testing.T) {
	_, _, srv := newTestBroker(t)

	pub, _ := dial(t, srv)
	subscribe(t, pub, "news", "publisher")

	for i := 1; i <= 3; i++ {
		sendJSON(t, pub, map[string]any{
			"type":       "publish",
			"request_id": uuid.NewString(),
			"topic":      "news",
			"client_id":  "publisher",
			"message":    map[string]any{"payload": map[string]any{"sequence": i}},
		})
		require.Equal(t, "published", readEnvelope(t, pub)["type"])
	}

	late, _ := dial(t, srv)
	rid := uuid.NewString()
	sendJSON(t, late, map[string]any{
		"type":       "subscribe",
		"request_id": rid,
		"topic":      "news",
		"client_id":  "late",
		"last_n":     2,
	})

	require.Equal(t, "subscribed", readEnvelope(t, late)["type"])

	// Newest first, each carrying the subscribe's request_id. The replayed
	// payload is the full stored message object.
	first := readEnvelope(t, late)
	require.Equal(t, "message", first["type"])
	assert.Equal(t, rid, first["request_id"])
	firstPayload := first["message"].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, float64(3), firstPayload["payload"].(map[string]any)["sequence"])

	second := readEnvelope(t, late)
	secondPayload := second["message"].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, float64(2), secondPayload["payload"].(map[string]any)["sequence"])

	expectSilence(t, late, 300*time.Millisecond)
}

func TestLastNZeroDeliversNothing(t *testing.T) {
	_, _, srv := newTestBroker(t)

	pub, _ := dial(t, srv)
	subscribe(t, pub, "news", "publisher")
	sendJSON(t, pub, map[string]any{
		"type":       "publish",
		"request_id": uuid.NewString(),
		"topic":      "news",
		"client_id":  "publisher",
		"message":    map[string]any{"payload": map[string]any{"x": 1}},
	})
	require.Equal(t, "published", readEnvelope(t, pub)["type"])

	late, _ := dial(t, srv)
	subscribe(t, late, "news", "late")
	expectSilence(t, late, 300*time.Millisecond)
}

func TestMissingRequestID(t *testing.T) {
	_, _, srv := newTestBroker(t)
	conn, _ := dial(t, srv)

	sendJSON(t, conn, map[string]any{
		"type":      "subscribe",
		"topic":     "news",
		"client_id": "alice",
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env["type"])
	assert.Equal(t, "Invalid or missing request_id", env["error"])
	assert.NotContains(t, env, "request_id")

	// The connection survives the error.
	subscribe(t, conn, "news", "alice")
}

func TestMalformedJSON(t *testing.T) {
	_, _, srv := newTestBroker(t)
	conn, _ := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env["type"])
	assert.Equal(t, "Invalid JSON format", env["error"])
	assert.NotContains(t, env, "request_id")
}

func TestUnknownMessageType(t *testing.T) {
	_, _, srv := newTestBroker(t)
	conn, _ := dial(t, srv)

	rid := uuid.NewString()
	sendJSON(t, conn, map[string]any{
		"type":       "teleport",
		"request_id": rid,
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env["type"])
	assert.Equal(t, "Unknown message type: teleport", env["error"])
	assert.Equal(t, rid, env["request_id"])
}

func TestPublishValidation(t *testing.T) {
	_, _, srv := newTestBroker(t)
	conn, _ := dial(t, srv)

	rid := uuid.NewString()
	sendJSON(t, conn, map[string]any{
		"type":       "publish",
		"request_id": rid,
		"topic":      "news",
		"client_id":  "alice",
		"message":    map[string]any{},
	})
	env := readEnvelope(t, conn)
	assert.Equal(t, "Missing message data", env["error"])

	sendJSON(t, conn, map[string]any{
		"type":       "publish",
		"request_id": rid,
		"client_id":  "alice",
		"message":    map[string]any{"payload": map[string]any{}},
	})
	env = readEnvelope(t, conn)
	assert.Equal(t, "Missing topic name", env["error"])

	sendJSON(t, conn, map[string]any{
		"type":       "publish",
		"request_id": rid,
		"topic":      "news",
		"message":    map[string]any{"payload": map[string]any{}},
	})
	env = readEnvelope(t, conn)
	assert.Equal(t, "Missing client_id", env["error"])
}

func TestPublishRejectsNonObjectMessage(t *testing.T) {
	_, _, srv := newTestBroker(t)
	conn, _ := dial(t, srv)
	subscribe(t, conn, "news", "alice")

	// Arrays, strings, numbers, booleans, null, and empty objects (with
	// or without interior whitespace) all count as missing message data.
	for _, raw := range []string{`[]`, `""`, `0`, `false`, `null`, `{}`, `{ }`} {
		frame := fmt.Sprintf(`{"type":"publish","request_id":%q,"topic":"news","client_id":"alice","message":%s}`,
			uuid.NewString(), raw)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

		env := readEnvelope(t, conn)
		assert.Equal(t, "error", env["type"], "message=%s", raw)
		assert.Equal(t, "Missing message data", env["error"], "message=%s", raw)
	}

	// A non-empty object still publishes.
	sendJSON(t, conn, map[string]any{
		"type":       "publish",
		"request_id": uuid.NewString(),
		"topic":      "news",
		"client_id":  "alice",
		"message":    map[string]any{"payload": map[string]any{"x": 1}},
	})
	assert.Equal(t, "published", readEnvelope(t, conn)["type"])
}

func TestFrameTypeMetricCardinality(t *testing.T) {
	_, _, srv := newTestBroker(t)
	conn, _ := dial(t, srv)

	before := testutil.CollectAndCount(monitoring.FramesReceived)

	for i := 0; i < 20; i++ {
		sendJSON(t, conn, map[string]any{
			"type":       uuid.NewString(),
			"request_id": uuid.NewString(),
		})
		require.Equal(t, "error", readEnvelope(t, conn)["type"])
	}

	// Bogus type strings all land in one fixed bucket instead of minting
	// a series per value.
	after := testutil.CollectAndCount(monitoring.FramesReceived)
	assert.LessOrEqual(t, after, before+1)
}

func TestCapacityGateUnderConcurrentDials(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	b, _, srv := newTestBrokerWithConfig(t, cfg)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"

	var (
		mu       sync.Mutex
		conns    []*websocket.Conn
		accepted int64
		wg       sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return
			}
			atomic.AddInt64(&accepted, 1)
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}()
	}
	wg.Wait()
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	assert.EqualValues(t, 2, accepted)
	assert.EqualValues(t, 2, atomic.LoadInt64(&b.sessionCount))
}

func TestPingPong(t *testing.T) {
	_, _, srv := newTestBroker(t)
	conn, _ := dial(t, srv)

	rid := uuid.NewString()
	sendJSON(t, conn, map[string]any{
		"type":       "ping",
		"request_id": rid,
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, "pong", env["type"])
	assert.Equal(t, rid, env["request_id"])
	assert.Contains(t, env, "timestamp")
}

func TestDisconnectCleansUp(t *testing.T) {
	b, st, srv := newTestBroker(t)

	conn, id := dial(t, srv)
	subscribe(t, conn, "news", "alice")
	conn.Close()

	require.Eventually(t, func() bool {
		return st.TouchConnection(context.Background(), id) != nil
	}, 3*time.Second, 20*time.Millisecond, "connection row should be deleted")

	require.Eventually(t, func() bool {
		topic, err := st.GetTopic(context.Background(), "news")
		return err == nil && topic.SubscriberCount == 0
	}, 3*time.Second, 20*time.Millisecond, "subscriber count should be recounted")

	assert.Equal(t, 0, b.Registry().Count("news"))
}

func TestTopicDeletedNotice(t *testing.T) {
	b, st, srv := newTestBroker(t)

	alice, _ := dial(t, srv)
	subscribe(t, alice, "goner", "alice")

	require.NoError(t, st.DeleteTopic(context.Background(), "goner"))
	b.NotifyTopicDeleted("goner")

	env := readEnvelope(t, alice)
	assert.Equal(t, "info", env["type"])
	assert.Equal(t, "goner", env["topic"])
	assert.Equal(t, "topic_deleted", env["msg"])
	assert.Contains(t, env, "ts")

	assert.Equal(t, 0, b.Registry().Count("goner"))

	// A publish to the deleted topic now fails.
	rid := uuid.NewString()
	sendJSON(t, alice, map[string]any{
		"type":       "publish",
		"request_id": rid,
		"topic":      "goner",
		"client_id":  "alice",
		"message":    map[string]any{"payload": map[string]any{"x": 1}},
	})
	errEnv := readEnvelope(t, alice)
	assert.Equal(t, "Topic not found: goner", errEnv["error"])
}

func TestShutdownRejectsNewConnections(t *testing.T) {
	b, _, srv := newTestBroker(t)

	conn, _ := dial(t, srv)
	_ = conn

	b.Shutdown()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
