package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"topichub/internal/monitoring"
	"topichub/internal/protocol"
	"topichub/internal/store"
)

// requestTimeout bounds the store work done for a single inbound frame.
const requestTimeout = 5 * time.Second

// handleFrame decodes one inbound envelope and dispatches it. Every
// failure is reported to this client only; the connection stays open.
func (s *session) handleFrame(data []byte) {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.enqueueJSON(protocol.NewError("Invalid JSON format", ""))
		return
	}

	if !protocol.ValidRequestID(req.RequestID) {
		s.enqueueJSON(protocol.NewError("Invalid or missing request_id", ""))
		return
	}

	// Label values are fixed server-side; the client-supplied type string
	// must never mint new series.
	switch req.Type {
	case "subscribe":
		monitoring.FramesReceived.WithLabelValues("subscribe").Inc()
		s.handleSubscribe(&req)
	case "unsubscribe":
		monitoring.FramesReceived.WithLabelValues("unsubscribe").Inc()
		s.handleUnsubscribe(&req)
	case "publish":
		monitoring.FramesReceived.WithLabelValues("publish").Inc()
		s.handlePublish(&req)
	case "ping":
		monitoring.FramesReceived.WithLabelValues("ping").Inc()
		s.handlePing(&req)
	default:
		monitoring.FramesReceived.WithLabelValues("unknown").Inc()
		s.enqueueJSON(protocol.NewError(fmt.Sprintf("Unknown message type: %s", req.Type), req.RequestID))
	}
}

// handleSubscribe: store first (topic, subscription row, recount, touch),
// then registry attach, then the ack, then any last_n history replay.
// Re-subscribing is idempotent and still acks.
func (s *session) handleSubscribe(req *protocol.Request) {
	if req.Topic == "" {
		s.enqueueJSON(protocol.NewError("Missing topic name", req.RequestID))
		return
	}
	if req.ClientID == "" {
		s.enqueueJSON(protocol.NewError("Missing client_id", req.RequestID))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	topic, err := s.broker.store.GetOrCreateTopic(ctx, req.Topic)
	if err != nil {
		monitoring.StoreErrors.Inc()
		s.broker.logger.Error().Err(err).Str("connection_id", s.id).Str("topic", req.Topic).Msg("Subscribe: topic lookup failed")
		s.enqueueJSON(protocol.NewError(fmt.Sprintf("Failed to get/create topic: %s", req.Topic), req.RequestID))
		return
	}

	if _, _, err := s.broker.store.UpsertSubscription(ctx, s.id, topic.ID); err != nil {
		monitoring.StoreErrors.Inc()
		s.broker.logger.Error().Err(err).Str("connection_id", s.id).Str("topic", req.Topic).Msg("Subscribe: subscription upsert failed")
		s.enqueueJSON(protocol.NewError(fmt.Sprintf("Failed to subscribe to topic: %s", req.Topic), req.RequestID))
		return
	}

	if err := s.broker.store.TouchConnection(ctx, s.id); err != nil {
		s.broker.logger.Warn().Err(err).Str("connection_id", s.id).Msg("Failed to touch connection")
	}

	// Store committed; now the session is eligible to receive.
	s.trackTopic(req.Topic)
	s.broker.registry.Attach(req.Topic, s)

	s.enqueueJSON(protocol.NewSubscribedAck(req.Topic, req.ClientID, req.RequestID))

	s.broker.logger.Debug().
		Str("connection_id", s.id).
		Str("topic", req.Topic).
		Str("client_id", req.ClientID).
		Msg("Subscribed")

	if req.LastN > 0 {
		s.replayHistory(ctx, topic, req.LastN, req.RequestID)
	}
}

// replayHistory emits the newest lastN stored messages, newest first,
// each tagged with the subscribe's request_id.
func (s *session) replayHistory(ctx context.Context, topic *store.Topic, lastN int, requestID string) {
	msgs, err := s.broker.store.RecentMessages(ctx, topic.ID, lastN, 0)
	if err != nil {
		monitoring.StoreErrors.Inc()
		s.broker.logger.Error().Err(err).Str("topic", topic.Name).Msg("History replay failed")
		return
	}
	for _, m := range msgs {
		s.enqueueJSON(protocol.NewHistory(topic.Name, m.ID, json.RawMessage(m.Data), m.PublishedAt, requestID))
		monitoring.HistoryReplayed.Inc()
	}
}

// handleUnsubscribe is strict: a missing subscription row is an error,
// not a silent success.
func (s *session) handleUnsubscribe(req *protocol.Request) {
	if req.Topic == "" {
		s.enqueueJSON(protocol.NewError("Missing topic name", req.RequestID))
		return
	}
	if req.ClientID == "" {
		s.enqueueJSON(protocol.NewError("Missing client_id", req.RequestID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	failed := func() {
		s.enqueueJSON(protocol.NewError(fmt.Sprintf("Failed to unsubscribe from topic: %s", req.Topic), req.RequestID))
	}

	topic, err := s.broker.store.GetTopic(ctx, req.Topic)
	if err != nil {
		if !errors.Is(err, store.ErrTopicNotFound) {
			monitoring.StoreErrors.Inc()
			s.broker.logger.Error().Err(err).Str("topic", req.Topic).Msg("Unsubscribe: topic lookup failed")
		}
		failed()
		return
	}

	if err := s.broker.store.DeactivateSubscription(ctx, s.id, topic.ID); err != nil {
		if !errors.Is(err, store.ErrSubscriptionNotFound) {
			monitoring.StoreErrors.Inc()
			s.broker.logger.Error().Err(err).Str("topic", req.Topic).Msg("Unsubscribe: deactivation failed")
		}
		failed()
		return
	}

	if err := s.broker.store.TouchConnection(ctx, s.id); err != nil {
		s.broker.logger.Warn().Err(err).Str("connection_id", s.id).Msg("Failed to touch connection")
	}

	s.untrackTopic(req.Topic)
	s.broker.registry.Detach(req.Topic, s)

	s.enqueueJSON(protocol.NewUnsubscribedAck(req.Topic, req.ClientID, req.RequestID))
}

// handlePublish persists the message, acks the publisher, then hands off
// to fan-out. Publish never implicitly creates the topic.
func (s *session) handlePublish(req *protocol.Request) {
	if req.Topic == "" {
		s.enqueueJSON(protocol.NewError("Missing topic name", req.RequestID))
		return
	}
	if emptyMessage(req.Message) {
		s.enqueueJSON(protocol.NewError("Missing message data", req.RequestID))
		return
	}
	if req.ClientID == "" {
		s.enqueueJSON(protocol.NewError("Missing client_id", req.RequestID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	topic, err := s.broker.store.GetTopic(ctx, req.Topic)
	if err != nil {
		if errors.Is(err, store.ErrTopicNotFound) {
			s.enqueueJSON(protocol.NewError(fmt.Sprintf("Topic not found: %s", req.Topic), req.RequestID))
		} else {
			monitoring.StoreErrors.Inc()
			s.broker.logger.Error().Err(err).Str("topic", req.Topic).Msg("Publish: topic lookup failed")
			s.enqueueJSON(protocol.NewError(fmt.Sprintf("Failed to publish message to topic: %s", req.Topic), req.RequestID))
		}
		return
	}

	publisherID := s.id
	messageID, publishedAt, err := s.broker.store.AppendMessage(ctx, topic.ID, &publisherID,
		string(req.Message), map[string]any{"client_id": req.ClientID})
	if err != nil {
		monitoring.StoreErrors.Inc()
		s.broker.logger.Error().Err(err).Str("topic", req.Topic).Msg("Publish: append failed")
		s.enqueueJSON(protocol.NewError(fmt.Sprintf("Failed to publish message to topic: %s", req.Topic), req.RequestID))
		return
	}
	monitoring.MessagesPublished.Inc()

	if err := s.broker.store.TouchConnection(ctx, s.id); err != nil {
		s.broker.logger.Warn().Err(err).Str("connection_id", s.id).Msg("Failed to touch connection")
	}

	// Ack before fan-out; publisher latency is not coupled to fan-out.
	s.enqueueJSON(protocol.NewPublishedAck(req.Topic, messageID, req.ClientID, req.RequestID))

	payload := extractPayload(req.Message)
	frame, err := json.Marshal(protocol.NewBroadcast(req.Topic, messageID, payload, publishedAt, req.ClientID))
	if err != nil {
		s.broker.logger.Error().Err(err).Str("topic", req.Topic).Msg("Failed to marshal broadcast")
		return
	}
	s.broker.Broadcast(req.Topic, frame, s)
}

// handlePing touches activity and answers with a pong.
func (s *session) handlePing(req *protocol.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := s.broker.store.TouchConnection(ctx, s.id); err != nil {
		s.broker.logger.Warn().Err(err).Str("connection_id", s.id).Msg("Failed to touch connection")
	}
	s.enqueueJSON(protocol.NewPong(req.RequestID))
}

// emptyMessage reports whether the publish carried no usable message:
// absent, null, a non-object value, or an object with no fields.
func emptyMessage(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return true
	}
	return len(obj) == 0
}

// extractPayload pulls the payload sub-object out of the publisher's
// message; subscribers receive the payload, not the whole message.
func extractPayload(raw json.RawMessage) json.RawMessage {
	var env struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Payload == nil {
		return json.RawMessage("{}")
	}
	return env.Payload
}
