// Package protocol defines the JSON envelopes exchanged over the
// WebSocket. Every frame is a UTF-8 JSON object identified by its "type"
// field; request envelopes carry a client-generated UUID request_id that
// is echoed on the matching acknowledgement.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Request is the inbound envelope. Fields beyond Type and RequestID are
// populated per request type; handlers validate what they need.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Topic     string          `json:"topic"`
	ClientID  string          `json:"client_id"`
	LastN     int             `json:"last_n"`
	Message   json.RawMessage `json:"message"`
}

// ValidRequestID reports whether s parses as a UUID.
func ValidRequestID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Timestamp returns the current time formatted the way every outbound
// envelope carries it: ISO-8601, UTC.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ConnectedAck is sent once, immediately after accept.
type ConnectedAck struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
}

// NewConnectedAck builds the accept acknowledgement.
func NewConnectedAck(connectionID string) ConnectedAck {
	return ConnectedAck{
		Type:         "connected",
		ConnectionID: connectionID,
		Status:       "success",
		Timestamp:    Timestamp(),
	}
}

// SubscribedAck acknowledges a subscribe request.
type SubscribedAck struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	ClientID  string `json:"client_id"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// NewSubscribedAck builds a subscribe acknowledgement.
func NewSubscribedAck(topic, clientID, requestID string) SubscribedAck {
	return SubscribedAck{
		Type:      "subscribed",
		Topic:     topic,
		ClientID:  clientID,
		RequestID: requestID,
		Status:    "success",
		Timestamp: Timestamp(),
	}
}

// UnsubscribedAck acknowledges an unsubscribe request.
type UnsubscribedAck struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	ClientID  string `json:"client_id"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// NewUnsubscribedAck builds an unsubscribe acknowledgement.
func NewUnsubscribedAck(topic, clientID, requestID string) UnsubscribedAck {
	return UnsubscribedAck{
		Type:      "unsubscribed",
		Topic:     topic,
		ClientID:  clientID,
		RequestID: requestID,
		Status:    "success",
		Timestamp: Timestamp(),
	}
}

// PublishedAck acknowledges a publish request. It is sent before fan-out
// starts so publisher latency is decoupled from fan-out cost.
type PublishedAck struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	MessageID string `json:"message_id"`
	ClientID  string `json:"client_id"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// NewPublishedAck builds a publish acknowledgement.
func NewPublishedAck(topic, messageID, clientID, requestID string) PublishedAck {
	return PublishedAck{
		Type:      "published",
		Topic:     topic,
		MessageID: messageID,
		ClientID:  clientID,
		RequestID: requestID,
		Status:    "success",
		Timestamp: Timestamp(),
	}
}

// Pong answers a ping.
type Pong struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// NewPong builds a pong envelope.
func NewPong(requestID string) Pong {
	return Pong{
		Type:      "pong",
		RequestID: requestID,
		Timestamp: Timestamp(),
	}
}

// ErrorEnvelope reports a per-request failure. RequestID is omitted when
// the request's id was missing or unparseable.
type ErrorEnvelope struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewError builds an error envelope; requestID may be empty.
func NewError(message, requestID string) ErrorEnvelope {
	return ErrorEnvelope{
		Type:      "error",
		Error:     message,
		RequestID: requestID,
		Timestamp: Timestamp(),
	}
}

// BroadcastMessage is the message body carried by broadcast and history
// envelopes. ID and Timestamp are server-assigned.
type BroadcastMessage struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Broadcast is the envelope fanned out to subscribers on publish. Payload
// is the publisher's message.payload sub-object, not the whole message.
type Broadcast struct {
	Type              string           `json:"type"`
	Topic             string           `json:"topic"`
	Message           BroadcastMessage `json:"message"`
	PublisherClientID string           `json:"publisher_client_id"`
}

// NewBroadcast builds a fan-out envelope for a freshly published message.
func NewBroadcast(topic, messageID string, payload json.RawMessage, publishedAt time.Time, publisherClientID string) Broadcast {
	return Broadcast{
		Type:  "message",
		Topic: topic,
		Message: BroadcastMessage{
			ID:        messageID,
			Payload:   payload,
			Timestamp: publishedAt.UTC().Format(time.RFC3339Nano),
		},
		PublisherClientID: publisherClientID,
	}
}

// History is a replayed message delivered after a subscribe with last_n.
// It carries the subscribe's request_id so the client can correlate the
// replay with its request.
type History struct {
	Type      string           `json:"type"`
	Topic     string           `json:"topic"`
	Message   BroadcastMessage `json:"message"`
	RequestID string           `json:"request_id"`
}

// NewHistory builds a history envelope from a stored message.
func NewHistory(topic, messageID string, payload json.RawMessage, publishedAt time.Time, requestID string) History {
	return History{
		Type:  "message",
		Topic: topic,
		Message: BroadcastMessage{
			ID:        messageID,
			Payload:   payload,
			Timestamp: publishedAt.UTC().Format(time.RFC3339Nano),
		},
		RequestID: requestID,
	}
}

// TopicDeleted is the broadcast notice emitted when the control plane
// deletes a topic out from under its live subscribers.
type TopicDeleted struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Msg   string `json:"msg"`
	Ts    string `json:"ts"`
}

// NewTopicDeleted builds a topic deletion notice.
func NewTopicDeleted(topic string) TopicDeleted {
	return TopicDeleted{
		Type:  "info",
		Topic: topic,
		Msg:   "topic_deleted",
		Ts:    Timestamp(),
	}
}
