package broker

import (
	"encoding/json"

	"topichub/internal/monitoring"
	"topichub/internal/protocol"
	"topichub/internal/registry"
)

// Broadcast delivers one frame to every live subscriber of topic except
// exclude (the publisher). Delivery is best-effort per target: a session
// that cannot accept the frame is detached so it stops receiving.
func (b *Broker) Broadcast(topic string, frame []byte, exclude registry.Handle) {
	delivered := 0
	for _, h := range b.registry.Snapshot(topic) {
		if h == exclude {
			continue
		}
		if err := h.Deliver(frame); err != nil {
			b.registry.Detach(topic, h)
			monitoring.FanoutFailures.Inc()
			b.logger.Warn().Err(err).Str("topic", topic).Msg("Fan-out delivery failed; subscriber detached")
			continue
		}
		delivered++
		monitoring.FanoutDeliveries.Inc()
	}

	b.logger.Debug().
		Str("topic", topic).
		Int("delivered", delivered).
		Msg("Broadcast complete")
}

// NotifyTopicDeleted tells every live subscriber that the control plane
// deleted the topic, then evicts the routing entry so no further frames
// reach them on it. Store cleanup happens before this is called.
func (b *Broker) NotifyTopicDeleted(topic string) {
	frame, err := json.Marshal(protocol.NewTopicDeleted(topic))
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal deletion notice")
		return
	}

	handles := b.registry.Snapshot(topic)
	for _, h := range handles {
		if err := h.Deliver(frame); err != nil {
			b.logger.Debug().Err(err).Str("topic", topic).Msg("Deletion notice not delivered")
		}
	}
	b.registry.Evict(topic)

	// Live sessions still track the topic locally; drop it so their
	// teardown does not try to detach an entry that no longer exists.
	b.sessions.Range(func(key, _ any) bool {
		if sess, ok := key.(*session); ok {
			sess.untrackTopic(topic)
		}
		return true
	})

	b.logger.Info().
		Str("topic", topic).
		Int("notified", len(handles)).
		Msg("Topic deleted; subscribers notified")
}
