// Package admin is the HTTP control plane: topic lifecycle, telemetry,
// and message history, served alongside the WebSocket endpoint.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"topichub/internal/store"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 100
)

// Notifier is the broker-side hook the control plane uses to tell live
// subscribers their topic went away.
type Notifier interface {
	NotifyTopicDeleted(topic string)
}

// Handler serves the control-plane routes over the durable store.
type Handler struct {
	store    *store.Store
	notifier Notifier
	logger   zerolog.Logger
	started  time.Time
}

// New creates a control-plane handler. started feeds the health uptime.
func New(st *store.Store, notifier Notifier, started time.Time, logger zerolog.Logger) *Handler {
	return &Handler{
		store:    st,
		notifier: notifier,
		logger:   logger,
		started:  started,
	}
}

// Register mounts every control-plane route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/{$}", h.health)
	mux.HandleFunc("GET /stats/{$}", h.stats)
	mux.HandleFunc("GET /topics/{$}", h.listTopics)
	mux.HandleFunc("GET /topics/create/{$}", h.createTopic)
	mux.HandleFunc("POST /topics/create/{$}", h.createTopic)
	mux.HandleFunc("GET /topics/{name}/{$}", h.topicDetail)
	mux.HandleFunc("POST /topics/{name}/delete/{$}", h.deleteTopic)
	mux.HandleFunc("DELETE /topics/{name}/delete/{$}", h.deleteTopic)
	mux.HandleFunc("GET /topics/{name}/subscribers/{$}", h.topicSubscribers)
	mux.HandleFunc("GET /topics/{name}/messages/{$}", h.topicMessages)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	topics, err := h.store.CountTopics(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Health check failed")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Health check failed: %v", err))
		return
	}
	subscribers, err := h.store.CountSubscriptions(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Health check failed")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Health check failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_sec":  int64(time.Since(h.started).Seconds()),
		"topics":      topics,
		"subscribers": subscribers,
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	perTopic, err := h.store.StatsPerTopic(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to get stats")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get stats: %v", err))
		return
	}

	topics := make(map[string]map[string]int64, len(perTopic))
	for name, st := range perTopic {
		topics[name] = map[string]int64{
			"messages":    st.Messages,
			"subscribers": st.Subscribers,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.ListTopics(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list topics")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list topics: %v", err))
		return
	}
	perTopic, err := h.store.StatsPerTopic(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list topics")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list topics: %v", err))
		return
	}

	topics := make([]map[string]any, 0, len(all))
	for _, t := range all {
		topics = append(topics, map[string]any{
			"name":        t.Name,
			"subscribers": perTopic[t.Name].Subscribers,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

func (h *Handler) createTopic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var body struct {
		Name     string         `json:"name"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	name := strings.TrimSpace(body.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "Topic name cannot be empty")
		return
	}

	if _, err := h.store.CreateTopic(r.Context(), name, body.Metadata); err != nil {
		if errors.Is(err, store.ErrTopicExists) {
			writeError(w, http.StatusConflict, "Topic already exists")
			return
		}
		h.logger.Error().Err(err).Str("topic", name).Msg("Failed to create topic")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create topic: %v", err))
		return
	}

	h.logger.Info().Str("topic", name).Msg("Topic created")
	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "created",
		"topic":  name,
	})
}

func (h *Handler) topicDetail(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	topic, err := h.store.GetTopic(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrTopicNotFound) {
			writeError(w, http.StatusNotFound, "Topic not found")
			return
		}
		h.logger.Error().Err(err).Str("topic", name).Msg("Failed to get topic details")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get topic details: %v", err))
		return
	}

	active, err := h.store.CountActiveSubscriptions(r.Context(), topic.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", name).Msg("Failed to get topic details")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get topic details: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":                topic.Name,
		"created_at":          topic.CreatedAt,
		"last_published":      topic.LastPublished,
		"message_count":       topic.MessageCount,
		"subscriber_count":    topic.SubscriberCount,
		"is_active":           topic.IsActive,
		"metadata":            topic.Metadata,
		"subscriptions_count": active,
	})
}

// deleteTopic cascades subscriptions and messages with the topic row,
// then pushes the deletion notice to live subscribers and evicts the
// routing entry. Store first, notification second.
func (h *Handler) deleteTopic(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := h.store.DeleteTopic(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrTopicNotFound) {
			writeError(w, http.StatusNotFound, "Topic not found")
			return
		}
		h.logger.Error().Err(err).Str("topic", name).Msg("Failed to delete topic")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete topic: %v", err))
		return
	}

	h.notifier.NotifyTopicDeleted(name)

	h.logger.Info().Str("topic", name).Msg("Topic deleted")
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"topic":  name,
	})
}

func (h *Handler) topicSubscribers(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	topic, err := h.store.GetTopic(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrTopicNotFound) {
			writeError(w, http.StatusNotFound, "Topic not found")
			return
		}
		h.logger.Error().Err(err).Str("topic", name).Msg("Failed to get topic subscribers")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get topic subscribers: %v", err))
		return
	}

	subs, err := h.store.TopicSubscribers(r.Context(), topic.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", name).Msg("Failed to get topic subscribers")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get topic subscribers: %v", err))
		return
	}

	out := make([]map[string]any, 0, len(subs))
	for _, s := range subs {
		out = append(out, map[string]any{
			"connection_id": s.ConnectionID,
			"subscribed_at": s.SubscribedAt,
			"client_ip":     s.ClientIP,
			"user_agent":    s.UserAgent,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"topic":             name,
		"subscribers_count": len(out),
		"subscribers":       out,
	})
}

func (h *Handler) topicMessages(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	topic, err := h.store.GetTopic(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrTopicNotFound) {
			writeError(w, http.StatusNotFound, "Topic not found")
			return
		}
		h.logger.Error().Err(err).Str("topic", name).Msg("Failed to get topic messages")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get topic messages: %v", err))
		return
	}

	limit := queryInt(r, "limit", defaultMessageLimit)
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	if limit < 1 {
		limit = 1
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	msgs, err := h.store.RecentMessages(r.Context(), topic.ID, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", name).Msg("Failed to get topic messages")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get topic messages: %v", err))
		return
	}

	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"id":                    m.ID,
			"topic_name":            name,
			"publisher_id":          m.PublisherID,
			"data":                  m.Data,
			"published_at":          m.PublishedAt,
			"delivery_attempts":     m.DeliveryAttempts,
			"max_delivery_attempts": m.MaxDeliveryAttempts,
			"metadata":              m.Metadata,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"topic":       name,
		"messages":    out,
		"total_count": topic.MessageCount,
		"limit":       limit,
		"offset":      offset,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
