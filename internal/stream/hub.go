package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"backend-pilgrimhub/internal/tracking"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	EventSessionCompleted = "session.completed"

	mirrorBuffer  = 256
	mirrorTimeout = 2 * time.Second
)

// Hub fans session events out to websocket clients. With redis configured every broadcast is
// mirrored to the other instances, which skip their own messages by origin.
type Hub struct {
	redis   *redis.Client
	logger  *slog.Logger
	origin  string
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
	cancel  context.CancelFunc
	ready   chan struct{}
	mirror  chan mirrored
}

type mirrored struct {
	sessionID string
	msg       []byte
}

type Client struct {
	SessionID string
	Send      chan []byte
}

type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

func NewHub(redisClient *redis.Client, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		redis:   redisClient,
		logger:  logger,
		origin:  uuid.NewString(),
		clients: map[string]map[*Client]struct{}{},
		cancel:  cancel,
		ready:   make(chan struct{}),
	}

	if redisClient != nil {
		h.mirror = make(chan mirrored, mirrorBuffer)
		go h.subscribeRedis(ctx)
		go h.publishRedis(ctx)
	} else {
		close(h.ready)
	}
	return h
}

func (h *Hub) Close() {
	h.cancel()
}

func (h *Hub) Register(sessionID string) *Client {
	client := &Client{
		SessionID: sessionID,
		Send:      make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = map[*Client]struct{}{}
	}
	h.clients[sessionID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessionClients, ok := h.clients[client.SessionID]; ok {
		if _, registered := sessionClients[client]; !registered {
			return
		}
		delete(sessionClients, client)
		if len(sessionClients) == 0 {
			delete(h.clients, client.SessionID)
		}
		close(client.Send)
	}
}

// Broadcast delivers locally and queues the redis mirror without waiting for it. When the
// mirror queue is full the remote copy is dropped.
func (h *Hub) Broadcast(sessionID string, payload []byte) {
	h.deliver(sessionID, payload)

	if h.mirror == nil {
		return
	}
	msg, _ := json.Marshal(envelope{Origin: h.origin, Payload: payload})
	select {
	case h.mirror <- mirrored{sessionID: sessionID, msg: msg}:
	default:
		h.logger.Warn("redis mirror queue full, dropping message", "session_id", sessionID)
	}
}

func (h *Hub) publishRedis(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-h.mirror:
			pctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
			err := h.redis.Publish(pctx, redisChannel(m.sessionID), m.msg).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				h.logger.Warn("redis publish failed", "session_id", m.sessionID, "error", err)
			}
		}
	}
}

// Publish implements tracking.Publisher.
func (h *Hub) Publish(e tracking.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encode event failed", "type", e.Type, "error", err)
		return
	}
	h.Broadcast(e.SessionID, payload)
}

// Consume implements tracking.Consumer by announcing the finished session to its listeners.
func (h *Hub) Consume(s tracking.Session) {
	end := time.Now()
	if s.EndTime != nil {
		end = *s.EndTime
	}
	h.Publish(tracking.Event{
		Type:      EventSessionCompleted,
		SessionID: s.ID,
		At:        end,
		Data: map[string]any{
			"state":            s.State,
			"distance_m":       s.DistanceM,
			"duration_sec":     s.DurationSec,
			"calories":         s.Calories,
			"steps":            s.Steps,
			"checkpoints":      len(s.Checkpoints),
			"elevation_gain_m": s.ElevationGainM,
		},
	})
}

// CurrentSession is satisfied by *tracking.Manager.
type CurrentSession interface {
	Current(ctx context.Context) (tracking.Session, error)
}

// LiveSnapshot greets a new subscriber of the live session with its current state.
func LiveSnapshot(m CurrentSession) SnapshotFunc {
	return func(sessionID string) ([]byte, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s, err := m.Current(ctx)
		if err != nil || s.ID != sessionID {
			return nil, false
		}
		msg, err := json.Marshal(tracking.Event{Type: tracking.EventState, SessionID: s.ID, At: s.UpdatedAt, Data: s})
		return msg, err == nil
	}
}

func (h *Hub) deliver(sessionID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[sessionID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context) {
	pubsub := h.redis.PSubscribe(ctx, "tracking:*:broadcast")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		h.logger.Warn("redis subscribe failed", "error", err)
	}
	close(h.ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn("dropping malformed redis message", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == h.origin {
				continue
			}
			h.deliver(sessionIDFromChannel(msg.Channel), env.Payload)
		}
	}
}

func redisChannel(sessionID string) string {
	return "tracking:" + sessionID + ":broadcast"
}

func sessionIDFromChannel(ch string) string {
	// tracking:{session}:broadcast
	const prefix = "tracking:"
	const suffix = ":broadcast"
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
