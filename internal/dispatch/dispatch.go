package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is what dashboard clients receive on the broadcast channel.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the abstraction over broadcast backends. Delivery is
// best-effort, at most once per connected client; there is no replay.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// Hub is a channel-backed in-process publisher for dev and testing.
// Subscribers with full buffers miss messages rather than block the sender.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan Message
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Message)}
}

// Subscribe registers a buffered channel on a topic and returns it.
func (h *Hub) Subscribe(topic string, buffer int) <-chan Message {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	h.subs[topic] = append(h.subs[topic], ch)
	h.mu.Unlock()
	return ch
}

// Publish fans the message out to current subscribers without blocking.
func (h *Hub) Publish(ctx context.Context, topic string, msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[topic] {
		select {
		case ch <- msg:
		default:
			// subscriber is slow; it re-fetches state on reconnect
		}
	}
	return nil
}

// RedisPublisher broadcasts over Redis pub/sub so any number of dashboard
// gateway processes can fan out to their own websocket clients.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher wraps a redis client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish serializes the message as JSON and publishes it on the topic.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, topic, payload).Err()
}
