package relay

import (
	"log/slog"
	"sync"
)

// client is one connected websocket peer.
//
// send is never closed by the server so concurrent broadcasters cannot panic;
// done signals shutdown instead.
type client struct {
	id   string
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, queue int) *client {
	if queue < minSendQueueSize {
		queue = minSendQueueSize
	}
	return &client{
		id:   id,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (c *client) Done() <-chan struct{} { return c.done }

func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub tracks channel membership and fans frames out.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	channels map[string]map[string]*client
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, channels: make(map[string]map[string]*client)}
}

func (h *Hub) join(channel string, c *client) {
	h.mu.Lock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]*client)
	}
	h.channels[channel][c.id] = c
	h.mu.Unlock()

	h.log.Info("relay.member.join", "channel", channel, "client_id", c.id)
}

// leave removes the member before signalling its shutdown, so a broadcaster
// never holds a client whose goroutines are being torn down.
func (h *Hub) leave(channel, id string) {
	h.mu.Lock()
	c := h.channels[channel][id]
	delete(h.channels[channel], id)
	if len(h.channels[channel]) == 0 {
		delete(h.channels, channel)
	}
	h.mu.Unlock()

	if c != nil {
		c.Close()
		h.log.Info("relay.member.leave", "channel", channel, "client_id", id)
	}
}

// broadcast delivers frame to every member of channel except the sender.
// It never blocks: full queues drop the frame.
func (h *Hub) broadcast(channel, from string, frame []byte) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, m := range h.channels[channel] {
		if id == from {
			continue
		}
		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.send <- frame:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// Clients returns the number of members on channel.
func (h *Hub) Clients(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// closeAll signals every member to disconnect. Members leave as their loops exit.
func (h *Hub) closeAll() int {
	h.mu.RLock()
	all := make([]*client, 0)
	for _, members := range h.channels {
		for _, c := range members {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
	return len(all)
}
