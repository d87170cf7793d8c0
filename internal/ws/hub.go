// Package ws fans live deployment events out to websocket and SSE subscribers.
package ws

import "sync"

// TopicDeployments carries deployment lifecycle events.
const TopicDeployments = "deployments"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by topic.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan countRequest
	done      chan struct{}
	stopOnce  sync.Once
}

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

type countRequest struct {
	topic string
	reply chan int
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		count:     make(chan countRequest),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.topic]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.topic)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.topic]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.topic)
				}
			}
		case req := <-h.count:
			req.reply <- len(h.clients[req.topic])
		}
	}
}

// Register adds a client to a topic.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to every client of topic.
func (h *Hub) Broadcast(topic string, payload []byte) {
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients follow topic.
func (h *Hub) Subscribers(topic string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{topic: topic, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Stop closes every client and ends the dispatch loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}
