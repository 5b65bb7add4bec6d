package websocket

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	ramlog "github.com/ramapi/ramapi/log"
)

// Client is one hub member. Outbound messages queue on Send; a full queue
// disconnects the client rather than stalling the hub.
type Client struct {
	ID   string
	Conn *Conn
	Send chan *Message

	hub    *Hub
	done   chan struct{}
	closed atomic.Bool
}

// Close shuts the client down and closes its connection. The Send channel
// stays open so concurrent broadcasters never hit a closed channel; the
// write pump exits through done instead.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	c.Conn.Close()
}

// IsClosed reports whether the client has been shut down.
func (c *Client) IsClosed() bool { return c.closed.Load() }

// MessageHandler receives every inbound text or binary message.
type MessageHandler func(c *Client, msg *Message)

// Hub tracks connected clients and fans messages out to them and to
// named rooms.
type Hub struct {
	clients    sync.Map
	rooms      sync.Map
	maxClients int
	onMessage  MessageHandler
	log        zerolog.Logger

	count    atomic.Int64
	received atomic.Uint64
	sent     atomic.Uint64

	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewHub creates a hub. onMessage may be nil when inbound messages are
// handled elsewhere.
func NewHub(maxClients int, onMessage MessageHandler) *Hub {
	if maxClients <= 0 {
		maxClients = 10000
	}
	return &Hub{
		maxClients: maxClients,
		onMessage:  onMessage,
		log:        ramlog.WithComponent("websocket"),
	}
}

// Register adds a connection and starts its read and write pumps.
func (h *Hub) Register(id string, conn *Conn) (*Client, error) {
	if h.closing.Load() {
		return nil, fmt.Errorf("websocket: hub closed")
	}
	if h.count.Load() >= int64(h.maxClients) {
		return nil, fmt.Errorf("websocket: client limit reached (%d)", h.maxClients)
	}

	c := &Client{
		ID:   id,
		Conn: conn,
		Send: make(chan *Message, 256),
		hub:  h,
		done: make(chan struct{}),
	}
	if _, loaded := h.clients.LoadOrStore(id, c); loaded {
		return nil, fmt.Errorf("websocket: client %q already registered", id)
	}
	h.count.Add(1)

	h.wg.Add(2)
	go h.readPump(c)
	go h.writePump(c)
	return c, nil
}

// Unregister removes a client and closes it.
func (h *Hub) Unregister(c *Client) {
	if _, loaded := h.clients.LoadAndDelete(c.ID); loaded {
		h.count.Add(-1)
		h.leaveAllRooms(c.ID)
	}
	c.Close()
}

// Broadcast queues a message for every client, or for one room when room
// is non-empty.
func (h *Hub) Broadcast(opcode OpCode, payload []byte, room string) {
	msg := &Message{OpCode: opcode, Payload: payload}
	if room != "" {
		if r, ok := h.Room(room); ok {
			r.send(msg)
		}
		return
	}
	h.clients.Range(func(_, v any) bool {
		h.enqueue(v.(*Client), msg)
		return true
	})
}

// BroadcastText queues a text message.
func (h *Hub) BroadcastText(text, room string) {
	h.Broadcast(OpText, []byte(text), room)
}

// SendTo queues a message for one client.
func (h *Hub) SendTo(clientID string, msg *Message) error {
	v, ok := h.clients.Load(clientID)
	if !ok {
		return fmt.Errorf("websocket: client %q not found", clientID)
	}
	if !h.enqueue(v.(*Client), msg) {
		return fmt.Errorf("websocket: client %q queue full", clientID)
	}
	return nil
}

// Client returns a registered client.
func (h *Hub) Client(clientID string) (*Client, bool) {
	v, ok := h.clients.Load(clientID)
	if !ok {
		return nil, false
	}
	return v.(*Client), true
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int { return int(h.count.Load()) }

// Stats reports hub counters.
func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"clients":  h.count.Load(),
		"received": h.received.Load(),
		"sent":     h.sent.Load(),
		"rooms":    h.RoomCount(),
	}
}

// Close disconnects every client and waits for the pumps to exit.
func (h *Hub) Close() {
	if h.closing.Swap(true) {
		return
	}
	h.clients.Range(func(_, v any) bool {
		h.Unregister(v.(*Client))
		return true
	})
	h.wg.Wait()
}

func (h *Hub) enqueue(c *Client, msg *Message) bool {
	if c.IsClosed() {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		// A stalled reader loses its slot.
		h.Unregister(c)
		return false
	}
}

func (h *Hub) readPump(c *Client) {
	defer h.wg.Done()
	defer h.Unregister(c)

	for {
		msg, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		h.received.Add(1)
		if h.onMessage != nil {
			h.onMessage(c, msg)
		}
	}
}

func (h *Hub) writePump(c *Client) {
	defer h.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.Send:
			if err := c.Conn.WriteMessage(msg.OpCode, msg.Payload); err != nil {
				h.Unregister(c)
				return
			}
			h.sent.Add(1)
		}
	}
}

// Rooms

// Room is a named subset of clients.
type Room struct {
	Name    string
	clients sync.Map
}

// CreateRoom creates or returns the named room.
func (h *Hub) CreateRoom(name string) *Room {
	r := &Room{Name: name}
	if existing, loaded := h.rooms.LoadOrStore(name, r); loaded {
		return existing.(*Room)
	}
	return r
}

// Room returns a room by name.
func (h *Hub) Room(name string) (*Room, bool) {
	v, ok := h.rooms.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Room), true
}

// DeleteRoom removes a room; its members stay connected.
func (h *Hub) DeleteRoom(name string) {
	h.rooms.Delete(name)
}

// RoomCount reports the number of rooms.
func (h *Hub) RoomCount() int {
	n := 0
	h.rooms.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Join adds a registered client to the room.
func (r *Room) Join(c *Client) {
	r.clients.Store(c.ID, c)
}

// Leave removes a client from the room.
func (r *Room) Leave(clientID string) {
	r.clients.Delete(clientID)
}

// Members returns the IDs of clients in the room.
func (r *Room) Members() []string {
	var ids []string
	r.clients.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

func (r *Room) send(msg *Message) {
	r.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if !c.IsClosed() {
			select {
			case c.Send <- msg:
			default:
			}
		}
		return true
	})
}

func (h *Hub) leaveAllRooms(clientID string) {
	h.rooms.Range(func(_, v any) bool {
		v.(*Room).Leave(clientID)
		return true
	})
}
