// Package sse implements Server-Sent Events: a broker fanning events out
// to subscribed clients and a handler that streams them over a request.
package sse

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	ramlog "github.com/ramapi/ramapi/log"
)

// Event is one server-sent event.
type Event struct {
	ID    string
	Type  string
	Data  string
	Retry int // reconnection hint, milliseconds
}

// Append serializes the event in wire format onto buf.
func (e *Event) Append(buf []byte) []byte {
	if e.ID != "" {
		buf = append(buf, "id: "...)
		buf = append(buf, e.ID...)
		buf = append(buf, '\n')
	}
	if e.Type != "" {
		buf = append(buf, "event: "...)
		buf = append(buf, e.Type...)
		buf = append(buf, '\n')
	}
	if e.Retry > 0 {
		buf = append(buf, "retry: "...)
		buf = strconv.AppendInt(buf, int64(e.Retry), 10)
		buf = append(buf, '\n')
	}
	if e.Data != "" {
		buf = append(buf, "data: "...)
		buf = append(buf, e.Data...)
		buf = append(buf, '\n')
	}
	return append(buf, '\n')
}

// Client is one subscriber. Events arrive on Events; a full buffer drops
// the event rather than blocking the broker.
type Client struct {
	ID     string
	Events chan *Event

	done     chan struct{}
	doneOnce sync.Once
}

func newClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		ID:     id,
		Events: make(chan *Event, buffer),
		done:   make(chan struct{}),
	}
}

// Close detaches the client. Safe to call more than once.
func (c *Client) Close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed when the client is detached.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) deliver(ev *Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Events <- ev:
		return true
	default:
		return false
	}
}

// Broker fans events out to clients. Close stops the keepalive goroutine
// and detaches every client.
type Broker struct {
	clients    sync.Map
	maxClients int
	keepalive  time.Duration
	log        zerolog.Logger

	count     atomic.Int64
	published atomic.Uint64
	dropped   atomic.Uint64
	nextID    atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewBroker starts a broker. maxClients <= 0 defaults to 10000 and
// keepalive <= 0 to 30s.
func NewBroker(maxClients int, keepalive time.Duration) *Broker {
	if maxClients <= 0 {
		maxClients = 10000
	}
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	b := &Broker{
		maxClients: maxClients,
		keepalive:  keepalive,
		log:        ramlog.WithComponent("sse"),
		done:       make(chan struct{}),
	}
	go b.keepaliveLoop()
	return b
}

// Subscribe registers a new client.
func (b *Broker) Subscribe(clientID string) (*Client, error) {
	if b.count.Load() >= int64(b.maxClients) {
		return nil, fmt.Errorf("sse: client limit reached (%d)", b.maxClients)
	}
	c := newClient(clientID, 64)
	if _, loaded := b.clients.LoadOrStore(clientID, c); loaded {
		return nil, fmt.Errorf("sse: client %q already subscribed", clientID)
	}
	b.count.Add(1)
	return c, nil
}

// Unsubscribe detaches a client.
func (b *Broker) Unsubscribe(c *Client) {
	if _, loaded := b.clients.LoadAndDelete(c.ID); loaded {
		b.count.Add(-1)
	}
	c.Close()
}

// Publish sends an event to every client. Events without an ID get a
// sequence number.
func (b *Broker) Publish(ev *Event) {
	if ev.ID == "" {
		ev.ID = strconv.FormatUint(b.nextID.Add(1), 10)
	}
	b.published.Add(1)
	b.clients.Range(func(_, v any) bool {
		if !v.(*Client).deliver(ev) {
			b.dropped.Add(1)
		}
		return true
	})
}

// PublishTo sends an event to one client.
func (b *Broker) PublishTo(clientID string, ev *Event) bool {
	v, ok := b.clients.Load(clientID)
	if !ok {
		return false
	}
	if ev.ID == "" {
		ev.ID = strconv.FormatUint(b.nextID.Add(1), 10)
	}
	if !v.(*Client).deliver(ev) {
		b.dropped.Add(1)
		return false
	}
	b.published.Add(1)
	return true
}

// ClientCount reports connected clients.
func (b *Broker) ClientCount() int { return int(b.count.Load()) }

// Stats reports broker counters.
func (b *Broker) Stats() map[string]any {
	return map[string]any{
		"clients":   b.count.Load(),
		"published": b.published.Load(),
		"dropped":   b.dropped.Load(),
	}
}

// Close detaches all clients and stops the broker.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.clients.Range(func(_, v any) bool {
			b.Unsubscribe(v.(*Client))
			return true
		})
	})
}

func (b *Broker) keepaliveLoop() {
	ticker := time.NewTicker(b.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case t := <-ticker.C:
			b.Publish(&Event{Type: "keepalive", Data: strconv.FormatInt(t.Unix(), 10)})
		}
	}
}
