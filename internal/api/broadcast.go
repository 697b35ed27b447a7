package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/srg/tagwatch/internal/session"
)

// MsgSnapshot carries a full session.Snapshot; every other message type is a session.EventKind
const MsgSnapshot = "snapshot"

// WSMessage is the envelope of every WebSocket frame
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

// offer queues msg without blocking; returns false when the send buffer is full.
// A closed client accepts and discards everything.
func (c *client) offer(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcaster fans session events out to WebSocket clients.
// Device changes also schedule one snapshot per throttle window.
type Broadcaster struct {
	snapshot func() session.Snapshot
	throttle time.Duration
	logger   *logrus.Logger

	mu      sync.RWMutex
	clients map[*client]bool

	flushMu    sync.Mutex
	flushTimer *time.Timer
}

func NewBroadcaster(snapshot func() session.Snapshot, throttle time.Duration, logger *logrus.Logger) *Broadcaster {
	if logger == nil {
		logger = logrus.New()
	}
	return &Broadcaster{
		snapshot: snapshot,
		throttle: throttle,
		logger:   logger,
		clients:  make(map[*client]bool),
	}
}

// AddClient registers conn and queues the current snapshot for it
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	data, err := json.Marshal(WSMessage{Type: MsgSnapshot, Payload: b.snapshot()})
	if err != nil {
		b.logger.WithError(err).Error("Failed to marshal WebSocket snapshot")
		return c
	}
	c.offer(data)
	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()

	if ok {
		c.close()
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Run forwards events until ctx is done or the channel is closed
func (b *Broadcaster) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.Publish(ev)
		}
	}
}

// Publish sends one event to every client
func (b *Broadcaster) Publish(ev session.Event) {
	b.broadcast(WSMessage{Type: string(ev.Kind), Payload: ev})

	switch ev.Kind {
	case session.EventDeviceAdded, session.EventDeviceUpdated, session.EventDeviceLost, session.EventDevicesCleared:
		b.scheduleSnapshot()
	}
}

func (b *Broadcaster) scheduleSnapshot() {
	if b.throttle <= 0 {
		return
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	b.flushTimer = nil
	b.flushMu.Unlock()

	b.broadcast(WSMessage{Type: MsgSnapshot, Payload: b.snapshot()})
}

// Close disconnects every client and cancels a pending snapshot
func (b *Broadcaster) Close() {
	b.flushMu.Lock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.flushMu.Unlock()

	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[*client]bool)
	b.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.WithError(err).Error("Failed to marshal WebSocket message")
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !c.offer(data) {
			b.logger.Warn("WebSocket client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}
