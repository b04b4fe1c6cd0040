package ws

import (
	"context"

	"github.com/hilthontt/monopoly/internal/domain"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
	"github.com/hilthontt/monopoly/internal/infrastructure/metrics"
)

const broadcastBuffer = 256

// Core owns the live connections. Registration and fan-out run on the Run
// goroutine; room subscriptions are applied synchronously so a broadcast
// queued after Subscribe reaches the new subscriber.
type Core struct {
	roomMgr    *RoomManager
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}

	logger  logging.Logger
	metrics *metrics.Metrics
}

var _ domain.Broadcaster = (*Core)(nil)

func NewCore(logger logging.Logger, m *metrics.Metrics) *Core {
	return &Core{
		roomMgr:    NewRoomManager(),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, broadcastBuffer),
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    m,
	}
}

func (c *Core) Run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			for _, cl := range c.clients {
				c.roomMgr.Unsubscribe(cl)
				cl.close()
			}
			return

		case cl := <-c.register:
			c.clients[cl.ID] = cl
			c.metrics.ConnectionOpened()

		case cl := <-c.unregister:
			if _, ok := c.clients[cl.ID]; ok {
				delete(c.clients, cl.ID)
				c.roomMgr.Unsubscribe(cl)
				cl.close()
				c.metrics.ConnectionClosed()
			}

		case msg := <-c.broadcast:
			c.deliver(msg)
		}
	}
}

func (c *Core) deliver(msg *Message) {
	var targets []*Client
	if msg.all {
		targets = make([]*Client, 0, len(c.clients))
		for _, cl := range c.clients {
			targets = append(targets, cl)
		}
	} else {
		targets = c.roomMgr.Clients(msg.RoomID)
	}

	for _, cl := range targets {
		if !cl.enqueue(msg) {
			c.logger.Warn(logging.WebSocket, logging.Broadcast, "client buffer full, dropping message", map[logging.ExtraKey]any{
				logging.ClientID: cl.ID,
				logging.RoomID:   msg.RoomID,
				logging.Action:   msg.Type,
			})
		}
	}
}

func (c *Core) Register(cl *Client) {
	select {
	case c.register <- cl:
	case <-c.done:
		cl.close()
	}
}

func (c *Core) Unregister(cl *Client) {
	select {
	case c.unregister <- cl:
	case <-c.done:
	}
}

func (c *Core) Subscribe(cl *Client, roomID string) {
	c.roomMgr.Subscribe(cl, roomID)
}

func (c *Core) Unsubscribe(cl *Client) {
	c.roomMgr.Unsubscribe(cl)
}

func (c *Core) RoomOf(cl *Client) (string, bool) {
	return c.roomMgr.RoomOf(cl.ID)
}

// Send queues a message for one client only.
func (c *Core) Send(cl *Client, event string, data any) {
	roomID, _ := c.roomMgr.RoomOf(cl.ID)
	if !cl.enqueue(NewMessage(roomID, event, data)) {
		c.logger.Warn(logging.WebSocket, logging.Broadcast, "client buffer full, dropping message", map[logging.ExtraKey]any{
			logging.ClientID: cl.ID,
			logging.Action:   event,
		})
	}
}

func (c *Core) SendError(cl *Client, message string) {
	c.Send(cl, domain.EventError, domain.ErrorPayload{Message: message})
}

// Broadcast queues a message for every subscriber of roomID. It never
// blocks: when the queue is full the message is dropped.
func (c *Core) Broadcast(roomID, event string, data any) {
	c.enqueue(NewMessage(roomID, event, data))
}

func (c *Core) BroadcastAll(event string, data any) {
	msg := NewMessage("", event, data)
	msg.all = true
	c.enqueue(msg)
}

func (c *Core) enqueue(msg *Message) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.broadcast <- msg:
		c.metrics.Broadcast(msg.Type)
	default:
		c.logger.Warn(logging.WebSocket, logging.Broadcast, "broadcast queue full, dropping message", map[logging.ExtraKey]any{
			logging.RoomID: msg.RoomID,
			logging.Action: msg.Type,
		})
	}
}
