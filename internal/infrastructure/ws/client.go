package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

const sendBuffer = 64

// Client is one websocket connection. Outbound messages are queued on a
// buffered channel drained by WriteMessages.
type Client struct {
	ID string

	conn *connWrapper
	send chan *Message

	mu     sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn, id string) *Client {
	return &Client{
		ID:   id,
		conn: newConnWrapper(conn),
		send: make(chan *Message, sendBuffer),
	}
}

// enqueue reports false when the client is closed or its buffer is full.
func (c *Client) enqueue(msg *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadMessages decodes commands until the connection fails. Malformed
// frames are answered with an error and skipped.
func (c *Client) ReadMessages(handle func(Inbound)) error {
	for {
		raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}

		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
			c.enqueue(NewError("", "invalid message"))
			continue
		}
		handle(in)
	}
}

func (c *Client) WriteMessages() error {
	defer func() {
		_ = c.conn.Close()
	}()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}
