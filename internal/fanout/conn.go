package fanout

import "sync"

type conn struct {
	id     string
	sender Sender
	outbox chan []byte

	mu       sync.Mutex
	identity string
	rooms    map[string]struct{}
	closed   bool
}

func newConn(id string, sender Sender, outboxSize int) *conn {
	return &conn{
		id:     id,
		sender: sender,
		outbox: make(chan []byte, outboxSize),
		rooms:  make(map[string]struct{}),
	}
}

// offer queues msg without blocking. The outbox is only closed under c.mu,
// so a send here never races the close.
func (c *conn) offer(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.outbox <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) currentIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// joined returns a copy of the rooms the connection has joined.
func (c *conn) joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}
