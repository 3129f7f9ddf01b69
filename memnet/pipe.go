package memnet

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// pipeState is shared by both ends of a pipe; closing either end closes both.
type pipeState struct {
	once sync.Once
	done chan struct{}
}

// conn is one end of an in-memory pipe. It implements overlay.Channel.
type conn struct {
	owner  *Engine
	remote peer.ID
	other  *conn
	inbox  chan []byte
	state  *pipeState
}

func newPipe(a, b *Engine) (*conn, *conn) {
	state := &pipeState{done: make(chan struct{})}

	ca := &conn{owner: a, remote: b.self, inbox: make(chan []byte, inboxSize), state: state}
	cb := &conn{owner: b, remote: a.self, inbox: make(chan []byte, inboxSize), state: state}
	ca.other, cb.other = cb, ca

	a.attach(ca)
	b.attach(cb)

	return ca, cb
}

// start delivers the frames of this end, in order, to its engine's handler.
func (c *conn) start() {
	go func() {
		for {
			select {
			case frame := <-c.inbox:
				if h := c.owner.events(); h != nil {
					h.OnFrame(c.remote, c, frame)
				}
			case <-c.state.done:
				return
			}
		}
	}()
}

// Send implements overlay.Channel.
func (c *conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.state.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case c.other.inbox <- buf:
		return nil
	case <-c.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements overlay.Channel. Both ends report OnClosed exactly once.
func (c *conn) Close() error {
	c.state.once.Do(func() {
		close(c.state.done)

		for _, end := range []*conn{c, c.other} {
			if !end.owner.detach(end) {
				continue
			}
			if h := end.owner.events(); h != nil {
				h.OnClosed(end.remote, end)
			}
		}
	})

	return nil
}

// String describes the pipe end for logs.
func (c *conn) String() string {
	return c.owner.self.ShortString() + "->" + c.remote.ShortString()
}
