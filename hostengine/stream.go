package hostengine

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
)

// streamChannel carries varint length-prefixed frames over one libp2p stream. It
// implements overlay.Channel.
type streamChannel struct {
	engine *Engine
	stream network.Stream
	remote peer.ID
	reader msgio.ReadCloser

	wmu    sync.Mutex
	writer msgio.WriteCloser

	once sync.Once
}

func newStreamChannel(e *Engine, s network.Stream, remote peer.ID, r msgio.ReadCloser, w msgio.WriteCloser) *streamChannel {
	if r == nil {
		r = msgio.NewVarintReaderSize(s, maxFrameSize)
	}

	if w == nil {
		w = msgio.NewVarintWriter(s)
	}

	return &streamChannel{engine: e, stream: s, remote: remote, reader: r, writer: w}
}

func (c *streamChannel) start() {
	go func() {
		for {
			msg, err := c.reader.ReadMsg()
			if err != nil {
				c.terminate()
				return
			}

			frame := make([]byte, len(msg))
			copy(frame, msg)
			c.reader.ReleaseMsg(msg)

			if h := c.engine.events(); h != nil {
				h.OnFrame(c.remote, c, frame)
			}
		}
	}()
}

// Send implements overlay.Channel.
func (c *streamChannel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.stream.SetWriteDeadline(deadline)
		defer func() { _ = c.stream.SetWriteDeadline(time.Time{}) }()
	}

	return c.writer.WriteMsg(frame)
}

// Close implements overlay.Channel. Resetting the stream closes the remote end as well.
func (c *streamChannel) Close() error {
	c.terminate()
	return nil
}

func (c *streamChannel) terminate() {
	c.once.Do(func() {
		_ = c.stream.Reset()
		c.engine.detach(c)

		if h := c.engine.events(); h != nil {
			h.OnClosed(c.remote, c)
		}
	})
}
