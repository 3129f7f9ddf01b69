package overlay

import "sync"

// mailbox is an unbounded FIFO of closures. Post never blocks, which lets engine callbacks
// fire from inside calls made by the event loop itself.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// post appends fn and reports whether the mailbox still accepts work.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}

	return true
}

// drain removes and returns everything queued so far.
func (m *mailbox) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.queue
	m.queue = nil

	return batch
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}
