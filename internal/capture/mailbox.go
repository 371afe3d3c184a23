package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/LoopCam/internal/frame"
)

// MailboxSource holds the latest frame published by a host render loop.
// Publish overwrites an unconsumed frame and counts it as dropped; NextFrame
// takes the frame without blocking.
type MailboxSource struct {
	mu     sync.Mutex
	frame  *frame.Frame
	closed bool
	drops  uint64
}

// NewMailboxSource creates an empty mailbox
func NewMailboxSource() *MailboxSource {
	return &MailboxSource{}
}

// Name returns the source name
func (m *MailboxSource) Name() string {
	return "mailbox"
}

// Start is a no-op
func (m *MailboxSource) Start() error {
	return nil
}

// Stop closes the mailbox; later Publish calls are ignored
func (m *MailboxSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.frame = nil
	return nil
}

// Publish stores f as the latest frame. f must not be modified afterwards.
func (m *MailboxSource) Publish(f *frame.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.frame != nil {
		atomic.AddUint64(&m.drops, 1)
	}
	m.frame = f
}

// Drops returns how many frames were overwritten before being consumed
func (m *MailboxSource) Drops() uint64 {
	return atomic.LoadUint64(&m.drops)
}

// NextFrame takes the pending frame, or nil if none was published since the
// last call.
func (m *MailboxSource) NextFrame(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("mailbox closed: %w", ErrSourceUnavailable)
	}
	f := m.frame
	m.frame = nil
	return f, nil
}
