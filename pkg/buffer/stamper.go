package buffer

import (
	"sync"
	"time"
)

// Stamper assigns per-origin sequence numbers and ingress timestamps to
// buffers as sources produce them.
type Stamper struct {
	mu   sync.Mutex
	next map[uint32]uint64
	now  func() time.Time
}

// NewStamper creates a Stamper whose sequences start at zero.
func NewStamper() *Stamper {
	return &Stamper{next: make(map[uint32]uint64), now: time.Now}
}

// Stamp sets b's sequence number to the next value for its origin and fills
// in a missing creation timestamp.
func (s *Stamper) Stamp(b *Buffer) {
	s.mu.Lock()
	b.SequenceNumber = s.next[b.OriginID]
	s.next[b.OriginID]++
	s.mu.Unlock()
	if b.CreationTimestamp == InvalidTimestamp {
		b.CreationTimestamp = s.now().UnixMilli()
	}
}
