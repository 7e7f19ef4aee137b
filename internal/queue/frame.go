package queue

import (
	"sync"

	"github.com/stevevista/kinema/media"
)

// MaxFrameQueueSize caps the ring capacity of any FrameQueue.
const MaxFrameQueueSize = 16

// FrameQueue is a single-producer/single-consumer ring of decoded frames.
// The producer claims a slot with PeekWritable and commits it with Push;
// the consumer inspects with Peek/PeekNext and releases with Next. With
// keepLast set, the most recently displayed frame stays addressable via
// PeekLast until its slot is reclaimed.
//
// Abort is inherited from the paired PacketQueue: once that queue aborts,
// both blocking calls return nil.
type FrameQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	frames      []media.Frame
	rindex      int
	windex      int
	size        int
	rindexShown int
	keepLast    bool

	pq *PacketQueue
}

// NewFrameQueue creates a ring of maxSize slots (clamped to
// MaxFrameQueueSize) tied to the abort state of pq.
func NewFrameQueue(pq *PacketQueue, maxSize int, keepLast bool) *FrameQueue {
	if maxSize > MaxFrameQueueSize {
		maxSize = MaxFrameQueueSize
	}
	f := &FrameQueue{
		frames:   make([]media.Frame, maxSize),
		keepLast: keepLast,
		pq:       pq,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Wake unblocks any waiter so it can observe an abort.
func (f *FrameQueue) Wake() {
	f.mu.Lock()
	f.cond.Broadcast()
	f.mu.Unlock()
}

// PeekWritable blocks until a slot is free and returns it, or nil once the
// paired packet queue aborts. The slot contents are only published by Push.
func (f *FrameQueue) PeekWritable() *media.Frame {
	f.mu.Lock()
	for f.size >= len(f.frames) && !f.pq.Aborted() {
		f.cond.Wait()
	}
	f.mu.Unlock()
	if f.pq.Aborted() {
		return nil
	}
	return &f.frames[f.windex]
}

// Push commits the slot returned by PeekWritable.
func (f *FrameQueue) Push() {
	f.mu.Lock()
	f.windex++
	if f.windex == len(f.frames) {
		f.windex = 0
	}
	f.size++
	f.cond.Signal()
	f.mu.Unlock()
}

// PeekReadable blocks until an unread frame is available and returns it, or
// nil once the paired packet queue aborts.
func (f *FrameQueue) PeekReadable() *media.Frame {
	f.mu.Lock()
	for f.size-f.rindexShown <= 0 && !f.pq.Aborted() {
		f.cond.Wait()
	}
	f.mu.Unlock()
	if f.pq.Aborted() {
		return nil
	}
	return &f.frames[(f.rindex+f.rindexShown)%len(f.frames)]
}

// Peek returns the current unread frame without blocking.
func (f *FrameQueue) Peek() *media.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &f.frames[(f.rindex+f.rindexShown)%len(f.frames)]
}

// PeekNext returns the frame after the current unread one.
func (f *FrameQueue) PeekNext() *media.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &f.frames[(f.rindex+f.rindexShown+1)%len(f.frames)]
}

// PeekLast returns the most recently shown frame. Only meaningful when
// RindexShown reports true.
func (f *FrameQueue) PeekLast() *media.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &f.frames[f.rindex]
}

// Next releases the current read slot. With keepLast, the first Next after
// a fresh frame only marks it shown; later calls advance the ring.
func (f *FrameQueue) Next() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keepLast && f.rindexShown == 0 {
		f.rindexShown = 1
		return
	}
	f.frames[f.rindex] = media.Frame{}
	f.rindex++
	if f.rindex == len(f.frames) {
		f.rindex = 0
	}
	f.size--
	f.cond.Signal()
}

// NbRemaining returns the number of undisplayed frames.
func (f *FrameQueue) NbRemaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size - f.rindexShown
}

// RindexShown reports whether the slot at the read index has been displayed.
func (f *FrameQueue) RindexShown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rindexShown != 0
}

// LastPos returns the byte position of the last shown frame, or -1 when
// nothing from the current serial has been shown yet.
func (f *FrameQueue) LastPos() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp := &f.frames[f.rindex]
	if f.rindexShown != 0 && fp.Serial == f.pq.Serial() {
		return fp.Pos
	}
	return -1
}
