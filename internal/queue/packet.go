// Package queue provides the bounded, serial-fenced buffers between the
// reader, the decoders, and the presentation loops: a blocking packet FIFO
// and a fixed-size decoded-frame ring.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/stevevista/kinema/media"
)

// ErrAborted is returned by blocking queue operations after Abort.
var ErrAborted = errors.New("queue: aborted")

// enoughPackets and enoughDuration bound the reader's prefetch per stream:
// a queue is full enough once it holds more than enoughPackets packets and,
// when duration metadata exists, more than enoughDuration seconds of it.
const (
	enoughPackets  = 25
	enoughDuration = 1.0
)

type packetEntry struct {
	pkt    media.Packet
	serial int
}

// PacketQueue is an unbounded-capacity, abortable FIFO of demuxed packets.
// Every entry carries the serial that was current when it was enqueued;
// enqueueing a flush sentinel advances the serial first. Byte size, count
// and accumulated duration always reflect the queued contents.
type PacketQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []packetEntry

	size     int
	duration int64
	aborted  bool
	serial   atomic.Int64
}

// NewPacketQueue returns a queue in the aborted state; call Start before
// producing into it.
func NewPacketQueue() *PacketQueue {
	q := &PacketQueue{aborted: true}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues pkt under the queue's current serial. Flush sentinels bump
// the serial before being tagged. Puts on an aborted queue are dropped.
func (q *PacketQueue) Put(pkt media.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.putLocked(pkt, int(q.serial.Load()))
}

// PutSerial enqueues pkt tagged with an explicit serial, used by the reader
// to mark pre-target packets with the helper serial after a seek.
func (q *PacketQueue) PutSerial(pkt media.Packet, serial int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.putLocked(pkt, serial)
}

// PutNull enqueues an end-of-stream packet for stream.
func (q *PacketQueue) PutNull(stream int) {
	q.Put(media.Null(stream))
}

func (q *PacketQueue) putLocked(pkt media.Packet, serial int) {
	if q.aborted {
		return
	}
	if pkt.Kind == media.PacketFlush {
		serial = int(q.serial.Add(1))
	}
	q.entries = append(q.entries, packetEntry{pkt: pkt, serial: serial})
	q.size += pkt.Size()
	if pkt.Duration != media.NoPTS {
		q.duration += pkt.Duration
	}
	q.cond.Signal()
}

// Get blocks until a packet is available and returns it with the serial it
// was enqueued under. It returns ErrAborted once the queue is aborted.
func (q *PacketQueue) Get() (media.Packet, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.aborted {
			return media.Packet{}, 0, ErrAborted
		}
		if len(q.entries) > 0 {
			e := q.entries[0]
			q.entries[0] = packetEntry{}
			q.entries = q.entries[1:]
			q.size -= e.pkt.Size()
			if e.pkt.Duration != media.NoPTS {
				q.duration -= e.pkt.Duration
			}
			return e.pkt, e.serial, nil
		}
		q.cond.Wait()
	}
}

// TryGet is Get without blocking; ok is false when the queue is empty.
func (q *PacketQueue) TryGet() (media.Packet, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted || len(q.entries) == 0 {
		return media.Packet{}, 0, false
	}
	e := q.entries[0]
	q.entries[0] = packetEntry{}
	q.entries = q.entries[1:]
	q.size -= e.pkt.Size()
	if e.pkt.Duration != media.NoPTS {
		q.duration -= e.pkt.Duration
	}
	return e.pkt, e.serial, true
}

// Start clears the abort flag and enqueues a flush sentinel, advancing the
// serial into its first valid generation.
func (q *PacketQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = false
	q.putLocked(media.Flush(), 0)
}

// Flush drops all queued packets.
func (q *PacketQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.size = 0
	q.duration = 0
}

// NextSerial flushes the queue and enqueues a flush sentinel, invalidating
// everything produced before the call. Used after a successful seek.
func (q *PacketQueue) NextSerial() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.size = 0
	q.duration = 0
	q.putLocked(media.Flush(), 0)
}

// Abort rejects further puts, wakes all waiters and drains the contents.
func (q *PacketQueue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = true
	q.entries = nil
	q.size = 0
	q.duration = 0
	q.cond.Broadcast()
}

// Aborted reports whether the queue has been aborted.
func (q *PacketQueue) Aborted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}

// Count returns the number of queued packets.
func (q *PacketQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Size returns the total payload bytes queued.
func (q *PacketQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Duration returns the accumulated packet duration, in the stream timebase.
func (q *PacketQueue) Duration() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.duration
}

// Serial returns the queue's current serial.
func (q *PacketQueue) Serial() int {
	return int(q.serial.Load())
}

// SerialRef exposes the authoritative serial for lock-free reads by clocks
// and decoders.
func (q *PacketQueue) SerialRef() *atomic.Int64 {
	return &q.serial
}

// HasEnough reports whether the reader can stop prefetching this stream:
// the queue is aborted, or holds more than enoughPackets packets and either
// no duration metadata or more than enoughDuration seconds of content.
func (q *PacketQueue) HasEnough(tb media.Rational) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted {
		return true
	}
	return len(q.entries) > enoughPackets &&
		(q.duration == 0 || tb.Float()*float64(q.duration) > enoughDuration)
}
