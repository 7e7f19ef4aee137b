// Package decode runs the per-stream decode loop: pulling packets from a
// PacketQueue, driving a codec, and handing decoded frames to the caller
// with the serial discipline the seek machinery relies on.
package decode

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/stevevista/kinema/internal/driver"
	"github.com/stevevista/kinema/internal/queue"
	"github.com/stevevista/kinema/media"
)

// Decoder couples one codec context with its packet queue. It tracks the
// serial of the packets it is feeding the codec and a finished marker set
// when the codec drains at end of stream.
type Decoder struct {
	log   *slog.Logger
	kind  media.StreamKind
	dec   driver.Decoder
	queue *queue.PacketQueue

	pending    media.Packet
	hasPending bool

	pktSerial int
	finished  atomic.Int64

	// nextPTS fabricates audio frame timestamps when the codec provides
	// none, advancing by the sample count of each emitted frame.
	nextPTS float64

	// onEmptyQueue wakes the reader when the decoder is about to block on
	// an empty queue.
	onEmptyQueue func()
}

// New creates a decoder for the given stream kind. If log is nil,
// slog.Default() is used.
func New(kind media.StreamKind, dec driver.Decoder, q *queue.PacketQueue, onEmptyQueue func(), log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	d := &Decoder{
		log:          log.With("component", "decoder", "stream", kind.String()),
		kind:         kind,
		dec:          dec,
		queue:        q,
		pktSerial:    -1,
		nextPTS:      math.NaN(),
		onEmptyQueue: onEmptyQueue,
	}
	d.finished.Store(-1)
	return d
}

// Finished returns the serial whose null packet has fully drained the
// codec, or -1. Safe to read from the reader goroutine.
func (d *Decoder) Finished() int {
	return int(d.finished.Load())
}

// SetFinished overrides the finished marker; the reverse engine uses this
// when it re-primes the codec mid-serial.
func (d *Decoder) SetFinished(serial int) {
	d.finished.Store(int64(serial))
}

// Frame returns the next decoded frame together with the serial of the
// packets that produced it. A nil frame with nil error reports that the
// codec drained at end of stream for the current serial. queue.ErrAborted
// is returned after the packet queue aborts; other errors come from the
// codec unchanged.
func (d *Decoder) Frame() (*media.Frame, int, error) {
	for {
		if int64(d.pktSerial) == d.queue.SerialRef().Load() || d.pktSerial == media.HelperSerial {
			f, err := d.dec.ReceiveFrame()
			switch {
			case err == nil:
				d.stampAudio(f)
				f.Serial = d.pktSerial
				return f, d.pktSerial, nil
			case errors.Is(err, io.EOF):
				d.finished.Store(int64(d.pktSerial))
				d.dec.Flush()
				return nil, d.pktSerial, nil
			case errors.Is(err, driver.ErrAgain):
				// fall through to feed another packet
			default:
				return nil, d.pktSerial, err
			}
		}

		pkt, serial, err := d.nextPacket()
		if err != nil {
			return nil, d.pktSerial, err
		}

		if pkt.Kind == media.PacketFlush {
			d.dec.Flush()
			d.nextPTS = math.NaN()
			d.pktSerial = serial
			continue
		}

		d.pktSerial = serial
		if err := d.dec.SendPacket(pkt); err != nil {
			if errors.Is(err, driver.ErrAgain) {
				// Codec refused input with output pending; stash the packet
				// and drain on the next iteration.
				d.pending = pkt
				d.hasPending = true
				continue
			}
			d.log.Debug("send packet failed", "error", err)
		}
	}
}

// nextPacket returns the stashed pending packet if any, else blocks on the
// queue, skipping packets from stale serials.
func (d *Decoder) nextPacket() (media.Packet, int, error) {
	if d.hasPending {
		d.hasPending = false
		return d.pending, d.pktSerial, nil
	}
	for {
		if d.queue.Count() == 0 && d.onEmptyQueue != nil {
			d.onEmptyQueue()
		}
		pkt, serial, err := d.queue.Get()
		if err != nil {
			return media.Packet{}, 0, err
		}
		if pkt.Kind == media.PacketFlush ||
			serial == media.HelperSerial ||
			int64(serial) == d.queue.SerialRef().Load() {
			return pkt, serial, nil
		}
		// Stale serial: drop and keep draining.
	}
}

// stampAudio rewrites an audio frame's pts into its own sample-rate
// timeline, fabricating it from the running next-pts counter when the
// codec provided none.
func (d *Decoder) stampAudio(f *media.Frame) {
	if d.kind != media.StreamAudio || f.Audio == nil {
		return
	}
	if math.IsNaN(f.PTS) && !math.IsNaN(d.nextPTS) {
		f.PTS = d.nextPTS
	}
	if !math.IsNaN(f.PTS) && f.Audio.Params.Rate > 0 {
		d.nextPTS = f.PTS + float64(f.Audio.NbSamples)/float64(f.Audio.Params.Rate)
	}
}

// Close closes the underlying codec.
func (d *Decoder) Close() error {
	return d.dec.Close()
}
