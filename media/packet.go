package media

// PacketKind distinguishes regular demuxed packets from the two control
// sentinels that travel through the same queues.
type PacketKind uint8

const (
	// PacketData is an ordinary encoded unit read from the demuxer.
	PacketData PacketKind = iota
	// PacketFlush instructs a decoder to flush its buffers; enqueueing one
	// also advances the queue's serial.
	PacketFlush
	// PacketNull is an empty packet signalling end of stream into a decoder
	// so it drains its remaining frames.
	PacketNull
)

// Packet is one demuxed unit tagged with its origin stream. Flush and Null
// packets carry no payload; their Kind alone is meaningful.
type Packet struct {
	Kind     PacketKind
	Stream   int
	PTS      int64 // stream timebase; NoPTS when unknown
	DTS      int64
	Duration int64
	Pos      int64 // byte offset in the container, -1 when unknown
	Payload  []byte
	Keyframe bool

	// Opaque carries adapter-private state (for example an eagerly decoded
	// frame) from a demuxer to its paired decoder. The engine never touches it.
	Opaque any
}

// Flush returns a flush sentinel packet.
func Flush() Packet {
	return Packet{Kind: PacketFlush, PTS: NoPTS, DTS: NoPTS, Pos: -1}
}

// Null returns an end-of-stream packet for the given stream index.
func Null(stream int) Packet {
	return Packet{Kind: PacketNull, Stream: stream, PTS: NoPTS, DTS: NoPTS, Pos: -1}
}

// Size is the number of payload bytes the packet contributes to queue
// accounting.
func (p *Packet) Size() int {
	return len(p.Payload)
}

// TS returns the packet's best timestamp: PTS when present, else DTS.
func (p *Packet) TS() int64 {
	if p.PTS != NoPTS {
		return p.PTS
	}
	return p.DTS
}
