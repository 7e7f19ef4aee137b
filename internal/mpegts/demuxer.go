package mpegts

import (
	"context"
	"errors"
	"io"
	"sort"
)

// accumulator buffers the transport packets of one PID until a payload
// unit completes, dropping runs broken by unsignaled continuity jumps.
type accumulator struct {
	packets []packet
}

func (a *accumulator) add(p packet, psi bool) []packet {
	if p.transportErr {
		a.packets = nil
		return nil
	}
	if !p.hasPayload {
		return nil
	}

	if n := len(a.packets); n > 0 && !p.discontinuity {
		prev := a.packets[n-1].cc
		switch p.cc {
		case (prev + 1) & 0x0F:
			// in sequence
		case prev:
			return nil // duplicate
		default:
			a.packets = nil // unsignaled discontinuity
		}
	}

	var done []packet
	if p.unitStart && len(a.packets) > 0 {
		done = a.packets
		a.packets = nil
	}
	a.packets = append(a.packets, p)

	if done == nil && psi && sectionComplete(concat(a.packets)) {
		done = a.packets
		a.packets = nil
	}
	return done
}

func (a *accumulator) flush() []packet {
	done := a.packets
	a.packets = nil
	return done
}

func concat(packets []packet) []byte {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.payload...)
	}
	return payload
}

// Demuxer pulls PES units out of a transport stream. The onStreams callback
// given to NewDemuxer fires whenever a PMT introduces elementary streams not
// seen before.
type Demuxer struct {
	ctx     context.Context
	r       io.Reader
	buf     [PacketSize]byte
	pos     int64
	accs    map[uint16]*accumulator
	pmtPIDs map[uint16]bool
	streams []ElementaryStream
	known   map[uint16]bool
	pending []*PES
	eof     bool

	onStreams func([]ElementaryStream)
}

// NewDemuxer creates a demuxer reading transport packets from r. The
// optional onStreams callback observes each PMT update that adds streams.
func NewDemuxer(ctx context.Context, r io.Reader, onStreams func([]ElementaryStream)) *Demuxer {
	return &Demuxer{
		ctx:       ctx,
		r:         r,
		accs:      make(map[uint16]*accumulator),
		pmtPIDs:   make(map[uint16]bool),
		known:     make(map[uint16]bool),
		onStreams: onStreams,
	}
}

// Streams returns the elementary streams discovered so far.
func (d *Demuxer) Streams() []ElementaryStream {
	return d.streams
}

// Pos returns the byte offset consumed from the input.
func (d *Demuxer) Pos() int64 {
	return d.pos
}

// NextPES returns the next reassembled PES unit, io.EOF at end of input.
// PSI sections are consumed internally.
func (d *Demuxer) NextPES() (*PES, error) {
	for {
		if len(d.pending) > 0 {
			pes := d.pending[0]
			d.pending = d.pending[1:]
			return pes, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		pos := d.pos
		if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.drain()
				continue
			}
			return nil, err
		}
		d.pos += PacketSize

		pkt, err := parsePacket(d.buf[:], pos)
		if err != nil {
			continue // resync on corrupt input
		}
		d.feed(pkt)
	}
}

func (d *Demuxer) feed(pkt packet) {
	acc := d.accs[pkt.pid]
	if acc == nil {
		acc = &accumulator{}
		d.accs[pkt.pid] = acc
	}
	done := acc.add(pkt, d.isPSI(pkt.pid))
	if done != nil {
		d.process(done)
	}
}

func (d *Demuxer) isPSI(pid uint16) bool {
	return pid == pidPAT || d.pmtPIDs[pid]
}

func (d *Demuxer) drain() {
	// Deterministic order: lowest PID first.
	pids := make([]int, 0, len(d.accs))
	for pid := range d.accs {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)
	for _, pid := range pids {
		if done := d.accs[uint16(pid)].flush(); done != nil && !d.isPSI(uint16(pid)) {
			d.process(done)
		}
	}
}

func (d *Demuxer) process(packets []packet) {
	if len(packets) == 0 {
		return
	}
	pid := packets[0].pid
	pos := packets[0].pos
	payload := concat(packets)
	if len(payload) == 0 {
		return
	}

	if d.isPSI(pid) {
		d.processPSI(pid, payload)
		return
	}
	if !isPESPayload(payload) {
		return
	}
	pes, err := parsePES(pid, pos, payload)
	if err != nil {
		return
	}
	d.pending = append(d.pending, pes)
}

func (d *Demuxer) processPSI(pid uint16, payload []byte) {
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return
	}
	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF || offset+3 > len(payload) || payload[offset+1]&0x80 == 0 {
			return
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		end := offset + 3 + sectionLength
		if end > len(payload) {
			return
		}
		section := payload[offset:end]

		switch tableID {
		case tableIDPAT:
			if pids, err := parsePAT(section); err == nil {
				for _, p := range pids {
					d.pmtPIDs[p] = true
				}
			}
		case tableIDPMT:
			if streams, err := parsePMT(section); err == nil {
				d.mergeStreams(streams)
			}
		}
		offset = end
	}
}

func (d *Demuxer) mergeStreams(streams []ElementaryStream) {
	changed := false
	for _, es := range streams {
		if !d.known[es.PID] {
			d.known[es.PID] = true
			d.streams = append(d.streams, es)
			changed = true
		}
	}
	if changed && d.onStreams != nil {
		d.onStreams(d.streams)
	}
}
