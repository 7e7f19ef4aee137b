package mpegts

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tsPacket builds one 188-byte transport packet.
func tsPacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	pkt := make([]byte, PacketSize)
	pkt[0] = syncByte
	pkt[1] = byte(pid >> 8)
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | (cc & 0x0F) // payload only
	for i := copy(pkt[4:], payload) + 4; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// section wraps a PSI table body with header and CRC32.
func section(tableID byte, body []byte) []byte {
	length := len(body) + 4 // body + CRC
	sec := []byte{tableID, 0xB0 | byte(length>>8), byte(length)}
	sec = append(sec, body...)

	crc := uint32(0xFFFFFFFF)
	for _, b := range sec {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	sec = append(sec, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	return sec
}

func buildPAT(pmtPID uint16) []byte {
	body := []byte{
		0x00, 0x01, // transport_stream_id
		0xC1,       // version/current_next
		0x00, 0x00, // section numbers
		0x00, 0x01, // program_number 1
		0xE0 | byte(pmtPID>>8), byte(pmtPID),
	}
	payload := append([]byte{0x00}, section(tableIDPAT, body)...)
	return payload
}

func buildPMT(streams []ElementaryStream) []byte {
	body := []byte{
		0x00, 0x01, // program_number
		0xC1,
		0x00, 0x00,
		0xE1, 0x00, // PCR PID
		0xF0, 0x00, // program_info_length
	}
	for _, es := range streams {
		body = append(body,
			es.StreamType,
			0xE0|byte(es.PID>>8), byte(es.PID),
			0xF0, 0x00,
		)
	}
	payload := append([]byte{0x00}, section(tableIDPMT, body)...)
	return payload
}

// buildPES wraps data in a PES header with the given pts (90 kHz).
func buildPES(streamID byte, pts int64, data []byte) []byte {
	stamp := []byte{
		byte(0x21 | ((pts>>30)&0x07)<<1),
		byte(pts >> 22),
		byte(0x01 | ((pts>>15)&0x7F)<<1),
		byte(pts >> 7),
		byte(0x01 | (pts&0x7F)<<1),
	}
	pes := []byte{0x00, 0x00, 0x01, streamID}
	length := 3 + len(stamp) + len(data)
	pes = append(pes, byte(length>>8), byte(length))
	pes = append(pes, 0x80, 0x80, byte(len(stamp)))
	pes = append(pes, stamp...)
	pes = append(pes, data...)
	return pes
}

func TestDemuxer_SyntheticProgram(t *testing.T) {
	t.Parallel()
	var stream bytes.Buffer
	stream.Write(tsPacket(0x0000, 0, true, buildPAT(0x1000)))
	stream.Write(tsPacket(0x1000, 0, true, buildPMT([]ElementaryStream{
		{PID: 0x100, StreamType: StreamTypeH264},
		{PID: 0x101, StreamType: StreamTypeAAC},
	})))
	stream.Write(tsPacket(0x100, 0, true, buildPES(0xE0, 90000, []byte{1, 2, 3})))
	stream.Write(tsPacket(0x101, 0, true, buildPES(0xC0, 45000, []byte{9, 8})))
	// This unit start completes the first 0x100 unit; the 0x101 unit and the
	// new 0x100 unit are flushed at end of input, lowest PID first.
	stream.Write(tsPacket(0x100, 1, true, buildPES(0xE0, 93003, []byte{4})))

	d := NewDemuxer(context.Background(), bytes.NewReader(stream.Bytes()), nil)

	var units []*PES
	for {
		pes, err := d.NextPES()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		units = append(units, pes)
	}

	require.Len(t, units, 3)
	assert.Equal(t, uint16(0x100), units[0].PID)
	assert.Equal(t, int64(90000), units[0].PTS)
	assert.Equal(t, []byte{1, 2, 3}, units[0].Data)
	assert.Equal(t, uint16(0x100), units[1].PID)
	assert.Equal(t, int64(93003), units[1].PTS)
	assert.Equal(t, uint16(0x101), units[2].PID)
	assert.Equal(t, int64(45000), units[2].PTS)

	streams := d.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, uint8(StreamTypeH264), streams[0].StreamType)
	assert.Equal(t, uint8(StreamTypeAAC), streams[1].StreamType)
}

func TestDemuxer_PositionsTracked(t *testing.T) {
	t.Parallel()
	var stream bytes.Buffer
	stream.Write(tsPacket(0x0000, 0, true, buildPAT(0x1000)))
	stream.Write(tsPacket(0x1000, 0, true, buildPMT([]ElementaryStream{{PID: 0x100, StreamType: StreamTypeH264}})))
	stream.Write(tsPacket(0x100, 0, true, buildPES(0xE0, 0, []byte{1})))
	stream.Write(tsPacket(0x100, 1, true, buildPES(0xE0, 3000, []byte{2})))

	d := NewDemuxer(context.Background(), bytes.NewReader(stream.Bytes()), nil)
	pes, err := d.NextPES()
	require.NoError(t, err)
	assert.Equal(t, int64(2*PacketSize), pes.Pos, "PES position is its first packet's byte offset")
}

func TestDemuxer_DuplicatePacketDropped(t *testing.T) {
	t.Parallel()
	var stream bytes.Buffer
	stream.Write(tsPacket(0x0000, 0, true, buildPAT(0x1000)))
	stream.Write(tsPacket(0x1000, 0, true, buildPMT([]ElementaryStream{{PID: 0x100, StreamType: StreamTypeH264}})))
	first := tsPacket(0x100, 0, true, buildPES(0xE0, 0, []byte{1, 2}))
	stream.Write(first)
	stream.Write(first) // retransmission with the same continuity counter
	stream.Write(tsPacket(0x100, 1, true, buildPES(0xE0, 3000, []byte{3})))

	d := NewDemuxer(context.Background(), bytes.NewReader(stream.Bytes()), nil)
	var units []*PES
	for {
		pes, err := d.NextPES()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		units = append(units, pes)
	}
	require.Len(t, units, 2)
	assert.Equal(t, []byte{1, 2}, units[0].Data)
}

func TestDemuxer_CorruptPacketsResync(t *testing.T) {
	t.Parallel()
	var stream bytes.Buffer
	stream.Write(tsPacket(0x0000, 0, true, buildPAT(0x1000)))
	garbage := make([]byte, PacketSize)
	stream.Write(garbage) // no sync byte
	stream.Write(tsPacket(0x1000, 0, true, buildPMT([]ElementaryStream{{PID: 0x100, StreamType: StreamTypeH264}})))
	stream.Write(tsPacket(0x100, 0, true, buildPES(0xE0, 100, []byte{1})))
	stream.Write(tsPacket(0x100, 1, true, buildPES(0xE0, 200, []byte{2})))

	d := NewDemuxer(context.Background(), bytes.NewReader(stream.Bytes()), nil)
	pes, err := d.NextPES()
	require.NoError(t, err)
	assert.Equal(t, int64(100), pes.PTS)
}

func TestDemuxer_StreamsCallback(t *testing.T) {
	t.Parallel()
	var stream bytes.Buffer
	stream.Write(tsPacket(0x0000, 0, true, buildPAT(0x1000)))
	stream.Write(tsPacket(0x1000, 0, true, buildPMT([]ElementaryStream{{PID: 0x100, StreamType: StreamTypeH264}})))

	var notified []ElementaryStream
	d := NewDemuxer(context.Background(), bytes.NewReader(stream.Bytes()), func(streams []ElementaryStream) {
		notified = append([]ElementaryStream(nil), streams...)
	})
	_, err := d.NextPES()
	assert.Equal(t, io.EOF, err)
	require.Len(t, notified, 1)
	assert.Equal(t, uint16(0x100), notified[0].PID)
}
