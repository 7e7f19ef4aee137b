package mpegts

import "fmt"

// isPESPayload checks for the PES start code prefix.
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalPESHeader reports whether the stream id carries the optional
// header with timestamps. Padding, private_stream_2 and the ECM/EMM/DSMCC
// family do not.
func hasOptionalPESHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// parsePES reassembles one PES unit from the concatenated payloads of an
// accumulated packet run.
func parsePES(pid uint16, pos int64, payload []byte) (*PES, error) {
	if len(payload) < 6 || !isPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: invalid PES on pid %d", pid)
	}

	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])
	pes := &PES{
		PID:      pid,
		StreamID: streamID,
		PTS:      NoTimestamp,
		DTS:      NoTimestamp,
		Pos:      pos,
	}

	if !hasOptionalPESHeader(streamID) {
		if packetLength > 0 && 6+packetLength <= len(payload) {
			pes.Data = payload[6 : 6+packetLength]
		} else {
			pes.Data = payload[6:]
		}
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header truncated")
	}
	ptsDTSFlags := (payload[7] >> 6) & 0x03
	headerDataLength := int(payload[8])
	dataStart := 9 + headerDataLength
	if dataStart > len(payload) {
		dataStart = len(payload)
	}

	switch ptsDTSFlags {
	case 2:
		if len(payload) >= 14 {
			pes.PTS = parseTimestamp(payload[9:14])
			pes.DTS = pes.PTS
		}
	case 3:
		if len(payload) >= 19 {
			pes.PTS = parseTimestamp(payload[9:14])
			pes.DTS = parseTimestamp(payload[14:19])
		}
	}

	if packetLength > 0 {
		if end := 6 + packetLength; end <= len(payload) {
			pes.Data = payload[dataStart:end]
			return pes, nil
		}
	}
	pes.Data = payload[dataStart:]
	return pes, nil
}

// parseTimestamp extracts a 33-bit 90 kHz timestamp from five PES header
// bytes.
func parseTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1&0x7F)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1&0x7F)
}
