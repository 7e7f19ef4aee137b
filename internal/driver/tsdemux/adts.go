package tsdemux

// adtsSampleRates indexes the sampling_frequency_index field.
var adtsSampleRates = [16]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0,
}

// adtsFrame is one AAC frame cut out of an ADTS-wrapped PES payload.
type adtsFrame struct {
	data       []byte
	sampleRate int
	channels   int
}

// samplesPerAACFrame is fixed by the codec.
const samplesPerAACFrame = 1024

// splitADTS walks the syncword-framed AAC frames of a PES payload. Partial
// or unsynced leading bytes are skipped.
func splitADTS(data []byte) []adtsFrame {
	var frames []adtsFrame
	i := 0
	for i+7 <= len(data) {
		if data[i] != 0xFF || data[i+1]&0xF0 != 0xF0 {
			i++
			continue
		}
		frameLen := int(data[i+3]&0x03)<<11 | int(data[i+4])<<3 | int(data[i+5])>>5
		if frameLen < 7 || i+frameLen > len(data) {
			break
		}
		protectionAbsent := data[i+1]&0x01 != 0
		headerLen := 9
		if protectionAbsent {
			headerLen = 7
		}
		if frameLen <= headerLen {
			i += frameLen
			continue
		}
		frames = append(frames, adtsFrame{
			data:       data[i+headerLen : i+frameLen],
			sampleRate: adtsSampleRates[(data[i+2]>>2)&0x0F],
			channels:   int(data[i+2]&0x01)<<2 | int(data[i+3])>>6,
		})
		i += frameLen
	}
	return frames
}
