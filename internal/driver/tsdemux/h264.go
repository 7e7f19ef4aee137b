package tsdemux

import (
	"errors"
	"fmt"
)

// H.264 NAL unit types the demuxer inspects.
const (
	nalSlice = 1
	nalIDR   = 5
	nalSEI   = 6
	nalSPS   = 7
	nalPPS   = 8
)

// splitAnnexB slices an Annex B elementary stream into NAL units without
// their start codes.
func splitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && (data[i+2] == 1 || (i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1)) {
			next := i + 3
			if data[i+2] == 0 {
				next = i + 4
			}
			if start >= 0 {
				nalus = append(nalus, trimTrailingZeros(data[start:i]))
			}
			start = next
			i = next
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, trimTrailingZeros(data[start:]))
	}
	return nalus
}

func trimTrailingZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// bitReader walks the RBSP of a NAL unit, removing emulation prevention
// bytes on the fly.
type bitReader struct {
	data []byte
	pos  int
	bit  uint
	zero int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (r *bitReader) readBit() (uint32, error) {
	if r.pos >= len(r.data) {
		return 0, errors.New("bitstream exhausted")
	}
	// Skip 0x03 emulation prevention after two zero bytes.
	if r.bit == 0 && r.zero >= 2 && r.data[r.pos] == 0x03 {
		r.pos++
		r.zero = 0
		if r.pos >= len(r.data) {
			return 0, errors.New("bitstream exhausted")
		}
	}
	b := (uint32(r.data[r.pos]) >> (7 - r.bit)) & 1
	r.bit++
	if r.bit == 8 {
		if r.data[r.pos] == 0 {
			r.zero++
		} else {
			r.zero = 0
		}
		r.bit = 0
		r.pos++
	}
	return b, nil
}

func (r *bitReader) readBits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		b, err := r.readBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | b
	}
	return v, nil
}

// readUE reads an unsigned Exp-Golomb value.
func (r *bitReader) readUE() (uint32, error) {
	zeros := 0
	for {
		b, err := r.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errors.New("exp-golomb overflow")
		}
	}
	v, err := r.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + v, nil
}

func (r *bitReader) readSE() (int32, error) {
	v, err := r.readUE()
	if err != nil {
		return 0, err
	}
	if v%2 == 0 {
		return -int32(v / 2), nil
	}
	return int32(v+1) / 2, nil
}

// parseSPSDimensions extracts the coded picture size from an H.264 SPS
// NAL (header byte included), applying frame cropping.
func parseSPSDimensions(sps []byte) (width, height int, err error) {
	if len(sps) < 4 {
		return 0, 0, fmt.Errorf("tsdemux: SPS too short")
	}
	r := newBitReader(sps[1:]) // skip the NAL header byte

	profile, err := r.readBits(8)
	if err != nil {
		return 0, 0, err
	}
	if _, err = r.readBits(16); err != nil { // constraint flags + level
		return 0, 0, err
	}
	if _, err = r.readUE(); err != nil { // seq_parameter_set_id
		return 0, 0, err
	}

	chromaFormat := uint32(1)
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		if chromaFormat, err = r.readUE(); err != nil {
			return 0, 0, err
		}
		if chromaFormat == 3 {
			if _, err = r.readBit(); err != nil { // separate_colour_plane
				return 0, 0, err
			}
		}
		if _, err = r.readUE(); err != nil { // bit_depth_luma
			return 0, 0, err
		}
		if _, err = r.readUE(); err != nil { // bit_depth_chroma
			return 0, 0, err
		}
		if _, err = r.readBit(); err != nil { // qpprime flag
			return 0, 0, err
		}
		scaling, err := r.readBit()
		if err != nil {
			return 0, 0, err
		}
		if scaling == 1 {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				present, err := r.readBit()
				if err != nil {
					return 0, 0, err
				}
				if present == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					last, next := int32(8), int32(8)
					for j := 0; j < size; j++ {
						if next != 0 {
							delta, err := r.readSE()
							if err != nil {
								return 0, 0, err
							}
							next = (last + delta + 256) % 256
						}
						if next != 0 {
							last = next
						}
					}
				}
			}
		}
	}

	if _, err = r.readUE(); err != nil { // log2_max_frame_num_minus4
		return 0, 0, err
	}
	picOrderCntType, err := r.readUE()
	if err != nil {
		return 0, 0, err
	}
	switch picOrderCntType {
	case 0:
		if _, err = r.readUE(); err != nil {
			return 0, 0, err
		}
	case 1:
		if _, err = r.readBit(); err != nil {
			return 0, 0, err
		}
		if _, err = r.readSE(); err != nil {
			return 0, 0, err
		}
		if _, err = r.readSE(); err != nil {
			return 0, 0, err
		}
		cycles, err := r.readUE()
		if err != nil {
			return 0, 0, err
		}
		for i := uint32(0); i < cycles; i++ {
			if _, err = r.readSE(); err != nil {
				return 0, 0, err
			}
		}
	}

	if _, err = r.readUE(); err != nil { // max_num_ref_frames
		return 0, 0, err
	}
	if _, err = r.readBit(); err != nil { // gaps_in_frame_num_allowed
		return 0, 0, err
	}

	widthMbs, err := r.readUE()
	if err != nil {
		return 0, 0, err
	}
	heightMapUnits, err := r.readUE()
	if err != nil {
		return 0, 0, err
	}
	frameMbsOnly, err := r.readBit()
	if err != nil {
		return 0, 0, err
	}
	if frameMbsOnly == 0 {
		if _, err = r.readBit(); err != nil { // mb_adaptive_frame_field
			return 0, 0, err
		}
	}
	if _, err = r.readBit(); err != nil { // direct_8x8_inference
		return 0, 0, err
	}

	width = int(widthMbs+1) * 16
	height = int(heightMapUnits+1) * 16 * int(2-frameMbsOnly)

	cropping, err := r.readBit()
	if err != nil {
		return 0, 0, err
	}
	if cropping == 1 {
		left, err1 := r.readUE()
		right, err2 := r.readUE()
		top, err3 := r.readUE()
		bottom, err4 := r.readUE()
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return width, height, nil
		}
		cropX, cropY := 2, 2
		if chromaFormat == 0 {
			cropX, cropY = 1, 1
		} else if chromaFormat == 2 {
			cropY = 1
		} else if chromaFormat == 3 {
			cropX, cropY = 1, 1
		}
		if frameMbsOnly == 0 {
			cropY *= 2
		}
		width -= int(left+right) * cropX
		height -= int(top+bottom) * cropY
	}
	return width, height, nil
}
