package player

import "image/color"

// rgbaToYUV420 converts an interleaved 8-bit RGBA picture to planar YUV
// 4:2:0, averaging each 2x2 block's chroma. Decoders that hand back RGBA
// (software scalers usually do) go through here before the picture event.
func rgbaToYUV420(rgba []byte, stride, width, height int) (y, u, v []byte) {
	cw := (width + 1) / 2
	ch := (height + 1) / 2
	y = make([]byte, width*height)
	u = make([]byte, cw*ch)
	v = make([]byte, cw*ch)

	for row := 0; row < height; row++ {
		src := rgba[row*stride:]
		for col := 0; col < width; col++ {
			yy, _, _ := color.RGBToYCbCr(src[col*4], src[col*4+1], src[col*4+2])
			y[row*width+col] = yy
		}
	}

	for cr := 0; cr < ch; cr++ {
		for cc := 0; cc < cw; cc++ {
			var sumCb, sumCr, n int
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					row := cr*2 + dy
					col := cc*2 + dx
					if row >= height || col >= width {
						continue
					}
					px := rgba[row*stride+col*4:]
					_, cb, crv := color.RGBToYCbCr(px[0], px[1], px[2])
					sumCb += int(cb)
					sumCr += int(crv)
					n++
				}
			}
			if n > 0 {
				u[cr*cw+cc] = byte(sumCb / n)
				v[cr*cw+cc] = byte(sumCr / n)
			}
		}
	}
	return y, u, v
}
