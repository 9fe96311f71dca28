package preprocess

import "image"

// meanFilter returns a 3x3 box-blurred copy of img. Edge pixels reuse their
// nearest neighbours.
func meanFilter(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	w, h := b.Dx(), b.Dy()
	for y := range h {
		for x := range w {
			var sum [3]int
			for dy := -1; dy <= 1; dy++ {
				yy := min(max(y+dy, 0), h-1)
				for dx := -1; dx <= 1; dx++ {
					xx := min(max(x+dx, 0), w-1)
					i := img.PixOffset(b.Min.X+xx, b.Min.Y+yy)
					sum[0] += int(img.Pix[i])
					sum[1] += int(img.Pix[i+1])
					sum[2] += int(img.Pix[i+2])
				}
			}
			o := out.PixOffset(b.Min.X+x, b.Min.Y+y)
			out.Pix[o] = uint8(sum[0] / 9)
			out.Pix[o+1] = uint8(sum[1] / 9)
			out.Pix[o+2] = uint8(sum[2] / 9)
			out.Pix[o+3] = img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)+3]
		}
	}
	return out
}

func luma(r, g, b uint8) int {
	return (299*int(r) + 587*int(g) + 114*int(b)) / 1000
}

// stretchContrast maps the luminance range between the clip percentiles onto
// 0..255, applying the same linear map to every channel. Flat images are left
// alone.
func stretchContrast(img *image.RGBA, clip float64) {
	var hist [256]int
	n := 0
	for i := 0; i+3 < len(img.Pix); i += 4 {
		hist[luma(img.Pix[i], img.Pix[i+1], img.Pix[i+2])]++
		n++
	}
	if n == 0 {
		return
	}
	cut := int(float64(n) * clip)
	lo, hi := 0, 255
	for acc := 0; lo < 255; lo++ {
		acc += hist[lo]
		if acc > cut {
			break
		}
	}
	for acc := 0; hi > 0; hi-- {
		acc += hist[hi]
		if acc > cut {
			break
		}
	}
	if hi-lo < 2 {
		return
	}

	var lut [256]uint8
	for v := range 256 {
		lut[v] = clamp8(float64(v-lo) * 255 / float64(hi-lo))
	}
	for i := 0; i+3 < len(img.Pix); i += 4 {
		img.Pix[i] = lut[img.Pix[i]]
		img.Pix[i+1] = lut[img.Pix[i+1]]
		img.Pix[i+2] = lut[img.Pix[i+2]]
	}
}

// whiteBalance applies gray-world correction: each channel is scaled so its
// mean matches the mean of all three. Gains are limited to [0.5, 2].
func whiteBalance(img *image.RGBA) {
	var sum [3]float64
	n := 0
	for i := 0; i+3 < len(img.Pix); i += 4 {
		sum[0] += float64(img.Pix[i])
		sum[1] += float64(img.Pix[i+1])
		sum[2] += float64(img.Pix[i+2])
		n++
	}
	if n == 0 || sum[0] == 0 || sum[1] == 0 || sum[2] == 0 {
		return
	}
	gray := (sum[0] + sum[1] + sum[2]) / 3
	var gain [3]float64
	for c := range 3 {
		gain[c] = min(max(gray/sum[c], 0.5), 2)
	}
	for i := 0; i+3 < len(img.Pix); i += 4 {
		for c := range 3 {
			img.Pix[i+c] = clamp8(float64(img.Pix[i+c]) * gain[c])
		}
	}
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
