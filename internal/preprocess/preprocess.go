// Package preprocess prepares camera frames for detection: it scales each
// frame to the current working resolution and, in quality mode, cleans it up
// with a light denoise, a luminance contrast stretch and a gray-world white
// balance.
//
// The source frame is never modified; every call returns a fresh
// *image.RGBA.
package preprocess

import (
	"errors"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/MrWong99/visionvoice/pkg/types"
)

// ErrNoImage is returned for frames without pixel data.
var ErrNoImage = errors.New("preprocess: frame has no image")

// Option configures a [Processor].
type Option func(*Processor)

// WithDenoise enables the 3x3 mean filter in quality mode. Default: true.
func WithDenoise(on bool) Option {
	return func(p *Processor) { p.denoise = on }
}

// WithClip sets the fraction of darkest and brightest pixels ignored when
// stretching contrast. Default: 0.01.
func WithClip(fraction float64) Option {
	return func(p *Processor) { p.clip = fraction }
}

// Processor scales and enhances frames. It holds no per-frame state and is
// safe for concurrent use.
type Processor struct {
	denoise bool
	clip    float64
}

// New returns a Processor.
func New(opts ...Option) *Processor {
	p := &Processor{denoise: true, clip: 0.01}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process scales frame to fit within res, keeping its aspect ratio and never
// upscaling. With enhance set the slower CatmullRom kernel is used and the
// enhancement filters run; otherwise only a bilinear resize happens.
func (p *Processor) Process(frame types.Frame, res types.Resolution, enhance bool) (types.Frame, error) {
	if frame.Image == nil {
		return frame, ErrNoImage
	}
	scaler := draw.Interpolator(draw.ApproxBiLinear)
	if enhance {
		scaler = draw.CatmullRom
	}
	img := resize(frame.Image, res, scaler)
	if enhance {
		if p.denoise {
			img = meanFilter(img)
		}
		stretchContrast(img, p.clip)
		whiteBalance(img)
	}
	out := frame
	out.Image = img
	return out, nil
}

// Fit returns the size of src scaled down to fit within res.
func Fit(src image.Rectangle, res types.Resolution) (w, h int) {
	w, h = src.Dx(), src.Dy()
	if res.Width <= 0 || res.Height <= 0 || w == 0 || h == 0 {
		return w, h
	}
	scale := min(float64(res.Width)/float64(w), float64(res.Height)/float64(h), 1)
	return max(1, int(math.Round(float64(w)*scale))), max(1, int(math.Round(float64(h)*scale)))
}

func resize(src image.Image, res types.Resolution, scaler draw.Interpolator) *image.RGBA {
	w, h := Fit(src.Bounds(), res)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == src.Bounds().Dx() && h == src.Bounds().Dy() {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
		return dst
	}
	scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
