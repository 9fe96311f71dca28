package whisper

import (
	"encoding/binary"

	"github.com/MrWong99/visionvoice/pkg/audio"
)

// toModelSamples converts 16-bit PCM in format f to the 16 kHz mono float32
// samples in [-1, 1) that whisper models take.
func toModelSamples(pcm []byte, f audio.Format) []float32 {
	channels := max(f.Channels, 1)
	if channels > 1 {
		pcm = downmix(pcm, channels)
	}
	if f.SampleRate > 0 && f.SampleRate != modelRate {
		pcm = audio.ResampleMono16(pcm, f.SampleRate, modelRate)
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return samples
}

// downmix averages interleaved channels into one. A trailing partial frame
// is dropped.
func downmix(pcm []byte, channels int) []byte {
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int
		for ch := range channels {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[(i*channels+ch)*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/channels)))
	}
	return out
}
