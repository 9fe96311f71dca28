package audio

import (
	"encoding/binary"
	"errors"
)

// WAV parsing errors.
var (
	ErrNotRIFF     = errors.New("audio: not a RIFF/WAVE container")
	ErrMissingData = errors.New("audio: WAV data chunk not found")
)

// WAVInfo is the format metadata of a RIFF/WAVE buffer.
type WAVInfo struct {
	// DataOffset is the byte offset of the first PCM sample.
	DataOffset int
	// DataLen is the declared data chunk length, clamped to the buffer.
	DataLen int
	Format  Format
}

// ParseWAV walks the RIFF chunks of wav and locates the fmt and data chunks.
// When the fmt chunk is missing the format defaults to 22050Hz mono.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotRIFF
	}

	info := WAVInfo{Format: Format{SampleRate: 22050, Channels: 1}}
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size >= 16 && body+16 <= len(wav) {
				info.Format.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
				info.Format.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			}
		case "data":
			info.DataOffset = body
			info.DataLen = min(size, len(wav)-body)
			return info, nil
		}

		// Chunks are word aligned.
		off = body + size + size%2
	}
	return WAVInfo{}, ErrMissingData
}

// PCM returns the data chunk of wav.
func (i WAVInfo) PCM(wav []byte) []byte {
	return wav[i.DataOffset : i.DataOffset+i.DataLen]
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, f Format) []byte {
	le := binary.LittleEndian
	out := make([]byte, 44, 44+len(pcm))
	copy(out[0:], "RIFF")
	le.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	le.PutUint32(out[16:], 16)
	le.PutUint16(out[20:], 1)
	le.PutUint16(out[22:], uint16(f.Channels))
	le.PutUint32(out[24:], uint32(f.SampleRate))
	le.PutUint32(out[28:], uint32(f.SampleRate*f.Channels*2))
	le.PutUint16(out[32:], uint16(f.Channels*2))
	le.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	le.PutUint32(out[40:], uint32(len(pcm)))
	return append(out, pcm...)
}
