// Package wav encodes and decodes 16-bit PCM WAV, the on-the-wire format
// both inference services accept.
package wav

import (
	"encoding/binary"
	"errors"
	"math"
)

// Encode writes a minimal RIFF/WAVE container around the samples.
func Encode(samples []float32, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range samples {
		v := s
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(int16(math.Round(float64(v)*32767))))
	}
	return buf
}

// Decode extracts the raw PCM16 payload from a RIFF/WAVE container. Only
// uncompressed 16-bit PCM is supported; chunk order is not assumed.
func Decode(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, errors.New("wav: not a RIFF/WAVE file")
	}

	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, errors.New("wav: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, 0, 0, errors.New("wav: only 16-bit PCM is supported")
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		pos = body + size
		if size%2 == 1 {
			pos++ // chunks are word aligned
		}
	}

	if !haveFmt || pcm == nil {
		return nil, 0, 0, errors.New("wav: missing fmt or data chunk")
	}
	if channels <= 0 || sampleRate <= 0 {
		return nil, 0, 0, errors.New("wav: invalid format parameters")
	}
	return pcm, sampleRate, channels, nil
}

// PCM16ToFloat32 converts raw little-endian mono PCM16 to float32 in [-1,1].
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// DecodeMono decodes a WAV file and downmixes it to mono float32 in [-1,1].
func DecodeMono(data []byte) ([]float32, int, error) {
	pcm, rate, channels, err := Decode(data)
	if err != nil {
		return nil, 0, err
	}

	frames := len(pcm) / 2 / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float64
		for c := 0; c < channels; c++ {
			v := int16(binary.LittleEndian.Uint16(pcm[(f*channels+c)*2:]))
			sum += float64(v) / 32768.0
		}
		out[f] = float32(sum / float64(channels))
	}
	return out, rate, nil
}
