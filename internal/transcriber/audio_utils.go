package transcriber

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const bitsPerSample = 16

// EncodeWAV wraps raw 16-bit little-endian PCM in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid wav format: %d Hz, %d channels", sampleRate, channels)
	}

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	// fmt chunk
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))            // fmt chunk size
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))             // PCM format
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))      // number of channels
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))    // sample rate
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))      // byte rate
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))    // block align
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample)) // bits per sample

	// data chunk
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// resamplePCM16 converts mono 16-bit PCM between sample rates using linear interpolation.
func resamplePCM16(input []byte, fromRate, toRate int) []byte {
	if len(input) < 2 || fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return input
	}

	numInputSamples := len(input) / 2
	numOutputSamples := numInputSamples * toRate / fromRate
	output := make([]byte, numOutputSamples*2)

	sampleAt := func(idx int) int16 {
		if idx >= numInputSamples {
			idx = numInputSamples - 1
		}
		return int16(binary.LittleEndian.Uint16(input[idx*2:]))
	}

	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < numOutputSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s1 := sampleAt(srcIdx)
		s2 := sampleAt(srcIdx + 1)
		out := int16(math.Round(float64(s1)*(1-frac) + float64(s2)*frac))
		binary.LittleEndian.PutUint16(output[i*2:], uint16(out))
	}

	return output
}
