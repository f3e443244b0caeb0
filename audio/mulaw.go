// Package audio converts synthesized speech into the 8kHz mu-law frames
// Twilio Media Streams expect.
package audio

import (
	"time"

	"github.com/agentplexus/receptionist"
)

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawToLinear decodes one G.711 mu-law byte.
func MulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + mulawBias
	value <<= uint(exp)
	value -= mulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToMulaw encodes one 16-bit PCM sample as G.711 mu-law.
func LinearToMulaw(sample int16) byte {
	s := int(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exp := byte(7)
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((s >> (uint(exp) + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}

// EncodeMulaw encodes PCM samples.
func EncodeMulaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = LinearToMulaw(s)
	}
	return out
}

// DecodeMulaw decodes mu-law bytes into PCM samples.
func DecodeMulaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = MulawToLinear(b)
	}
	return out
}

// Duration is the playback time of n bytes of 8kHz mu-law.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / receptionist.DefaultSampleRate
}

// Frames splits data into chunks of size bytes. The last frame may be
// shorter. The returned slices alias data.
func Frames(data []byte, size int) [][]byte {
	if size <= 0 {
		size = receptionist.FrameBytes
	}
	if len(data) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, data[start:end])
	}
	return frames
}
