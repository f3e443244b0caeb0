package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/hajimehoshi/go-mp3"

	"github.com/agentplexus/receptionist"
)

// ErrNotWAV is returned when data has no RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a WAV container")

// lowPassTaps is the length of the anti-aliasing filter applied before
// downsampling.
const lowPassTaps = 31

// Resample converts mono PCM between sample rates with linear interpolation.
// Downsampling low-pass filters first so content above the new Nyquist
// frequency does not alias.
func Resample(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate || len(in) == 0 || inRate <= 0 || outRate <= 0 {
		return append([]int16(nil), in...)
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	if outLen <= 1 {
		return []int16{}
	}

	var src []float64
	if outRate < inRate {
		src = lowPass(in, 0.45*ratio)
	} else {
		src = make([]float64, len(in))
		for i, v := range in {
			src[i] = float64(v)
		}
	}

	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) / ratio
		i0 := int(math.Floor(srcPos))
		if i0 >= len(src) {
			i0 = len(src) - 1
		}
		i1 := i0 + 1
		if i1 >= len(src) {
			i1 = len(src) - 1
		}
		f := srcPos - float64(i0)
		v := math.Round(src[i0]*(1.0-f) + src[i1]*f)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// lowPass applies a Hamming-windowed sinc filter. cutoff is a fraction of
// the sample rate and must be below 0.5. Edges repeat the first and last
// sample.
func lowPass(in []int16, cutoff float64) []float64 {
	half := lowPassTaps / 2
	kernel := make([]float64, lowPassTaps)
	var sum float64
	for i := range kernel {
		n := float64(i - half)
		v := 2 * cutoff
		if n != 0 {
			v = math.Sin(2*math.Pi*cutoff*n) / (math.Pi * n)
		}
		v *= 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(lowPassTaps-1))
		kernel[i] = v
		sum += v
	}

	out := make([]float64, len(in))
	for i := range in {
		var acc float64
		for k, c := range kernel {
			j := min(max(i+k-half, 0), len(in)-1)
			acc += c * float64(in[j])
		}
		out[i] = acc / sum
	}
	return out
}

// ToMono averages interleaved channels.
func ToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// DecodeMP3 decodes an MP3 stream into 8kHz mono mu-law.
func DecodeMP3(r io.Reader) ([]byte, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("mp3 decoder: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("mp3 decode: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("unexpected MP3 decoded length %d", len(raw))
	}

	// go-mp3 always yields 16-bit little-endian stereo.
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	mono := ToMono(samples, 2)
	return EncodeMulaw(Resample(mono, dec.SampleRate(), receptionist.DefaultSampleRate)), nil
}

// WAVInfo describes the format chunk of a WAV file.
type WAVInfo struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// WAV format codes.
const (
	WAVFormatPCM   = 1
	WAVFormatMulaw = 7
)

// ParseWAV returns the format and the data chunk of a WAV file.
func ParseWAV(data []byte) (WAVInfo, []byte, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return WAVInfo{}, nil, ErrNotWAV
	}

	var info WAVInfo
	haveFmt := false
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) || size < 0 {
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return WAVInfo{}, nil, fmt.Errorf("short fmt chunk")
			}
			info.AudioFormat = binary.LittleEndian.Uint16(data[body:])
			info.Channels = binary.LittleEndian.Uint16(data[body+2:])
			info.SampleRate = binary.LittleEndian.Uint32(data[body+4:])
			info.BitsPerSample = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, nil, fmt.Errorf("data chunk before fmt chunk")
			}
			return info, data[body:end], nil
		}

		pos = end
		if size%2 == 1 {
			pos++
		}
	}
	return WAVInfo{}, nil, fmt.Errorf("no data chunk")
}

// WAVToMulaw converts a mu-law or 16-bit PCM WAV file into 8kHz mono mu-law.
func WAVToMulaw(data []byte) ([]byte, error) {
	info, body, err := ParseWAV(data)
	if err != nil {
		return nil, err
	}

	switch {
	case info.AudioFormat == WAVFormatMulaw && info.Channels == 1 && info.SampleRate == receptionist.DefaultSampleRate:
		return append([]byte(nil), body...), nil
	case info.AudioFormat == WAVFormatMulaw:
		pcm := ToMono(DecodeMulaw(body), int(info.Channels))
		return EncodeMulaw(Resample(pcm, int(info.SampleRate), receptionist.DefaultSampleRate)), nil
	case info.AudioFormat == WAVFormatPCM && info.BitsPerSample == 16:
		samples := make([]int16, len(body)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(body[i*2:]))
		}
		pcm := ToMono(samples, int(info.Channels))
		return EncodeMulaw(Resample(pcm, int(info.SampleRate), receptionist.DefaultSampleRate)), nil
	default:
		return nil, fmt.Errorf("unsupported WAV format %d/%d-bit", info.AudioFormat, info.BitsPerSample)
	}
}
