package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

func TestMulawRoundTrip(t *testing.T) {
	t.Parallel()

	if got := LinearToMulaw(0); got != 0xFF {
		t.Fatalf("LinearToMulaw(0) = %#x, want 0xff", got)
	}
	if got := MulawToLinear(0xFF); got != 0 {
		t.Fatalf("MulawToLinear(0xff) = %d, want 0", got)
	}

	for _, s := range []int16{1, -1, 100, -100, 1000, -1000, 8000, -8000, 20000, -20000, 32767, -32768} {
		decoded := int(MulawToLinear(LinearToMulaw(s)))
		diff := decoded - int(s)
		if diff < 0 {
			diff = -diff
		}
		tolerance := int(s) / 16
		if tolerance < 0 {
			tolerance = -tolerance
		}
		if tolerance < 16 {
			tolerance = 16
		}
		if diff > tolerance {
			t.Fatalf("round trip of %d gave %d", s, decoded)
		}
	}
}

func TestMulawSignPreserved(t *testing.T) {
	t.Parallel()

	if MulawToLinear(LinearToMulaw(5000)) <= 0 {
		t.Fatalf("positive sample decoded as non-positive")
	}
	if MulawToLinear(LinearToMulaw(-5000)) >= 0 {
		t.Fatalf("negative sample decoded as non-negative")
	}
}

func TestFrames(t *testing.T) {
	t.Parallel()

	data := make([]byte, 400)
	frames := Frames(data, 160)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if len(frames[0]) != 160 || len(frames[1]) != 160 || len(frames[2]) != 80 {
		t.Fatalf("unexpected frame sizes: %d %d %d", len(frames[0]), len(frames[1]), len(frames[2]))
	}
	if Frames(nil, 160) != nil {
		t.Fatalf("expected no frames for empty input")
	}
	if got := len(Frames(make([]byte, 320), 0)); got != 2 {
		t.Fatalf("default frame size should be 160 bytes, got %d frames", got)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	if got := Duration(8000); got != time.Second {
		t.Fatalf("Duration(8000) = %v", got)
	}
	if got := Duration(160); got != 20*time.Millisecond {
		t.Fatalf("Duration(160) = %v", got)
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	in := make([]int16, 1600)
	for i := range in {
		in[i] = int16(i)
	}
	out := Resample(in, 16000, 8000)
	if len(out) != 800 {
		t.Fatalf("expected 800 samples, got %d", len(out))
	}
	if out[100] != 200 {
		t.Fatalf("unexpected interpolated sample: %d", out[100])
	}
	same := Resample(in, 8000, 8000)
	if len(same) != len(in) {
		t.Fatalf("identity resample changed length")
	}
}

func rms(samples []int16) float64 {
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func tone(freq, rate, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(10000 * math.Sin(2*math.Pi*float64(freq)*float64(i)/float64(rate)))
	}
	return out
}

func TestResampleFiltersAboveNyquist(t *testing.T) {
	t.Parallel()

	// 6kHz cannot be represented at 8kHz and would fold to 2kHz.
	high := Resample(tone(6000, 24000, 24000), 24000, 8000)
	if got := rms(high[50 : len(high)-50]); got > 500 {
		t.Fatalf("6kHz tone leaked through downsampling, rms %.0f", got)
	}

	low := Resample(tone(500, 24000, 24000), 24000, 8000)
	if got := rms(low[50 : len(low)-50]); got < 0.8*rms(tone(500, 24000, 24000)) {
		t.Fatalf("500Hz tone attenuated, rms %.0f", got)
	}
}

func TestToMono(t *testing.T) {
	t.Parallel()

	got := ToMono([]int16{100, 200, -100, -300}, 2)
	if len(got) != 2 || got[0] != 150 || got[1] != -200 {
		t.Fatalf("unexpected mono samples: %v", got)
	}
}

func buildWAV(format, channels uint16, rate uint32, bits uint16, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(body)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, format)
	_ = binary.Write(&b, binary.LittleEndian, channels)
	_ = binary.Write(&b, binary.LittleEndian, rate)
	blockAlign := channels * bits / 8
	_ = binary.Write(&b, binary.LittleEndian, rate*uint32(blockAlign))
	_ = binary.Write(&b, binary.LittleEndian, blockAlign)
	_ = binary.Write(&b, binary.LittleEndian, bits)
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(body)))
	b.Write(body)
	return b.Bytes()
}

func TestWAVToMulawPassthrough(t *testing.T) {
	t.Parallel()

	body := []byte{0xFF, 0x7F, 0x00, 0x80}
	out, err := WAVToMulaw(buildWAV(WAVFormatMulaw, 1, 8000, 8, body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, body) {
		t.Fatalf("expected passthrough, got %v", out)
	}
}

func TestWAVToMulawFromPCM(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 16000*2)
	out, err := WAVToMulaw(buildWAV(WAVFormatPCM, 1, 16000, 16, pcm))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 8000 {
		t.Fatalf("expected 8000 mu-law bytes, got %d", len(out))
	}
	if out[0] != 0xFF {
		t.Fatalf("silence should encode as 0xff, got %#x", out[0])
	}
}

func TestParseWAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, _, err := ParseWAV([]byte("not a wav file")); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("expected ErrNotWAV, got %v", err)
	}
}

func TestDecodeMP3RejectsEmptyInput(t *testing.T) {
	t.Parallel()

	if _, err := DecodeMP3(bytes.NewReader(nil)); err == nil {
		t.Fatalf("expected error for empty MP3 stream")
	}
}
