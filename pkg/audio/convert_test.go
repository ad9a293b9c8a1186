package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/yomiage/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian PCM.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian PCM to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, -200, 300})))
	equalSamples(t, got, []int16{100, 100, -200, -200, 300, 300})
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{100, 200, -100, -200, 32767, 32767})))
	equalSamples(t, got, []int16{150, -150, 32767})
}

func TestResample16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		channels   int
		src, dst   int
		in         []int16
		wantFrames int
	}{
		{name: "same rate", channels: 1, src: 24000, dst: 24000, in: []int16{1, 2, 3}, wantFrames: 3},
		{name: "mono upsample x2", channels: 1, src: 24000, dst: 48000, in: []int16{0, 100, 200, 300}, wantFrames: 8},
		{name: "mono downsample", channels: 1, src: 48000, dst: 16000, in: make([]int16, 48), wantFrames: 16},
		{name: "stereo upsample", channels: 2, src: 24000, dst: 48000, in: []int16{10, -10, 20, -20}, wantFrames: 4},
		{name: "zero source rate", channels: 1, src: 0, dst: 48000, in: []int16{1, 2}, wantFrames: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := audio.Resample16(samplesToBytes(tt.in), tt.channels, tt.src, tt.dst)
			if got := len(out) / (2 * tt.channels); got != tt.wantFrames {
				t.Errorf("frames = %d, want %d", got, tt.wantFrames)
			}
		})
	}
}

func TestResample16_Interpolates(t *testing.T) {
	t.Parallel()
	out := bytesToSamples(audio.Resample16(samplesToBytes([]int16{0, 100}), 1, 24000, 48000))
	// Output positions 0, 0.5, 1.0, 1.5 → 0, 50, 100, 100 (clamped at the tail).
	equalSamples(t, out, []int16{0, 50, 100, 100})
}

func TestFormatConverter(t *testing.T) {
	t.Parallel()

	target := audio.Format{SampleRate: 48000, Channels: 2}

	t.Run("no-op", func(t *testing.T) {
		t.Parallel()
		c := &audio.FormatConverter{Target: target}
		in := audio.AudioUnit{Data: samplesToBytes([]int16{1, 2}), SampleRate: 48000, Channels: 2, Text: "x"}
		out := c.Convert(in)
		if &out.Data[0] != &in.Data[0] {
			t.Error("expected matching format to return the original buffer")
		}
		if out.Text != "x" {
			t.Errorf("Text = %q, want %q", out.Text, "x")
		}
	})

	t.Run("voicevox mono 24k", func(t *testing.T) {
		t.Parallel()
		c := &audio.FormatConverter{Target: target}
		in := audio.AudioUnit{Data: samplesToBytes(make([]int16, 240)), SampleRate: 24000, Channels: 1}
		out := c.Convert(in)
		if out.SampleRate != 48000 || out.Channels != 2 {
			t.Fatalf("format = %s, want %s", out.Format(), target)
		}
		if want := 240 * 2 * 2 * 2; len(out.Data) != want {
			t.Errorf("len(Data) = %d, want %d", len(out.Data), want)
		}
		if out.Duration() != in.Duration() {
			t.Errorf("Duration = %v, want %v", out.Duration(), in.Duration())
		}
	})

	t.Run("odd byte count truncated", func(t *testing.T) {
		t.Parallel()
		c := &audio.FormatConverter{Target: target}
		out := c.Convert(audio.AudioUnit{Data: []byte{1, 2, 3, 4, 5}, SampleRate: 48000, Channels: 2})
		if len(out.Data) != 4 {
			t.Errorf("len(Data) = %d, want 4", len(out.Data))
		}
	})
}

func TestFrames(t *testing.T) {
	t.Parallel()

	frames := audio.Frames([]byte{1, 2, 3, 4, 5}, 2)
	if len(frames) != 3 {
		t.Fatalf("len(frames) = %d, want 3", len(frames))
	}
	if last := frames[2]; len(last) != 2 || last[0] != 5 || last[1] != 0 {
		t.Errorf("last frame = %v, want [5 0]", last)
	}
	if got := audio.Frames(nil, 3840); got != nil {
		t.Errorf("Frames(nil) = %v, want nil", got)
	}
}

func TestAudioUnit_Duration(t *testing.T) {
	t.Parallel()

	u := audio.AudioUnit{Data: make([]byte, 24000*2), SampleRate: 24000, Channels: 1}
	if got := u.Duration(); got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}
	if got := (audio.AudioUnit{Data: []byte{1, 2}}).Duration(); got != 0 {
		t.Errorf("Duration of unformatted unit = %v, want 0", got)
	}
}
