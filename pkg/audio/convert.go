package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts PCM audio to a fixed target format. It logs the
// first format mismatch it sees so operators notice unexpected engine output.
// Create one per connection; it is not designed for shared use.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert returns unit re-encoded in the target format. Resampling happens
// before channel conversion so that mono sources are resampled once. A unit
// that already matches the target is returned unchanged. PCM with an odd
// byte count is truncated to the last whole sample.
func (c *FormatConverter) Convert(unit AudioUnit) AudioUnit {
	if len(unit.Data)%2 != 0 {
		unit.Data = unit.Data[:len(unit.Data)-1]
	}
	if unit.Format() == c.Target {
		return unit
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting pcm",
			"from", unit.Format().String(),
			"to", c.Target.String(),
		)
	})

	pcm := unit.Data
	channels := unit.Channels
	if unit.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, channels, unit.SampleRate, c.Target.SampleRate)
	}
	switch {
	case channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	unit.Data = pcm
	unit.SampleRate = c.Target.SampleRate
	unit.Channels = c.Target.Channels
	return unit
}

// Frames splits pcm into consecutive chunks of exactly size bytes. The last
// chunk is padded with silence. An empty input yields no frames.
func Frames(pcm []byte, size int) [][]byte {
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	n := (len(pcm) + size - 1) / size
	out := make([][]byte, 0, n)
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end <= len(pcm) {
			out = append(out, pcm[off:end])
			continue
		}
		last := make([]byte, size)
		copy(last, pcm[off:])
		out = append(out, last)
	}
	return out
}

// MonoToStereo duplicates every mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation. Invalid rates or
// channel counts return the input unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := 2 * channels
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, ch int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[frame*frameBytes+ch*2:])))
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			v := sample(idx, ch)*(1-frac) + sample(next, ch)*frac
			binary.LittleEndian.PutUint16(out[i*frameBytes+ch*2:], uint16(int16(v)))
		}
	}
	return out
}

func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
