package audio

import "time"

// Format describes the sample rate and channel count of 16-bit PCM audio.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// AudioUnit is one synthesized utterance segment ready for playback.
// Units are produced one per segment by the speech pipeline and consumed
// whole by a [Connection]; they are never split or merged after creation.
type AudioUnit struct {
	// Data is little-endian signed 16-bit PCM, channels interleaved.
	Data []byte

	// SampleRate in Hz (VOICEVOX emits 24000).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Text is the segment text the audio was synthesized from.
	Text string

	// EventID identifies the text event the segment belongs to.
	EventID string
}

// Format returns the PCM format of the unit.
func (u AudioUnit) Format() Format {
	return Format{SampleRate: u.SampleRate, Channels: u.Channels}
}

// Duration reports the playback length of the unit. Units with an invalid
// format report zero.
func (u AudioUnit) Duration() time.Duration {
	if u.SampleRate <= 0 || u.Channels <= 0 {
		return 0
	}
	samples := len(u.Data) / (2 * u.Channels)
	return time.Duration(samples) * time.Second / time.Duration(u.SampleRate)
}
