package tts

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Documented parameter ranges. Values outside are rejected, never clamped.
const (
	MinSpeed      = 0.5
	MaxSpeed      = 2.0
	MinPitch      = -0.15
	MaxPitch      = 0.15
	MinIntonation = 0.0
	MaxIntonation = 2.0
	MinVolume     = 0.0
	MaxVolume     = 2.0
)

// VoiceProfile holds the synthesis parameters for one utterance.
type VoiceProfile struct {
	// SpeakerID is the engine style ID (VOICEVOX "speaker" query parameter).
	SpeakerID int

	// Speed is the speaking rate multiplier (0.5–2.0, 1.0 = normal).
	Speed float64

	// Pitch shifts the voice pitch (-0.15–0.15, 0 = normal).
	Pitch float64

	// Intonation scales prosody (0.0–2.0, 1.0 = normal).
	Intonation float64

	// Volume scales loudness (0.0–2.0, 1.0 = normal).
	Volume float64
}

// Validate reports the first field outside its documented range as a
// [*ValidationError]. A negative SpeakerID is also rejected.
func (p VoiceProfile) Validate() error {
	if p.SpeakerID < 0 {
		return &ValidationError{Field: "speaker", Value: float64(p.SpeakerID), Min: 0, Max: -1}
	}
	checks := []struct {
		field     string
		v, lo, hi float64
	}{
		{"speed", p.Speed, MinSpeed, MaxSpeed},
		{"pitch", p.Pitch, MinPitch, MaxPitch},
		{"intonation", p.Intonation, MinIntonation, MaxIntonation},
		{"volume", p.Volume, MinVolume, MaxVolume},
	}
	for _, c := range checks {
		if math.IsNaN(c.v) || c.v < c.lo || c.v > c.hi {
			return &ValidationError{Field: c.field, Value: c.v, Min: c.lo, Max: c.hi}
		}
	}
	return nil
}

// ValidationError is returned when a profile value is out of range. No
// request is sent to the engine when it occurs.
type ValidationError struct {
	Field string
	Value float64
	Min   float64
	Max   float64
}

func (e *ValidationError) Error() string {
	if e.Max < e.Min {
		return fmt.Sprintf("tts: %s %v is invalid (must be >= %v)", e.Field, e.Value, e.Min)
	}
	return fmt.Sprintf("tts: %s %v is out of range [%v, %v]", e.Field, e.Value, e.Min, e.Max)
}

// UpstreamError wraps a transport failure or a non-2xx engine response.
type UpstreamError struct {
	// Op names the engine call, e.g. "POST /synthesis".
	Op string

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Err is the underlying cause. May be nil for plain status failures.
	Err error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("tts: %s returned status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("tts: %s returned status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("tts: %s: %v", e.Op, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstream reports whether err is or wraps an [*UpstreamError].
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// Speaker is one voice character offered by the engine.
type Speaker struct {
	Name   string  `json:"name"`
	UUID   string  `json:"speaker_uuid"`
	Styles []Style `json:"styles"`
}

// Style is one speaking style of a [Speaker]. Its ID is the value used as
// VoiceProfile.SpeakerID.
type Style struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// StyleName formats a speaker/style pair the way users pick it,
// e.g. "ずんだもん(ノーマル)".
func StyleName(speaker, style string) string {
	return speaker + "(" + style + ")"
}

// FlattenStyles maps every "<speaker>(<style>)" name to its style ID. Styles
// whose type is set to something other than "talk" (e.g. singing styles)
// are skipped because they cannot read text.
func FlattenStyles(speakers []Speaker) map[string]int {
	out := make(map[string]int)
	for _, sp := range speakers {
		for _, st := range sp.Styles {
			if st.Type != "" && st.Type != "talk" {
				continue
			}
			out[StyleName(sp.Name, st.Name)] = st.ID
		}
	}
	return out
}

// SortedStyleNames returns the keys of a FlattenStyles result ordered by
// style ID.
func SortedStyleNames(styles map[string]int) []string {
	names := make([]string, 0, len(styles))
	for n := range styles {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if styles[names[i]] != styles[names[j]] {
			return styles[names[i]] < styles[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
