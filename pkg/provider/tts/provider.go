// Package tts defines the Provider interface for speech synthesis engines.
//
// A TTS provider wraps a synthesis service (a VOICEVOX engine in production)
// and presents a batch interface: one call turns one short utterance into one
// encoded audio clip. Callers split long text into utterances themselves.
//
// Providers validate the [VoiceProfile] before any network call and report
// engine failures as [*UpstreamError]. They never retry and never cache;
// retry policy belongs to the caller.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any synthesis backend.
//
// Implementations must be safe for concurrent use. Workers for different
// guilds call Synthesize in parallel.
type Provider interface {
	// Synthesize converts text to audio using the given profile and returns
	// the encoded clip (a RIFF/WAVE file for VOICEVOX).
	//
	// Returns a [*ValidationError] without contacting the engine if any
	// profile field is outside its documented range, and an [*UpstreamError]
	// on transport or engine failure. Identical (text, profile) pairs are
	// re-synthesized on every call.
	Synthesize(ctx context.Context, text string, profile VoiceProfile) ([]byte, error)

	// ListSpeakers returns the engine's speaker catalogue. Each speaker
	// carries one or more styles; a style ID is what VoiceProfile.SpeakerID
	// refers to.
	ListSpeakers(ctx context.Context) ([]Speaker, error)
}
