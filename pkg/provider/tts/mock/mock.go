// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio to consumers and to verify which
// text and VoiceProfile reached the synthesis backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Audio: testWAV,
//	    Speakers: []tts.Speaker{{Name: "ずんだもん", Styles: []tts.Style{{ID: 3, Name: "ノーマル"}}}},
//	}
//	wav, _ := p.Synthesize(ctx, "こんにちは", profile)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the utterance passed to Synthesize.
	Text string
	// Profile is the VoiceProfile passed to Synthesize.
	Profile tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is returned by Synthesize when SynthesizeFunc is nil.
	Audio []byte

	// SynthesizeErr, if non-nil, is returned from Synthesize.
	SynthesizeErr error

	// SynthesizeFunc, if non-nil, computes the Synthesize result. It runs
	// outside the mock's lock.
	SynthesizeFunc func(ctx context.Context, text string, profile tts.VoiceProfile) ([]byte, error)

	// SkipValidation disables the profile range check that real providers
	// perform before any call.
	SkipValidation bool

	// Speakers is returned by ListSpeakers.
	Speakers []tts.Speaker

	// ListSpeakersErr, if non-nil, is returned from ListSpeakers.
	ListSpeakersErr error

	// --- Call records ---

	// SynthesizeCalls records every call that passed validation, in order.
	SynthesizeCalls []SynthesizeCall

	// ListSpeakersCalls counts ListSpeakers invocations.
	ListSpeakersCalls int
}

// Synthesize validates the profile like a real provider, records the call
// and returns the configured response.
func (p *Provider) Synthesize(ctx context.Context, text string, profile tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	if !p.SkipValidation {
		if err := profile.Validate(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Profile: profile})
	fn := p.SynthesizeFunc
	audio, err := p.Audio, p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, profile)
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(audio))
	copy(out, audio)
	return out, nil
}

// ListSpeakers records the call and returns Speakers, ListSpeakersErr.
func (p *Provider) ListSpeakers(_ context.Context) ([]tts.Speaker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListSpeakersCalls++
	return p.Speakers, p.ListSpeakersErr
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// Texts returns the text of every recorded Synthesize call, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListSpeakersCalls = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
