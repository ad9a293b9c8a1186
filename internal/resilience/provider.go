package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// Provider guards a [tts.Provider] with a [CircuitBreaker]. Only upstream
// failures count against the breaker; invalid profiles and cancelled calls
// do not. While the breaker is open, Synthesize returns a
// [*tts.UpstreamError] wrapping [ErrCircuitOpen] without contacting the
// engine.
type Provider struct {
	next    tts.Provider
	breaker *CircuitBreaker
}

var _ tts.Provider = (*Provider)(nil)

// NewProvider wraps next. cfg.IsFailure is replaced with the synthesis
// classification.
func NewProvider(next tts.Provider, cfg CircuitBreakerConfig) *Provider {
	if cfg.Name == "" {
		cfg.Name = "tts"
	}
	cfg.IsFailure = isEngineFailure
	return &Provider{next: next, breaker: NewCircuitBreaker(cfg)}
}

// Breaker exposes the underlying breaker for health reporting.
func (p *Provider) Breaker() *CircuitBreaker { return p.breaker }

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, text string, profile tts.VoiceProfile) ([]byte, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	var wav []byte
	err := p.breaker.Execute(func() error {
		var err error
		wav, err = p.next.Synthesize(ctx, text, profile)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, &tts.UpstreamError{Op: "synthesis", Err: err}
	}
	return wav, err
}

// ListSpeakers implements [tts.Provider]. It shares the synthesis breaker.
func (p *Provider) ListSpeakers(ctx context.Context) ([]tts.Speaker, error) {
	var speakers []tts.Speaker
	err := p.breaker.Execute(func() error {
		var err error
		speakers, err = p.next.ListSpeakers(ctx)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, &tts.UpstreamError{Op: "speakers", Err: err}
	}
	return speakers, err
}

func isEngineFailure(err error) bool {
	var ve *tts.ValidationError
	if errors.As(err, &ve) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
