// Package voicevox provides a tts.Provider backed by a VOICEVOX engine via
// its REST API.
//
// Synthesis is a two-step exchange per utterance:
//
//  1. POST /audio_query?text=…&speaker=… returns an AudioQuery JSON document.
//  2. The query's scale fields are overwritten from the VoiceProfile and the
//     document is sent to POST /synthesis?text=…&speaker=…, which answers
//     with a 24 kHz mono RIFF/WAVE file.
//
// Fields of the AudioQuery the client does not touch (accent phrases, kana,
// engine-specific extensions) are passed back unchanged.
//
// Typical usage:
//
//	p, err := voicevox.New("http://localhost:50021",
//	    voicevox.WithTimeout(30*time.Second),
//	    voicevox.WithPostPhonemeLength(0.1),
//	)
//	wav, err := p.Synthesize(ctx, "こんにちは", tts.VoiceProfile{SpeakerID: 3, Speed: 1, Intonation: 1, Volume: 1})
package voicevox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultTimeout           = 30 * time.Second
	defaultPostPhonemeLength = 0.1
	maxPostPhonemeLength     = 1.5

	audioQueryEndpoint = "/audio_query"
	synthesisEndpoint  = "/synthesis"
	speakersEndpoint   = "/speakers"
	versionEndpoint    = "/version"

	// maxErrorBody bounds how much of an error response is kept for the log.
	maxErrorBody = 512
)

// ---- options ----

// Option is a functional option for configuring a VOICEVOX Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithPostPhonemeLength sets the trailing silence (seconds) appended to each
// utterance. Values outside 0–1.5 are ignored. Defaults to 0.1.
func WithPostPhonemeLength(sec float64) Option {
	return func(p *Provider) {
		if sec >= 0 && sec <= maxPostPhonemeLength {
			p.postPhonemeLength = sec
		}
	}
}

// WithHTTPClient replaces the HTTP client. The client's Timeout is kept
// as-is; combine with WithTimeout only when the latter comes after.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// ---- Provider ----

// Provider implements tts.Provider against a VOICEVOX engine.
// It is safe for concurrent use.
type Provider struct {
	baseURL           string
	httpClient        *http.Client
	postPhonemeLength float64
}

// New creates a Provider that targets the engine at baseURL
// (e.g. "http://localhost:50021"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("voicevox: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:           strings.TrimRight(baseURL, "/"),
		httpClient:        &http.Client{Timeout: defaultTimeout},
		postPhonemeLength: defaultPostPhonemeLength,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// BaseURL returns the engine URL the provider talks to.
func (p *Provider) BaseURL() string { return p.baseURL }

// ---- Synthesize ----

// Synthesize implements tts.Provider. The profile is validated before any
// request is made.
func (p *Provider) Synthesize(ctx context.Context, text string, profile tts.VoiceProfile) ([]byte, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("voicevox: text must not be empty")
	}

	params := url.Values{}
	params.Set("text", text)
	params.Set("speaker", strconv.Itoa(profile.SpeakerID))

	query, err := p.audioQuery(ctx, params)
	if err != nil {
		return nil, err
	}
	applyProfile(query, profile, p.postPhonemeLength)

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("voicevox: marshal audio query: %w", err)
	}
	return p.do(ctx, http.MethodPost, synthesisEndpoint, params, body)
}

// audioQuery fetches the AudioQuery document as a generic map so that
// unknown fields survive the round trip.
func (p *Provider) audioQuery(ctx context.Context, params url.Values) (map[string]any, error) {
	raw, err := p.do(ctx, http.MethodPost, audioQueryEndpoint, params, nil)
	if err != nil {
		return nil, err
	}
	var query map[string]any
	if err := json.Unmarshal(raw, &query); err != nil {
		return nil, &tts.UpstreamError{Op: "POST " + audioQueryEndpoint, Err: fmt.Errorf("decode audio query: %w", err)}
	}
	return query, nil
}

// applyProfile overwrites the AudioQuery fields controlled by the profile.
func applyProfile(query map[string]any, profile tts.VoiceProfile, postPhoneme float64) {
	query["speedScale"] = profile.Speed
	query["pitchScale"] = profile.Pitch
	query["intonationScale"] = profile.Intonation
	query["volumeScale"] = profile.Volume
	query["prePhonemeLength"] = 0.0
	query["postPhonemeLength"] = postPhoneme
	query["outputStereo"] = false
}

// ---- ListSpeakers ----

// ListSpeakers implements tts.Provider by querying GET /speakers.
func (p *Provider) ListSpeakers(ctx context.Context) ([]tts.Speaker, error) {
	raw, err := p.do(ctx, http.MethodGet, speakersEndpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	var speakers []tts.Speaker
	if err := json.Unmarshal(raw, &speakers); err != nil {
		return nil, &tts.UpstreamError{Op: "GET " + speakersEndpoint, Err: fmt.Errorf("decode speakers: %w", err)}
	}
	return speakers, nil
}

// ---- Version ----

// Version returns the engine version string. It doubles as the readiness
// probe for the engine.
func (p *Provider) Version(ctx context.Context) (string, error) {
	raw, err := p.do(ctx, http.MethodGet, versionEndpoint, nil, nil)
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		// Older engines answer with a bare string.
		return strings.TrimSpace(string(raw)), nil
	}
	return v, nil
}

// ---- transport ----

// do performs one request and returns the body of a 2xx response. Every
// failure is reported as *tts.UpstreamError.
func (p *Provider) do(ctx context.Context, method, endpoint string, params url.Values, body []byte) ([]byte, error) {
	op := method + " " + endpoint

	u := p.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("voicevox: create %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &tts.UpstreamError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var cause error
		if s := strings.TrimSpace(string(detail)); s != "" {
			cause = errors.New(s)
		}
		return nil, &tts.UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: cause}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &tts.UpstreamError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	return data, nil
}
