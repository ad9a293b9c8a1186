package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/internal/replacer"
	"github.com/MrWong99/yomiage/internal/resilience"
	"github.com/MrWong99/yomiage/internal/settings"
	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

const (
	defaultPacing         = 300 * time.Millisecond
	defaultSegmentTimeout = 30 * time.Second
	defaultTruncateSuffix = "、以下省略"
	replyMarker           = "リプライ、"
)

// SettingsSource is the read side of the settings layer a [Worker] needs.
// [settings.Resolver] implements it.
type SettingsSource interface {
	Guild(ctx context.Context, guildID string) (settings.GuildSettings, error)
	User(ctx context.Context, userID string) (settings.UserSettings, error)
	GuildReplacer(ctx context.Context, guildID string) (*replacer.Replacer, error)
	UserReplacer(ctx context.Context, userID string) (*replacer.Replacer, error)
}

var _ SettingsSource = (*settings.Resolver)(nil)

// Deps are the collaborators of a [Worker].
type Deps struct {
	Synth    tts.Provider
	Settings SettingsSource

	// Metrics is optional; nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Option configures a [Worker].
type Option func(*Worker)

// WithPacing sets the pause after each event. Defaults to 300ms.
func WithPacing(d time.Duration) Option {
	return func(w *Worker) { w.pacing = d }
}

// WithSegmentTimeout bounds one synthesis call. Defaults to 30s.
func WithSegmentTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.segmentTimeout = d
		}
	}
}

// WithTruncateSuffix sets the text appended to truncated messages.
// Defaults to "、以下省略".
func WithTruncateSuffix(s string) Option {
	return func(w *Worker) { w.truncateSuffix = s }
}

// WithSystemProfile sets the voice used for events with neither a user
// nor a guild.
func WithSystemProfile(p tts.VoiceProfile) Option {
	return func(w *Worker) { w.systemProfile = p }
}

// WithReplaceOptions sets the masking stages applied after the dictionaries.
// Defaults to [replacer.DefaultOptions].
func WithReplaceOptions(o replacer.Options) Option {
	return func(w *Worker) { w.replaceOpts = o }
}

type workerState int

const (
	stateIdle workerState = iota
	stateRunning
	stateStopped
)

// Worker converts one guild's text events into audio units.
//
// A Worker moves from idle to running on [Worker.Start] and to stopped on
// [Worker.Stop]; a stopped worker cannot be restarted. All methods are safe
// for concurrent use.
type Worker struct {
	guildID string
	queue   *Queue
	deps    Deps
	metrics *observe.Metrics

	pacing         time.Duration
	segmentTimeout time.Duration
	truncateSuffix string
	systemProfile  tts.VoiceProfile
	replaceOpts    replacer.Options

	mu     sync.Mutex
	state  workerState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates an idle worker draining queue.
func NewWorker(guildID string, queue *Queue, deps Deps, opts ...Option) *Worker {
	w := &Worker{
		guildID:        guildID,
		queue:          queue,
		deps:           deps,
		metrics:        deps.Metrics,
		pacing:         defaultPacing,
		segmentTimeout: defaultSegmentTimeout,
		truncateSuffix: defaultTruncateSuffix,
		systemProfile:  settings.SystemProfile(),
		replaceOpts:    replacer.DefaultOptions(),
		done:           make(chan struct{}),
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// GuildID returns the guild the worker serves.
func (w *Worker) GuildID() string { return w.guildID }

// Start launches the processing goroutine. Starting a running worker is a
// no-op; starting a stopped one returns [ErrWorkerStopped].
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrWorkerStopped
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.state = stateRunning
	go w.loop(ctx)
	return nil
}

// Stop signals the worker to exit after the current synthesis call returns
// or is cancelled. It does not wait; use [Worker.Done] for that. Safe to
// call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case stateStopped:
		return
	case stateIdle:
		close(w.done)
	case stateRunning:
		w.cancel()
	}
	w.state = stateStopped
}

// Done is closed once the worker has stopped processing.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Running reports whether the worker is started and not yet stopped.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateRunning
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	log := slog.With("guild_id", w.guildID)
	log.Debug("speech: worker started")
	defer log.Debug("speech: worker stopped")

	for {
		ev, ticket, err := w.queue.PopText(ctx)
		if err != nil {
			return
		}
		w.metrics.EventsProcessed.Add(ctx, 1)
		w.handle(ctx, ev, ticket)

		if w.pacing <= 0 {
			continue
		}
		t := time.NewTimer(w.pacing)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// handle processes one event and recovers from any panic it raises.
func (w *Worker) handle(ctx context.Context, ev TextEvent, ticket Ticket) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("speech: panic while processing event",
				"guild_id", w.guildID,
				"event_id", ev.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			w.metrics.RecordDropped(ctx, observe.DropPanic)
		}
	}()
	w.process(ctx, ev, ticket)
}

// job is an event after settings resolution.
type job struct {
	segments []string
	profile  tts.VoiceProfile
}

// errIgnored marks events dropped by the guild's ignore lists.
var errIgnored = errors.New("speech: author ignored")

func (w *Worker) process(ctx context.Context, ev TextEvent, ticket Ticket) {
	log := observe.GuildLogger(ctx, w.guildID).With("event_id", ev.ID)

	j, err := w.prepare(ctx, ev)
	switch {
	case errors.Is(err, errIgnored):
		log.Debug("speech: event ignored", "user_id", ev.UserID)
		w.metrics.RecordDropped(ctx, observe.DropIgnored)
		return
	case err != nil:
		log.Warn("speech: resolving settings failed", "err", err)
		w.metrics.RecordDropped(ctx, observe.DropSettings)
		return
	case len(j.segments) == 0:
		w.metrics.RecordDropped(ctx, observe.DropEmpty)
		return
	}

	for i, seg := range j.segments {
		if ctx.Err() != nil {
			return
		}
		unit, err := w.synthesize(ctx, ev, seg, j.profile)
		if err != nil {
			log.Warn("speech: segment synthesis failed", "segment", i, "err", err)
			continue
		}
		if err := w.queue.PushAudio(ticket, unit); err != nil {
			log.Debug("speech: dropping rest of event", "err", err)
			w.metrics.RecordDropped(ctx, observe.DropStale)
			return
		}
		w.metrics.SegmentsSynthesized.Add(ctx, 1)
	}
}

// prepare resolves settings and dictionaries and produces the segments to
// synthesize.
func (w *Worker) prepare(ctx context.Context, ev TextEvent) (job, error) {
	var (
		guild   *settings.GuildSettings
		user    *settings.UserSettings
		userRep *replacer.Replacer
		j       job
	)

	if ev.GuildID != "" {
		g, err := w.deps.Settings.Guild(ctx, ev.GuildID)
		if err != nil {
			return j, fmt.Errorf("guild settings: %w", err)
		}
		if g.Ignores(ev.UserID, ev.RoleIDs) {
			return j, errIgnored
		}
		guild = &g
	}
	if ev.UserID != "" {
		u, err := w.deps.Settings.User(ctx, ev.UserID)
		if err != nil {
			return j, fmt.Errorf("user settings: %w", err)
		}
		user = &u
		if userRep, err = w.deps.Settings.UserReplacer(ctx, ev.UserID); err != nil {
			return j, fmt.Errorf("user dictionary: %w", err)
		}
	}

	var prefix string
	if ev.IsReply {
		if guild != nil && guild.ReadReplyUser && ev.ReplyAuthorName != "" {
			prefix = ev.ReplyAuthorName + "へ"
		}
		prefix += replyMarker
	}

	// Masking runs with the first dictionary so that no guild rule can
	// rewrite a URL or code block before it is masked.
	text := ev.Text
	if userRep == nil {
		userRep = replacer.Empty()
	}
	prefix = userRep.Replace(prefix, replacer.Options{})
	text = userRep.Replace(text, w.replaceOpts)
	guildRep := replacer.Empty()
	if guild != nil {
		r, err := w.deps.Settings.GuildReplacer(ctx, ev.GuildID)
		if err != nil {
			return j, fmt.Errorf("guild dictionary: %w", err)
		}
		guildRep = r
	}
	text = guildRep.Replace(text, w.replaceOpts)

	if guild != nil {
		text = Truncate(text, guild.MaxReadLength, w.truncateSuffix)
	}

	j.segments = SplitSegments(prefix + text)
	j.profile = w.resolveProfile(guild, user)
	return j, nil
}

// resolveProfile picks the user's voice, then the guild's, then the system
// voice. A guild with ForceProfile overrides the user entirely; one with
// ForceSpeaker overrides only the speaker.
func (w *Worker) resolveProfile(guild *settings.GuildSettings, user *settings.UserSettings) tts.VoiceProfile {
	switch {
	case user != nil && guild != nil && guild.ForceProfile:
		return guild.VoiceProfile
	case user != nil:
		p := user.VoiceProfile
		if guild != nil && guild.ForceSpeaker {
			p.SpeakerID = guild.SpeakerID
		}
		return p
	case guild != nil:
		return guild.VoiceProfile
	default:
		return w.systemProfile
	}
}

// synthesize renders one segment into an audio unit.
func (w *Worker) synthesize(ctx context.Context, ev TextEvent, seg string, p tts.VoiceProfile) (audio.AudioUnit, error) {
	ctx, span := observe.StartSpan(ctx, "speech.synthesize",
		trace.WithAttributes(
			attribute.String("guild_id", w.guildID),
			attribute.String("event_id", ev.ID),
			attribute.Int("speaker_id", p.SpeakerID),
		),
	)
	defer span.End()

	segCtx, cancel := context.WithTimeout(ctx, w.segmentTimeout)
	defer cancel()

	start := time.Now()
	wav, err := w.deps.Synth.Synthesize(segCtx, seg, p)
	if err != nil {
		w.metrics.RecordSynthesis(ctx, time.Since(start).Seconds(), errorKind(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return audio.AudioUnit{}, err
	}
	unit, err := audio.DecodeWAV(wav)
	if err != nil {
		w.metrics.RecordSynthesis(ctx, time.Since(start).Seconds(), "decode")
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return audio.AudioUnit{}, err
	}
	w.metrics.RecordSynthesis(ctx, time.Since(start).Seconds(), "")
	unit.Text = seg
	unit.EventID = ev.ID
	return unit, nil
}

func errorKind(err error) string {
	var ve *tts.ValidationError
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "upstream"
	}
}
