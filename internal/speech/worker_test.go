package speech

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/yomiage/internal/replacer"
	"github.com/MrWong99/yomiage/internal/settings"
	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
	"github.com/MrWong99/yomiage/pkg/provider/tts/mock"
)

// testWAV is a short 24 kHz mono clip.
var testWAV = audio.EncodeWAV(make([]byte, 480), audio.Format{SampleRate: 24000, Channels: 1})

type harness struct {
	store    *settings.MemStore
	resolver *settings.Resolver
	synth    *mock.Provider
	queue    *Queue
	worker   *Worker
}

func newHarness(t *testing.T, guildID string, opts ...Option) *harness {
	t.Helper()
	store := settings.NewMemStore()
	h := &harness{
		store:    store,
		resolver: settings.NewResolver(store),
		synth:    &mock.Provider{Audio: testWAV},
		queue:    NewQueue(guildID),
	}
	opts = append([]Option{WithPacing(0)}, opts...)
	h.worker = NewWorker(guildID, h.queue, Deps{Synth: h.synth, Settings: h.resolver}, opts...)
	t.Cleanup(func() {
		h.worker.Stop()
		<-h.worker.Done()
	})
	return h
}

func (h *harness) putGuild(t *testing.T, fn func(*settings.GuildSettings)) {
	t.Helper()
	g := settings.DefaultGuildSettings(h.queue.GuildID())
	fn(&g)
	if err := h.store.PutGuildSettings(t.Context(), &g); err != nil {
		t.Fatalf("PutGuildSettings: %v", err)
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// drain waits until n audio units are queued and returns them in order.
func (h *harness) drain(t *testing.T, n int) []audio.AudioUnit {
	t.Helper()
	var units []audio.AudioUnit
	deadline := time.Now().Add(2 * time.Second)
	for len(units) < n && time.Now().Before(deadline) {
		if u, ok := h.queue.TryPopAudio(); ok {
			units = append(units, u)
			continue
		}
		time.Sleep(2 * time.Millisecond)
	}
	if len(units) < n {
		t.Fatalf("got %d audio units, want %d", len(units), n)
	}
	return units
}

func unitTexts(units []audio.AudioUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Text
	}
	return out
}

func TestWorker_OrderAcrossEventsAndSegments(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1")
	first := NewEvent("1", "10", "一。二。")
	second := NewEvent("1", "10", "三。")
	h.queue.PushText(first)
	h.queue.PushText(second)
	h.start(t)

	units := h.drain(t, 3)
	if got, want := unitTexts(units), []string{"一。", "二。", "三。"}; !slices.Equal(got, want) {
		t.Errorf("unit order = %v, want %v", got, want)
	}
	if units[0].EventID != first.ID || units[2].EventID != second.ID {
		t.Errorf("event ids = %q, %q", units[0].EventID, units[2].EventID)
	}
	if units[0].SampleRate != 24000 || units[0].Channels != 1 {
		t.Errorf("unit format = %v", units[0].Format())
	}
}

func TestWorker_FailedSegmentIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1")
	h.synth.SynthesizeFunc = func(_ context.Context, text string, _ tts.VoiceProfile) ([]byte, error) {
		if text == "二。" {
			return nil, &tts.UpstreamError{Op: "synthesis", StatusCode: 500}
		}
		return testWAV, nil
	}
	h.queue.PushText(NewEvent("1", "10", "一。二。三。"))
	h.start(t)

	if got := unitTexts(h.drain(t, 2)); !slices.Equal(got, []string{"一。", "三。"}) {
		t.Errorf("units = %v, want [一。 三。]", got)
	}
}

func TestWorker_GuildsAreIsolated(t *testing.T) {
	t.Parallel()

	broken := newHarness(t, "1")
	broken.synth.SynthesizeErr = errors.New("engine down")
	healthy := newHarness(t, "2")

	broken.queue.PushText(NewEvent("1", "10", "壊れた。"))
	healthy.queue.PushText(NewEvent("2", "10", "元気。"))
	broken.start(t)
	healthy.start(t)

	if got := unitTexts(healthy.drain(t, 1)); got[0] != "元気。" {
		t.Errorf("healthy guild unit = %q", got[0])
	}
	if !broken.worker.Running() {
		t.Error("failing guild worker stopped")
	}
}

func TestWorker_IgnoredAuthorProducesNoAudio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*settings.GuildSettings)
		ev    TextEvent
	}{
		{
			name:  "ignored user",
			setup: func(g *settings.GuildSettings) { g.AddIgnoredUser("10") },
			ev:    NewEvent("1", "10", "読まないで"),
		},
		{
			name:  "ignored role",
			setup: func(g *settings.GuildSettings) { g.AddIgnoredRole("r1") },
			ev: func() TextEvent {
				ev := NewEvent("1", "10", "読まないで")
				ev.RoleIDs = []string{"r0", "r1"}
				return ev
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, "1")
			h.putGuild(t, tt.setup)
			h.queue.PushText(tt.ev)
			h.queue.PushText(NewEvent("1", "20", "読んで"))
			h.start(t)

			units := h.drain(t, 1)
			if units[0].Text != "読んで" {
				t.Errorf("unit = %q, want 読んで", units[0].Text)
			}
			if got := h.synth.Texts(); !slices.Equal(got, []string{"読んで"}) {
				t.Errorf("synthesized %v, want only 読んで", got)
			}
		})
	}
}

func TestWorker_Truncation(t *testing.T) {
	t.Parallel()

	const suffix = "、以下省略"
	h := newHarness(t, "1")
	h.putGuild(t, func(g *settings.GuildSettings) { g.MaxReadLength = 5 })
	h.queue.PushText(NewEvent("1", "10", "あいうえおかきくけこ"))
	h.start(t)

	got := h.drain(t, 1)[0].Text
	if !strings.HasSuffix(got, suffix) {
		t.Errorf("text %q does not end with %q", got, suffix)
	}
	if utf8.RuneCountInString(got) > 5+utf8.RuneCountInString(suffix) {
		t.Errorf("text %q exceeds limit", got)
	}
	if got != "あいうえお"+suffix {
		t.Errorf("text = %q", got)
	}
}

func TestWorker_ReplyPrefixAndDictionaries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1")
	h.putGuild(t, func(g *settings.GuildSettings) { g.ReadReplyUser = true })
	ctx := t.Context()
	if _, err := h.resolver.Replacers.AddRule(ctx, settings.UserOwner("10"), settings.Rule{Pattern: "w", Replacement: "わら"}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if _, err := h.resolver.Replacers.AddRule(ctx, settings.GuildOwner("1"), settings.Rule{Pattern: "わら", Replacement: "笑"}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	ev := NewEvent("1", "10", "それはw")
	ev.IsReply = true
	ev.ReplyAuthorName = "太郎"
	h.queue.PushText(ev)
	h.start(t)

	if got := h.drain(t, 1)[0].Text; got != "太郎へリプライ、それは笑" {
		t.Errorf("text = %q, want 太郎へリプライ、それは笑", got)
	}
}

func TestWorker_MasksURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1", WithReplaceOptions(replacer.DefaultOptions()))
	h.queue.PushText(NewEvent("1", "10", "見て https://example.com/a?b=c です"))
	h.start(t)

	if got := h.drain(t, 1)[0].Text; got != "見て URL省略 です" {
		t.Errorf("text = %q", got)
	}
}

func TestWorker_MasksURLsBeforeGuildRules(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1", WithReplaceOptions(replacer.DefaultOptions()))
	if _, err := h.resolver.Replacers.AddRule(t.Context(), settings.GuildOwner("1"), settings.Rule{Pattern: "w+", Replacement: "わら", IsRegex: true}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	h.queue.PushText(NewEvent("1", "10", "見て https://www.example.com です"))
	h.start(t)

	if got := h.drain(t, 1)[0].Text; got != "見て URL省略 です" {
		t.Errorf("text = %q, want the URL masked before the guild rule", got)
	}
}

func TestWorker_ResolveProfile(t *testing.T) {
	t.Parallel()

	w := NewWorker("1", NewQueue("1"), Deps{})
	guild := settings.DefaultGuildSettings("1")
	guild.SpeakerID = 8
	guild.Speed = 1.5
	user := settings.DefaultUserSettings("10")
	user.SpeakerID = 2
	user.Pitch = 0.1

	forced := guild.Clone()
	forced.ForceProfile = true
	speakerOnly := guild.Clone()
	speakerOnly.ForceSpeaker = true

	tests := []struct {
		name  string
		guild *settings.GuildSettings
		user  *settings.UserSettings
		want  tts.VoiceProfile
	}{
		{"user wins", &guild, &user, user.VoiceProfile},
		{"guild for system events", &guild, nil, guild.VoiceProfile},
		{"system profile", nil, nil, settings.SystemProfile()},
		{"user without guild", nil, &user, user.VoiceProfile},
		{"force profile", &forced, &user, guild.VoiceProfile},
		{"force speaker", &speakerOnly, &user, tts.VoiceProfile{SpeakerID: 8, Speed: user.Speed, Pitch: 0.1, Intonation: 1, Volume: 1}},
	}
	for _, tt := range tests {
		if got := w.resolveProfile(tt.guild, tt.user); got != tt.want {
			t.Errorf("%s: profile = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestWorker_StaleQueueAbandonsEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1")
	cleared := make(chan struct{})
	h.synth.SynthesizeFunc = func(_ context.Context, text string, _ tts.VoiceProfile) ([]byte, error) {
		if text == "一。" {
			h.queue.Clear()
			close(cleared)
		}
		return testWAV, nil
	}
	h.queue.PushText(NewEvent("1", "10", "一。二。"))
	h.start(t)

	// Pushed after the clear, so its ticket is current.
	<-cleared
	h.queue.PushText(NewEvent("1", "10", "三。"))

	units := h.drain(t, 1)
	if units[0].Text != "三。" {
		t.Errorf("unit = %q, want 三。", units[0].Text)
	}
	if got := h.synth.Texts(); !slices.Equal(got, []string{"一。", "三。"}) {
		t.Errorf("synthesized %v, want [一。 三。]", got)
	}
}

func TestWorker_StopInterruptsSynthesis(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1")
	var started atomic.Bool
	h.synth.SynthesizeFunc = func(ctx context.Context, _ string, _ tts.VoiceProfile) ([]byte, error) {
		started.Store(true)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.queue.PushText(NewEvent("1", "10", "長い。"))
	h.start(t)

	deadline := time.Now().Add(2 * time.Second)
	for !started.Load() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	h.worker.Stop()

	select {
	case <-h.worker.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop within 1s")
	}
	if h.worker.Running() {
		t.Error("Running = true after Stop")
	}
	if err := h.worker.Start(context.Background()); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("restart err = %v, want ErrWorkerStopped", err)
	}
}

func TestWorker_SegmentTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1", WithSegmentTimeout(20*time.Millisecond))
	h.synth.SynthesizeFunc = func(ctx context.Context, text string, _ tts.VoiceProfile) ([]byte, error) {
		if text == "遅い。" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return testWAV, nil
	}
	h.queue.PushText(NewEvent("1", "10", "遅い。速い。"))
	h.start(t)

	if got := h.drain(t, 1)[0].Text; got != "速い。" {
		t.Errorf("unit = %q, want 速い。", got)
	}
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1")
	h.synth.SynthesizeFunc = func(_ context.Context, text string, _ tts.VoiceProfile) ([]byte, error) {
		if text == "爆発" {
			panic("boom")
		}
		return testWAV, nil
	}
	h.queue.PushText(NewEvent("1", "10", "爆発"))
	h.queue.PushText(NewEvent("1", "10", "無事"))
	h.start(t)

	if got := h.drain(t, 1)[0].Text; got != "無事" {
		t.Errorf("unit = %q, want 無事", got)
	}
	if !h.worker.Running() {
		t.Error("worker stopped after panic")
	}
}

func TestWorker_StopIdle(t *testing.T) {
	t.Parallel()

	w := NewWorker("1", NewQueue("1"), Deps{})
	w.Stop()
	select {
	case <-w.Done():
	default:
		t.Fatal("Done not closed after stopping an idle worker")
	}
}
