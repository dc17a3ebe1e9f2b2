package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/playout"
	"github.com/voxlate/voxlate/pkg/audio"
)

var fmt16k = audio.Format{SampleRateHz: 16000, Channels: 1, Encoding: audio.EncodingPCM16}

// outCollector records published outbound messages.
type outCollector struct {
	mu  sync.Mutex
	out []event.Outbound
}

func (c *outCollector) publish(_ context.Context, out event.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, out)
	return nil
}

func (c *outCollector) snapshot() []event.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Outbound(nil), c.out...)
}

// fakeTracker hands out playback states without an emitter.
type fakeTracker struct {
	mu     sync.Mutex
	states map[string]*playout.PlaybackState
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{states: make(map[string]*playout.PlaybackState)}
}

func (f *fakeTracker) State(sessionID string) *playout.PlaybackState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[sessionID]
	if !ok {
		st = playout.NewPlaybackState()
		f.states[sessionID] = st
	}
	return st
}

// stubHandler claims events of one type and records them.
type stubHandler struct {
	name    string
	claims  event.ProviderEventType
	handled []*event.ProviderOutputEvent
	err     error
}

func (s *stubHandler) Name() string { return s.name }
func (s *stubHandler) CanHandle(ev *event.ProviderOutputEvent) bool {
	return ev.Type == s.claims
}
func (s *stubHandler) Handle(_ context.Context, ev *event.ProviderOutputEvent) error {
	s.handled = append(s.handled, ev)
	return s.err
}

func deltaEvent(session, participant, stream, b64 string) *event.ProviderOutputEvent {
	return &event.ProviderOutputEvent{
		Type:          event.ProviderAudioDelta,
		SessionID:     session,
		ParticipantID: participant,
		StreamID:      stream,
		Provider:      event.ProviderGeneric,
		Audio:         &event.ProviderAudioPayload{AudioB64: b64},
	}
}

func doneEvent(session, participant, stream string) *event.ProviderOutputEvent {
	return &event.ProviderOutputEvent{
		Type:          event.ProviderAudioDone,
		SessionID:     session,
		ParticipantID: participant,
		StreamID:      stream,
		Provider:      event.ProviderGeneric,
	}
}

func pcmB64(frames int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, frames*640))
}

func TestDispatcherFirstMatchWins(t *testing.T) {
	t.Parallel()

	a := &stubHandler{name: "a", claims: event.ProviderAudioDelta}
	b := &stubHandler{name: "b", claims: event.ProviderAudioDelta}
	d := NewDispatcher([]Handler{a, b})

	ev := deltaEvent("s", "p", "st", "")
	if err := d.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(a.handled) != 1 || len(b.handled) != 0 {
		t.Errorf("got a=%d b=%d, want only the first matching handler", len(a.handled), len(b.handled))
	}
}

func TestDispatcherSwallowsHandlerErrors(t *testing.T) {
	t.Parallel()

	h := &stubHandler{name: "h", claims: event.ProviderError, err: errors.New("boom")}
	d := NewDispatcher([]Handler{h})

	ev := &event.ProviderOutputEvent{Type: event.ProviderError, Provider: event.ProviderGeneric}
	if err := d.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handler errors must not propagate: %v", err)
	}
}

func TestDispatcherLogsUnsupported(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil)
	ev := &event.ProviderOutputEvent{Type: "weird", Provider: event.ProviderGeneric}
	if err := d.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("unsupported events must not error: %v", err)
	}
}

func TestAudioDeltaFeedsStore(t *testing.T) {
	t.Parallel()

	store := playout.NewStore(playout.StoreConfig{Target: fmt16k, FrameMS: 20, WarmupMS: 80})
	out := &outCollector{}
	h := NewAudioHandler(AudioConfig{}, store, newFakeTracker(), out.publish)

	if err := h.Handle(context.Background(), deltaEvent("s1", "p1", "st1", pcmB64(2))); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	stream := store.Get("s1", "p1", "st1")
	if stream == nil {
		t.Fatal("stream not created")
	}
	if got := stream.Buffer().Buffered(); got != 1280 {
		t.Errorf("got %d buffered bytes, want 1280", got)
	}
}

func TestAudioDeltaInvalidBase64FailsStream(t *testing.T) {
	t.Parallel()

	store := playout.NewStore(playout.StoreConfig{Target: fmt16k, FrameMS: 20, WarmupMS: 80})
	out := &outCollector{}
	h := NewAudioHandler(AudioConfig{}, store, newFakeTracker(), out.publish)

	// Open the stream, then break it.
	if err := h.Handle(context.Background(), deltaEvent("s1", "p1", "st1", pcmB64(2))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	err := h.Handle(context.Background(), deltaEvent("s1", "p1", "st1", "!!bad!!"))
	if err == nil {
		t.Fatal("expected decode error")
	}

	done := out.snapshot()
	if len(done) != 1 {
		t.Fatalf("got %d outbound messages, want 1 audio.done", len(done))
	}
	if done[0].Kind != event.OutboundAudioDone || done[0].Reason != event.DoneError {
		t.Errorf("got %+v, want audio.done reason=error", done[0])
	}
	if done[0].Error == "" {
		t.Error("audio.done error field must be set")
	}
	if store.Get("s1", "p1", "st1") != nil {
		t.Error("broken stream must be removed")
	}
}

func TestAudioDoneDrainsAndCompletes(t *testing.T) {
	t.Parallel()

	store := playout.NewStore(playout.StoreConfig{Target: fmt16k, FrameMS: 20, WarmupMS: 80})
	out := &outCollector{}
	tracker := newFakeTracker()
	h := NewAudioHandler(AudioConfig{DrainTimeout: 2 * time.Second}, store, tracker, out.publish)

	// Four frames crosses the 80ms warm-up watermark, so pops are real.
	for i := 0; i < 4; i++ {
		if err := h.Handle(context.Background(), deltaEvent("s1", "p1", "st1", pcmB64(1))); err != nil {
			t.Fatalf("delta %d: %v", i, err)
		}
	}

	stream := store.Get("s1", "p1", "st1")
	tracker.State("s1").OnFrame(true, time.Now())

	// Simulate the emitter draining the buffer while done waits.
	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(10 * time.Millisecond)
			stream.Buffer().PopFrame()
		}
	}()

	if err := h.Handle(context.Background(), doneEvent("s1", "p1", "st1")); err != nil {
		t.Fatalf("done: %v", err)
	}

	msgs := out.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("got %d outbound messages, want 1", len(msgs))
	}
	if msgs[0].Kind != event.OutboundAudioDone || msgs[0].Reason != event.DoneCompleted {
		t.Errorf("got %+v, want audio.done reason=completed", msgs[0])
	}
	if store.Get("s1", "p1", "st1") != nil {
		t.Error("completed stream must be removed")
	}
	if got := tracker.State("s1").Status(); got != playout.StatusIdle {
		t.Errorf("got playback status %q, want idle after drain", got)
	}
}

func TestAudioDoneUnknownStreamStillCompletes(t *testing.T) {
	t.Parallel()

	store := playout.NewStore(playout.StoreConfig{Target: fmt16k, FrameMS: 20, WarmupMS: 80})
	out := &outCollector{}
	h := NewAudioHandler(AudioConfig{}, store, newFakeTracker(), out.publish)

	if err := h.Handle(context.Background(), doneEvent("s1", "p1", "missing")); err != nil {
		t.Fatalf("done: %v", err)
	}
	msgs := out.snapshot()
	if len(msgs) != 1 || msgs[0].Reason != event.DoneCompleted {
		t.Fatalf("got %+v, want one completed done", msgs)
	}
}

func TestTranscriptHandlerMapsKinds(t *testing.T) {
	t.Parallel()

	out := &outCollector{}
	h := NewTranscriptHandler(out.publish)

	delta := &event.ProviderOutputEvent{
		Type:       event.ProviderTranscriptDelta,
		SessionID:  "s1",
		Provider:   event.ProviderSpeechTranslator,
		Transcript: &event.TranscriptPayload{Text: "hal"},
	}
	final := &event.ProviderOutputEvent{
		Type:        event.ProviderTranscriptDone,
		SessionID:   "s1",
		Provider:    event.ProviderSpeechTranslator,
		Transcript:  &event.TranscriptPayload{Text: "hallo"},
		TimestampMS: 99,
	}
	if err := h.Handle(context.Background(), delta); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if err := h.Handle(context.Background(), final); err != nil {
		t.Fatalf("final: %v", err)
	}

	msgs := out.snapshot()
	if msgs[0].Kind != event.OutboundTranscriptDelta || msgs[0].Text != "hal" {
		t.Errorf("got %+v, want text_delta hal", msgs[0])
	}
	if msgs[1].Kind != event.OutboundTranscriptDone || msgs[1].Text != "hallo" || msgs[1].TimestampMS != 99 {
		t.Errorf("got %+v, want text_done hallo at 99", msgs[1])
	}
}

func TestControlStopAudioClearsStream(t *testing.T) {
	t.Parallel()

	store := playout.NewStore(playout.StoreConfig{Target: fmt16k, FrameMS: 20, WarmupMS: 80})
	out := &outCollector{}
	audioH := NewAudioHandler(AudioConfig{}, store, newFakeTracker(), out.publish)
	if err := audioH.Handle(context.Background(), deltaEvent("s1", "p1", "st1", pcmB64(4))); err != nil {
		t.Fatalf("delta: %v", err)
	}

	h := NewControlHandler(store, out.publish, nil)
	ev := &event.ProviderOutputEvent{
		Type:          event.ProviderControl,
		SessionID:     "s1",
		ParticipantID: "p1",
		StreamID:      "st1",
		Provider:      event.ProviderGeneric,
		Control:       &event.ProviderControlPayload{Action: "stop_audio"},
	}
	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("control: %v", err)
	}

	if store.Get("s1", "p1", "st1") != nil {
		t.Error("stream must be removed on stop_audio")
	}
	msgs := out.snapshot()
	last := msgs[len(msgs)-1]
	if last.Kind != event.OutboundStopAudio {
		t.Errorf("got %+v, want control.stop_audio", last)
	}
}

func TestControlIgnoresUnknownActions(t *testing.T) {
	t.Parallel()

	store := playout.NewStore(playout.StoreConfig{Target: fmt16k, FrameMS: 20, WarmupMS: 80})
	out := &outCollector{}
	h := NewControlHandler(store, out.publish, nil)

	ev := &event.ProviderOutputEvent{
		Type:     event.ProviderControl,
		Provider: event.ProviderGeneric,
		Control:  &event.ProviderControlPayload{Action: "mystery"},
	}
	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("control: %v", err)
	}
	if len(out.snapshot()) != 0 {
		t.Error("unknown actions must not publish outbound messages")
	}
}

func TestErrorHandlerLogsOnly(t *testing.T) {
	t.Parallel()

	h := NewErrorHandler(nil, nil)
	ev := &event.ProviderOutputEvent{
		Type:     event.ProviderError,
		Provider: event.ProviderGeneric,
		Err:      &event.ProviderErrorPayload{Code: "rate_limited", Message: "slow down"},
	}
	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("error handler must not fail: %v", err)
	}
}
