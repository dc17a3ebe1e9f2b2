package gate

import (
	"context"
	"sync"
	"testing"

	"github.com/voxlate/voxlate/internal/event"
)

// fakePath records gate calls against the audio path.
type fakePath struct {
	mu      sync.Mutex
	pauses  int
	resumes int
	drops   int
	buffer  int
}

func (f *fakePath) PauseAudio() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
}

func (f *fakePath) ResumeAudio() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
}

func (f *fakePath) DropBufferedAudio() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops++
	n := f.buffer
	f.buffer = 0
	return n
}

func (f *fakePath) counts() (pauses, resumes, drops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses, f.resumes, f.drops
}

func TestModeIsValid(t *testing.T) {
	t.Parallel()

	for _, m := range []Mode{PlayThrough, PauseAndBuffer, PauseAndDrop} {
		if !m.IsValid() {
			t.Errorf("mode %q should be valid", m)
		}
	}
	if Mode("mute").IsValid() {
		t.Error("mode \"mute\" should be invalid")
	}
}

func TestPlayThroughDoesNothing(t *testing.T) {
	t.Parallel()

	path := &fakePath{buffer: 3}
	c := New(PlayThrough, path)

	c.OnSpeaking(context.Background(), "s1", "p1")
	c.OnSilence(context.Background(), "s1", "p1")

	pauses, resumes, drops := path.counts()
	if pauses != 0 || resumes != 0 || drops != 0 {
		t.Fatalf("got pauses=%d resumes=%d drops=%d, want all zero", pauses, resumes, drops)
	}
	if c.Engaged() {
		t.Error("play_through gate should never report engaged")
	}
}

func TestPauseAndBufferKeepsFrames(t *testing.T) {
	t.Parallel()

	path := &fakePath{buffer: 3}
	c := New(PauseAndBuffer, path)

	c.OnSpeaking(context.Background(), "s1", "p1")
	if !c.Engaged() {
		t.Fatal("gate should be engaged after speaking")
	}

	pauses, _, drops := path.counts()
	if pauses != 1 {
		t.Errorf("got %d pauses, want 1", pauses)
	}
	if drops != 0 {
		t.Errorf("got %d drops, want 0 in pause_and_buffer mode", drops)
	}

	c.OnSilence(context.Background(), "s1", "p1")
	if c.Engaged() {
		t.Fatal("gate should be released after silence")
	}
	_, resumes, _ := path.counts()
	if resumes != 1 {
		t.Errorf("got %d resumes, want 1", resumes)
	}
	if path.buffer != 3 {
		t.Errorf("buffered frames changed: got %d, want 3", path.buffer)
	}
}

func TestPauseAndDropFlushesAndNotifies(t *testing.T) {
	t.Parallel()

	path := &fakePath{buffer: 7}
	var sent []event.Outbound
	c := New(PauseAndDrop, path, WithNotifier(func(_ context.Context, out event.Outbound) error {
		sent = append(sent, out)
		return nil
	}))

	c.OnSpeaking(context.Background(), "s1", "p1")

	pauses, _, drops := path.counts()
	if pauses != 1 || drops != 1 {
		t.Fatalf("got pauses=%d drops=%d, want 1 each", pauses, drops)
	}
	if path.buffer != 0 {
		t.Errorf("buffer not flushed: got %d items", path.buffer)
	}
	if len(sent) != 1 {
		t.Fatalf("got %d control messages, want 1", len(sent))
	}
	if sent[0].Kind != event.OutboundStopAudio {
		t.Errorf("got kind %q, want %q", sent[0].Kind, event.OutboundStopAudio)
	}
	if sent[0].Detail != "barge_in" {
		t.Errorf("got detail %q, want %q", sent[0].Detail, "barge_in")
	}
}

func TestEngagementIsIdempotent(t *testing.T) {
	t.Parallel()

	path := &fakePath{}
	engagements := 0
	c := New(PauseAndBuffer, path, WithEngageHook(func(Mode) { engagements++ }))

	c.OnSpeaking(context.Background(), "s1", "p1")
	c.OnSpeaking(context.Background(), "s1", "p1")
	c.OnSpeaking(context.Background(), "s1", "p1")

	pauses, _, _ := path.counts()
	if pauses != 1 {
		t.Errorf("got %d pauses, want 1", pauses)
	}
	if engagements != 1 {
		t.Errorf("got %d engage hook calls, want 1", engagements)
	}
}

func TestReleaseWithoutEngagementIsNoop(t *testing.T) {
	t.Parallel()

	path := &fakePath{}
	c := New(PauseAndDrop, path)

	c.OnSilence(context.Background(), "s1", "p1")

	_, resumes, _ := path.counts()
	if resumes != 0 {
		t.Errorf("got %d resumes, want 0", resumes)
	}
}
