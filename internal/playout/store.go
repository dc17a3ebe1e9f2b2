package playout

import (
	"sort"
	"strings"
	"sync"

	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/pkg/audio"
)

// StoreConfig configures a [Store].
type StoreConfig struct {
	// Target is the call-side audio format. Defaults to [audio.DefaultFormat].
	Target audio.Format

	// FrameMS is the emitter frame period. Defaults to 20.
	FrameMS int

	// WarmupMS is the warm-up watermark for fresh participant buffers.
	// Defaults to 80.
	WarmupMS int

	// OnStreamCount is called with +1/-1 as streams are created and removed.
	// Used for the active-streams gauge. May be nil.
	OnStreamCount func(delta int)
}

// Store indexes playout streams by their (session, participant, stream_id)
// key and owns the per-participant buffers they feed. All methods are safe
// for concurrent use.
type Store struct {
	cfg StoreConfig

	mu      sync.Mutex
	streams map[string]*Stream
	buffers map[string]*ParticipantBuffer
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Target == (audio.Format{}) {
		cfg.Target = audio.DefaultFormat
	}
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = 20
	}
	if cfg.WarmupMS <= 0 {
		cfg.WarmupMS = 80
	}
	return &Store{
		cfg:     cfg,
		streams: make(map[string]*Stream),
		buffers: make(map[string]*ParticipantBuffer),
	}
}

// Target returns the call-side audio format.
func (st *Store) Target() audio.Format { return st.cfg.Target }

// GetOrCreate returns the stream for the triple, creating it (and the
// participant's buffer if needed) on first use. The second return value is
// true when the stream was created by this call.
func (st *Store) GetOrCreate(sessionID, participantID, streamID, commitID string, provider event.Provider) (*Stream, bool) {
	key := StreamKey(sessionID, participantID, streamID)

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.streams[key]; ok {
		return s, false
	}

	bufKey := sessionID + "|" + participantID
	buf, ok := st.buffers[bufKey]
	if !ok {
		buf = NewParticipantBuffer(st.cfg.Target, st.cfg.FrameMS, st.cfg.WarmupMS)
		st.buffers[bufKey] = buf
	}

	s := &Stream{
		Key:           key,
		SessionID:     sessionID,
		ParticipantID: participantID,
		StreamID:      streamID,
		CommitID:      commitID,
		Provider:      provider,
		target:        st.cfg.Target,
		buffer:        buf,
	}
	st.streams[key] = s
	if st.cfg.OnStreamCount != nil {
		st.cfg.OnStreamCount(1)
	}
	return s, true
}

// Get returns the stream for the triple, or nil.
func (st *Store) Get(sessionID, participantID, streamID string) *Stream {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.streams[StreamKey(sessionID, participantID, streamID)]
}

// Remove deletes the stream from the index. The participant buffer stays so
// interleaved streams keep playing; it is torn down with the session.
func (st *Store) Remove(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.streams[key]; ok {
		delete(st.streams, key)
		if st.cfg.OnStreamCount != nil {
			st.cfg.OnStreamCount(-1)
		}
	}
}

// SessionBuffers returns the participant buffers of one session in a stable
// participant order, so mixing is deterministic across ticks.
func (st *Store) SessionBuffers(sessionID string) []*ParticipantBuffer {
	st.mu.Lock()
	defer st.mu.Unlock()

	prefix := sessionID + "|"
	keys := make([]string, 0, len(st.buffers))
	for k := range st.buffers {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	bufs := make([]*ParticipantBuffer, 0, len(keys))
	for _, k := range keys {
		bufs = append(bufs, st.buffers[k])
	}
	return bufs
}

// Sessions returns the session ids that currently have participant buffers.
func (st *Store) Sessions() []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	seen := make(map[string]struct{})
	for k := range st.buffers {
		if session, _, ok := strings.Cut(k, "|"); ok {
			seen[session] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClearAll removes every stream and empties every buffer, returning the
// number of whole frames discarded. Used by the PAUSE_AND_DROP barge-in.
func (st *Store) ClearAll() int {
	st.mu.Lock()
	streams := st.streams
	st.streams = make(map[string]*Stream)
	bufs := make([]*ParticipantBuffer, 0, len(st.buffers))
	for _, b := range st.buffers {
		bufs = append(bufs, b)
	}
	removed := len(streams)
	st.mu.Unlock()

	dropped := 0
	for _, b := range bufs {
		dropped += b.Clear() / b.FrameBytes()
	}
	if st.cfg.OnStreamCount != nil && removed > 0 {
		st.cfg.OnStreamCount(-removed)
	}
	return dropped
}

// RemoveSession tears down every stream and buffer of one session,
// returning the number of streams removed.
func (st *Store) RemoveSession(sessionID string) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	prefix := sessionID + "|"
	removed := 0
	for k := range st.streams {
		if strings.HasPrefix(k, prefix) {
			delete(st.streams, k)
			removed++
		}
	}
	for k := range st.buffers {
		if strings.HasPrefix(k, prefix) {
			delete(st.buffers, k)
		}
	}
	if st.cfg.OnStreamCount != nil && removed > 0 {
		st.cfg.OnStreamCount(-removed)
	}
	return removed
}
