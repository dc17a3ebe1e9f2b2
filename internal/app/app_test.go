package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxlate/voxlate/internal/config"
	"github.com/voxlate/voxlate/internal/event"
	"github.com/voxlate/voxlate/internal/gate"
	"github.com/voxlate/voxlate/internal/inputstate"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startWSServer launches a test WebSocket server. The handler receives each
// accepted conn. The server is closed when the test finishes.
func startWSServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// frameRecorder collects raw WS frames behind a lock.
type frameRecorder struct {
	mu   sync.Mutex
	raws [][]byte
}

func (r *frameRecorder) add(raw []byte) {
	r.mu.Lock()
	r.raws = append(r.raws, raw)
	r.mu.Unlock()
}

func (r *frameRecorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.raws...)
}

// recordingHandler reads frames off a conn into rec until the conn breaks.
func recordingHandler(rec *frameRecorder) func(conn *websocket.Conn, r *http.Request) {
	return func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			rec.add(raw)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// testConfig returns defaults with fast reconnects, the HTTP listener off and
// the given endpoints.
func testConfig(ingressURL, egressURL, providerURL string) *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = ""
	cfg.ACS.IngressURL = ingressURL
	cfg.ACS.EgressURL = egressURL
	cfg.ACS.Reconnect.InitialDelay = 10 * time.Millisecond
	cfg.Provider.WebsocketURL = providerURL
	cfg.Provider.Reconnect.InitialDelay = 10 * time.Millisecond
	return cfg
}

// runApp builds the app and runs it until the test finishes.
func runApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		a.Shutdown(shutdownCtx)
	})
	return a
}

func acsAudioFrame(session string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"direction": "inbound",
		"message": map[string]any{
			"kind": "AudioData",
			"audioData": map[string]any{
				"data":          "AAAAAA==",
				"participantId": session + "-caller",
			},
		},
	})
	return raw
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ws://127.0.0.1:1/in", "ws://127.0.0.1:1/out", "ws://127.0.0.1:1/provider")
	cfg.Bus.QueueSize = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("New with zero bus queue size succeeded, want validation error")
	}
}

func TestAppForwardsCallAudioToProvider(t *testing.T) {
	t.Parallel()

	ingress := startWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Write(ctx, websocket.MessageText, acsAudioFrame("s1")); err != nil {
			return
		}
		conn.Read(ctx) // hold the connection open
	})
	egress := startWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.Read(ctx)
	})
	var rec frameRecorder
	providerSrv := startWSServer(t, recordingHandler(&rec))

	runApp(t, testConfig(wsURL(ingress), wsURL(egress), wsURL(providerSrv)))

	waitFor(t, 3*time.Second, func() bool { return len(rec.snapshot()) >= 1 })

	var req struct {
		Type     string `json:"type"`
		AudioB64 string `json:"audio_b64"`
	}
	if err := json.Unmarshal(rec.snapshot()[0], &req); err != nil {
		t.Fatalf("unmarshal forwarded frame: %v", err)
	}
	if got, want := req.Type, "input_audio.append"; got != want {
		t.Errorf("forwarded type = %q, want %q", got, want)
	}
	if got, want := req.AudioB64, "AAAAAA=="; got != want {
		t.Errorf("forwarded audio = %q, want %q", got, want)
	}
}

func TestAppDeliversTranscriptsToEgress(t *testing.T) {
	t.Parallel()

	ingress := startWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.Read(ctx)
	})
	var rec frameRecorder
	egress := startWSServer(t, recordingHandler(&rec))
	providerSrv := startWSServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msg := `{"type":"transcript.delta","session_id":"s1","stream_id":"st1","text":"hola"}`
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			return
		}
		conn.Read(ctx)
	})

	runApp(t, testConfig(wsURL(ingress), wsURL(egress), wsURL(providerSrv)))

	waitFor(t, 3*time.Second, func() bool { return len(rec.snapshot()) >= 1 })
	raw := string(rec.snapshot()[0])
	if !strings.Contains(raw, string(event.OutboundTranscriptDelta)) {
		t.Errorf("egress frame %q does not carry the transcript kind", raw)
	}
	if !strings.Contains(raw, "hola") {
		t.Errorf("egress frame %q does not carry the transcript text", raw)
	}
}

func TestAudioPathPauseResumesEmitterAndSlots(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ws://127.0.0.1:1/in", "ws://127.0.0.1:1/out", "ws://127.0.0.1:1/provider")
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path := &audioPath{app: a}
	path.PauseAudio()
	if !a.emitter.Paused() {
		t.Error("emitter not paused after PauseAudio")
	}
	if !a.gated.Paused("forward") {
		t.Error("gated forward slot not paused after PauseAudio")
	}
	if !a.outbound.Paused("audio") {
		t.Error("outbound audio slot not paused after PauseAudio")
	}

	path.ResumeAudio()
	if a.emitter.Paused() || a.gated.Paused("forward") || a.outbound.Paused("audio") {
		t.Error("audio path still paused after ResumeAudio")
	}
}

func TestAudioPathDropClearsPlayout(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ws://127.0.0.1:1/in", "ws://127.0.0.1:1/out", "ws://127.0.0.1:1/provider")
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stream, _ := a.store.GetOrCreate("s1", "p1", "st1", "c1", event.ProviderGeneric)
	frameBytes := stream.Buffer().FrameBytes()
	if err := stream.Ingest(make([]byte, 3*frameBytes), a.store.Target()); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	path := &audioPath{app: a}
	if got := path.DropBufferedAudio(); got != 3 {
		t.Errorf("DropBufferedAudio() = %d, want 3 frames", got)
	}
	if got := a.store.Get("s1", "p1", "st1"); got != nil {
		t.Error("stream survived DropBufferedAudio")
	}
}

func TestGateLoopDrivesController(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ws://127.0.0.1:1/in", "ws://127.0.0.1:1/out", "ws://127.0.0.1:1/provider")
	cfg.Gate.Mode = gate.PauseAndBuffer
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.gateLoop(ctx)

	a.currentSession.Store("s1")
	a.transitions <- inputstate.Transition{From: inputstate.Silence, To: inputstate.Speaking, At: time.Now()}
	waitFor(t, time.Second, a.gatectl.Engaged)
	if !a.emitter.Paused() {
		t.Error("emitter not paused while gate engaged")
	}

	a.transitions <- inputstate.Transition{From: inputstate.Speaking, To: inputstate.Silence, At: time.Now()}
	waitFor(t, time.Second, func() bool { return !a.gatectl.Engaged() })
	if a.emitter.Paused() {
		t.Error("emitter still paused after gate release")
	}
}
