package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lessonscribe/pkg/provider/stt"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server running handler for each
// accepted connection. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// nextEvent reads one event or fails the test after a timeout.
func nextEvent(t *testing.T, ch <-chan stt.Event) stt.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return stt.Event{}
}

// ── Config tests ──────────────────────────────────────────────────────────────

func TestBuildConfig_Defaults(t *testing.T) {
	p := New("master-key", WithLanguageHints("en", "de"))
	msg, err := p.buildConfig(stt.StreamConfig{Diarization: true})
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if msg.APIKey != "master-key" {
		t.Errorf("api key = %q, want master-key", msg.APIKey)
	}
	if msg.Model != defaultModel {
		t.Errorf("model = %q, want %q", msg.Model, defaultModel)
	}
	if msg.SampleRate != defaultSampleRate || msg.NumChannels != 1 {
		t.Errorf("format = %d/%d, want %d/1", msg.SampleRate, msg.NumChannels, defaultSampleRate)
	}
	if msg.AudioFormat != "pcm_s16le" {
		t.Errorf("audio format = %q", msg.AudioFormat)
	}
	if !msg.EnableSpeakerDiarization {
		t.Error("expected diarization enabled")
	}
	if len(msg.LanguageHints) != 2 || msg.LanguageHints[0] != "en" {
		t.Errorf("language hints = %v", msg.LanguageHints)
	}
}

func TestBuildConfig_StreamKeyOverridesProviderKey(t *testing.T) {
	p := New("master-key", WithModel("stt-rt-v3"))
	msg, err := p.buildConfig(stt.StreamConfig{APIKey: "temp-key", SampleRate: 48000, LanguageHints: []string{"es"}})
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if msg.APIKey != "temp-key" {
		t.Errorf("api key = %q, want temp-key", msg.APIKey)
	}
	if msg.Model != "stt-rt-v3" {
		t.Errorf("model = %q", msg.Model)
	}
	if msg.SampleRate != 48000 {
		t.Errorf("sample rate = %d", msg.SampleRate)
	}
	if len(msg.LanguageHints) != 1 || msg.LanguageHints[0] != "es" {
		t.Errorf("language hints = %v", msg.LanguageHints)
	}
}

func TestBuildConfig_NoKey(t *testing.T) {
	if _, err := New("").buildConfig(stt.StreamConfig{}); err == nil {
		t.Error("expected error without any API key")
	}
}

// ── Parsing tests ─────────────────────────────────────────────────────────────

func TestParseResponse_Tokens(t *testing.T) {
	raw := []byte(`{
		"tokens": [
			{"text": "Hel", "start_ms": 100, "end_ms": 300, "confidence": 0.9, "is_final": true, "speaker": "1", "language": "en"},
			{"text": "lo", "start_ms": 300, "end_ms": 420, "confidence": 0.6, "is_final": false, "speaker": "1"}
		],
		"final_audio_proc_ms": 300,
		"total_audio_proc_ms": 420
	}`)
	ev, terminal, ok := parseResponse(raw)
	if !ok || terminal {
		t.Fatalf("ok=%v terminal=%v, want true/false", ok, terminal)
	}
	if ev.Kind != stt.EventTokens {
		t.Fatalf("kind = %v, want tokens", ev.Kind)
	}
	if len(ev.Tokens) != 2 {
		t.Fatalf("tokens = %d, want 2", len(ev.Tokens))
	}
	first := ev.Tokens[0]
	if first.Text != "Hel" || !first.IsFinal || first.Speaker != "1" || first.Language != "en" {
		t.Errorf("unexpected first token: %+v", first)
	}
	if first.Start != 100*time.Millisecond || first.End != 300*time.Millisecond {
		t.Errorf("timing = %v-%v", first.Start, first.End)
	}
	if ev.Tokens[1].IsFinal {
		t.Error("second token should be non-final")
	}
}

func TestParseResponse_NumericSpeaker(t *testing.T) {
	raw := []byte(`{"tokens":[
		{"text":"hello ","start_ms":0,"end_ms":200,"is_final":true,"speaker":1},
		{"text":"there","is_final":true,"speaker":"2"},
		{"text":"?","is_final":false,"speaker":null}
	]}`)
	ev, _, ok := parseResponse(raw)
	if !ok {
		t.Fatal("numeric speaker rejected the whole batch")
	}
	if len(ev.Tokens) != 3 {
		t.Fatalf("tokens = %d, want 3", len(ev.Tokens))
	}
	for i, want := range []string{"1", "2", ""} {
		if got := ev.Tokens[i].Speaker; got != want {
			t.Errorf("token %d speaker = %q, want %q", i, got, want)
		}
	}
	if !ev.Tokens[0].IsFinal || ev.Tokens[0].Text != "hello " {
		t.Errorf("first token = %+v", ev.Tokens[0])
	}
}

func TestParseResponse_Finished(t *testing.T) {
	ev, terminal, ok := parseResponse([]byte(`{"tokens":[],"finished":true}`))
	if !ok || !terminal || ev.Kind != stt.EventFinished {
		t.Fatalf("got kind=%v terminal=%v ok=%v", ev.Kind, terminal, ok)
	}
}

func TestParseResponse_Error(t *testing.T) {
	ev, terminal, ok := parseResponse([]byte(`{"error_code":401,"error_message":"Invalid API key."}`))
	if !ok || !terminal || ev.Kind != stt.EventError {
		t.Fatalf("got kind=%v terminal=%v ok=%v", ev.Kind, terminal, ok)
	}
	var re *stt.RemoteError
	if !errors.As(ev.Err, &re) {
		t.Fatalf("expected *stt.RemoteError, got %T", ev.Err)
	}
	if re.Code != 401 || re.Message != "Invalid API key." {
		t.Errorf("unexpected remote error: %+v", re)
	}
}

func TestParseResponse_InvalidJSON(t *testing.T) {
	if _, _, ok := parseResponse([]byte(`{invalid`)); ok {
		t.Error("expected ok=false for invalid JSON")
	}
}

// ── Session tests ─────────────────────────────────────────────────────────────

func TestSession_FullLifecycle(t *testing.T) {
	gotConfig := make(chan configMessage, 1)
	gotAudio := make(chan []byte, 4)

	srv := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cfg configMessage
		_ = json.Unmarshal(data, &cfg)
		gotConfig <- cfg

		_ = writeJSON(ctx, conn, map[string]any{
			"tokens": []map[string]any{{"text": "hi", "is_final": false, "speaker": "2"}},
		})
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary && len(data) == 0 {
				_ = writeJSON(ctx, conn, map[string]any{
					"tokens": []map[string]any{{"text": "hi there", "is_final": true, "speaker": "2"}},
				})
				_ = writeJSON(ctx, conn, map[string]any{"tokens": []any{}, "finished": true})
				return
			}
			gotAudio <- data
		}
	})

	p := New("", WithEndpoint(wsURL(srv)))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{APIKey: "temp", Diarization: true})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	if ev := nextEvent(t, h.Events()); ev.Kind != stt.EventStarted {
		t.Fatalf("first event = %v, want started", ev.Kind)
	}
	cfg := <-gotConfig
	if cfg.APIKey != "temp" || !cfg.EnableSpeakerDiarization {
		t.Errorf("unexpected config: %+v", cfg)
	}

	ev := nextEvent(t, h.Events())
	if ev.Kind != stt.EventTokens || ev.Tokens[0].Text != "hi" {
		t.Fatalf("unexpected partial event: %+v", ev)
	}

	if err := h.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case a := <-gotAudio:
		if len(a) != 4 {
			t.Errorf("audio len = %d, want 4", len(a))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received audio")
	}

	if err := h.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	ev = nextEvent(t, h.Events())
	if ev.Kind != stt.EventTokens || !ev.Tokens[0].IsFinal {
		t.Fatalf("unexpected final event: %+v", ev)
	}
	if ev := nextEvent(t, h.Events()); ev.Kind != stt.EventFinished {
		t.Fatalf("want finished, got %v", ev.Kind)
	}
	if err := h.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Finish = %v, want ErrSessionClosed", err)
	}
}

func TestSession_RemoteError(t *testing.T) {
	srv := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		_ = writeJSON(ctx, conn, map[string]any{"error_code": 503, "error_message": "overloaded"})
		time.Sleep(100 * time.Millisecond)
	})

	h, err := New("key", WithEndpoint(wsURL(srv))).StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	nextEvent(t, h.Events()) // started
	ev := nextEvent(t, h.Events())
	if ev.Kind != stt.EventError {
		t.Fatalf("kind = %v, want error", ev.Kind)
	}
	var re *stt.RemoteError
	if !errors.As(ev.Err, &re) || re.Code != 503 {
		t.Errorf("unexpected error: %v", ev.Err)
	}
	select {
	case _, ok := <-h.Events():
		if ok {
			t.Error("expected events channel to close after terminal error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	srv := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	h, err := New("key", WithEndpoint(wsURL(srv))).StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if err := h.Finish(); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("Finish after Close = %v, want ErrSessionClosed", err)
	}
}

func TestStartStream_DialFailure(t *testing.T) {
	_, err := New("key", WithEndpoint("ws://127.0.0.1:1")).StartStream(context.Background(), stt.StreamConfig{})
	if err == nil {
		t.Fatal("expected dial error")
	}
}
