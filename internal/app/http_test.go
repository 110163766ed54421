package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/lessonscribe/internal/app"
	"github.com/MrWong99/lessonscribe/internal/health"
	"github.com/MrWong99/lessonscribe/internal/lessonstore"
	"github.com/MrWong99/lessonscribe/internal/recording"
)

func newConsole(t *testing.T, f *recorderFixture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(app.NewHandler(app.HandlerConfig{
		Recorder: f.rec,
		Store:    f.store,
		Health:   health.New(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, url, data, err)
		}
	}
	return resp.StatusCode
}

func TestConsole_RecordingLifecycle(t *testing.T) {
	f := newRecorderFixture(t, nil)
	srv := newConsole(t, f)

	var view struct {
		Phase    string `json:"phase"`
		CanStart bool   `json:"canStart"`
		MicGain  float64
	}
	if code := doJSON(t, "GET", srv.URL+"/api/recording", "", &view); code != http.StatusOK {
		t.Fatalf("GET /api/recording = %d", code)
	}
	if view.Phase != "idle" || !view.CanStart || view.MicGain != 1 {
		t.Errorf("view = %+v", view)
	}

	var started struct {
		RecordingID string `json:"recordingId"`
	}
	if code := doJSON(t, "POST", srv.URL+"/api/recording/start", `{"includeSystemAudio":false}`, &started); code != http.StatusOK {
		t.Fatalf("start = %d", code)
	}
	if started.RecordingID != "rec-1" {
		t.Errorf("recordingId = %q", started.RecordingID)
	}

	finalTokens(f, "hello class")
	waitFor(t, "segment", func() bool { return len(f.machine.Snapshot().Final) == 1 })

	var res lessonstore.Result
	if code := doJSON(t, "POST", srv.URL+"/api/recording/stop", "", &res); code != http.StatusOK {
		t.Fatalf("stop = %d", code)
	}
	if res.Transcript != "Speaker 1: hello class" {
		t.Errorf("transcript = %q", res.Transcript)
	}

	var lessons []lessonstore.Result
	if code := doJSON(t, "GET", srv.URL+"/api/lessons?limit=5", "", &lessons); code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if len(lessons) != 1 || lessons[0].RecordingID != "rec-1" {
		t.Errorf("lessons = %+v", lessons)
	}

	var one lessonstore.Result
	if code := doJSON(t, "GET", srv.URL+"/api/lessons/rec-1", "", &one); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if one.Transcript != res.Transcript {
		t.Errorf("lesson transcript = %q", one.Transcript)
	}
}

func TestConsole_Errors(t *testing.T) {
	f := newRecorderFixture(t, nil)
	srv := newConsole(t, f)

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"stop while idle", "POST", "/api/recording/stop", "", http.StatusConflict},
		{"unknown lesson", "GET", "/api/lessons/nope", "", http.StatusNotFound},
		{"bad limit", "GET", "/api/lessons?limit=x", "", http.StatusBadRequest},
		{"bad before", "GET", "/api/lessons?before=yesterday", "", http.StatusBadRequest},
		{"bad gain body", "PUT", "/api/recording/gain", `{"mic":1}`, http.StatusBadRequest},
		{"wrong method", "DELETE", "/api/recording", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want != http.StatusMethodNotAllowed {
				var body map[string]any
				_ = json.NewDecoder(resp.Body).Decode(&body)
				if _, ok := body["error"]; !ok {
					t.Errorf("body = %v, want an error field", body)
				}
			}
		})
	}
}

func TestConsole_CancelledStartIsConflictWithoutError(t *testing.T) {
	f := newRecorderFixture(t, nil)
	f.devices.MicBlock = make(chan struct{})
	srv := newConsole(t, f)

	type reply struct {
		code int
		body map[string]any
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/api/recording/start", "application/json", nil)
		if err != nil {
			done <- reply{}
			return
		}
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		done <- reply{resp.StatusCode, body}
	}()
	waitFor(t, "requesting phase", func() bool { return f.machine.Snapshot().Phase == recording.PhaseRequesting })

	if code := doJSON(t, "POST", srv.URL+"/api/recording/cancel", "", nil); code != http.StatusOK {
		t.Fatalf("cancel = %d", code)
	}
	close(f.devices.MicBlock)

	select {
	case r := <-done:
		if r.code != http.StatusConflict || r.body["cancelled"] != true {
			t.Errorf("start reply = %d %v", r.code, r.body)
		}
		if _, ok := r.body["error"]; ok {
			t.Errorf("cancelled start carries an error: %v", r.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
}

func TestConsole_SetGain(t *testing.T) {
	f := newRecorderFixture(t, nil)
	srv := newConsole(t, f)

	var gains struct {
		MicGain    float64 `json:"micGain"`
		SystemGain float64 `json:"systemGain"`
	}
	if code := doJSON(t, "PUT", srv.URL+"/api/recording/gain", `{"micGain":0.5,"systemGain":-1}`, &gains); code != http.StatusOK {
		t.Fatalf("gain = %d", code)
	}
	if gains.MicGain != 0.5 || gains.SystemGain != 0 {
		t.Errorf("gains = %+v", gains)
	}
}

func TestConsole_LiveFeed(t *testing.T) {
	f := newRecorderFixture(t, nil)
	srv := newConsole(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/recording/live", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var first struct {
		Phase string `json:"phase"`
	}
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Phase != "idle" {
		t.Errorf("first phase = %q, want idle", first.Phase)
	}

	if _, err := f.rec.Start(ctx, app.StartOptions{}); err != nil {
		t.Fatal(err)
	}
	finalTokens(f, "live words")

	for {
		var s struct {
			Phase string `json:"phase"`
			Final []struct {
				Text string `json:"text"`
			} `json:"final"`
		}
		if err := wsjson.Read(ctx, conn, &s); err != nil {
			t.Fatalf("read: %v", err)
		}
		if s.Phase == "live" && len(s.Final) == 1 && s.Final[0].Text == "live words" {
			return
		}
	}
}

func TestConsole_Probes(t *testing.T) {
	f := newRecorderFixture(t, nil)
	srv := newConsole(t, f)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d: %s", path, resp.StatusCode, buf.String())
		}
	}
}
