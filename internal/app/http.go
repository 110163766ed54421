package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/lessonscribe/internal/health"
	"github.com/MrWong99/lessonscribe/internal/lessonstore"
	"github.com/MrWong99/lessonscribe/internal/observe"
	"github.com/MrWong99/lessonscribe/internal/recording"
	"github.com/MrWong99/lessonscribe/pkg/audio/mixer"
)

// maxBodyBytes caps request bodies of the console API.
const maxBodyBytes = 1 << 16

// liveWriteTimeout bounds a single WebSocket write to a console client.
const liveWriteTimeout = 5 * time.Second

// HandlerConfig wires the console HTTP handler.
type HandlerConfig struct {
	Recorder *Recorder
	Store    lessonstore.Store
	Health   *health.Handler

	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler

	// Observe records request metrics. Nil uses [observe.DefaultMetrics].
	Observe *observe.Metrics
}

type console struct {
	rec   *Recorder
	store lessonstore.Store
}

// NewHandler returns the console API wrapped in the tracing and metrics
// middleware.
func NewHandler(cfg HandlerConfig) http.Handler {
	c := &console{rec: cfg.Recorder, store: cfg.Store}

	mux := http.NewServeMux()
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}
	mux.HandleFunc("GET /api/recording", c.getRecording)
	mux.HandleFunc("POST /api/recording/start", c.start)
	mux.HandleFunc("POST /api/recording/stop", c.stop)
	mux.HandleFunc("POST /api/recording/cancel", c.cancel)
	mux.HandleFunc("PUT /api/recording/gain", c.setGain)
	mux.HandleFunc("GET /api/recording/live", c.live)
	mux.HandleFunc("GET /api/lessons", c.listLessons)
	mux.HandleFunc("GET /api/lessons/{id}", c.getLesson)

	m := cfg.Observe
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return observe.Middleware(m)(mux)
}

// recordingView is the console's view of the recorder.
type recordingView struct {
	recording.State
	MicGain    float64 `json:"micGain"`
	SystemGain float64 `json:"systemGain"`
	CanStart   bool    `json:"canStart"`
	CanStop    bool    `json:"canStop"`
	CanCancel  bool    `json:"canCancel"`
}

func (c *console) view(s recording.State) recordingView {
	mic, sys := c.rec.Gains()
	return recordingView{
		State:      s,
		MicGain:    mic,
		SystemGain: sys,
		CanStart:   s.CanStart(),
		CanStop:    s.CanStop(),
		CanCancel:  s.CanCancel(),
	}
}

func (c *console) getRecording(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.view(c.rec.State()))
}

type startRequest struct {
	IncludeSystemAudio *bool `json:"includeSystemAudio"`
}

func (c *console) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := c.rec.Start(r.Context(), StartOptions{IncludeSystemAudio: req.IncludeSystemAudio})
	if err != nil {
		writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recordingId": id})
}

func (c *console) stop(w http.ResponseWriter, r *http.Request) {
	res, err := c.rec.Stop(r.Context())
	if err != nil {
		writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *console) cancel(w http.ResponseWriter, r *http.Request) {
	if err := c.rec.Cancel(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, c.view(c.rec.State()))
}

type gainRequest struct {
	MicGain    *float64 `json:"micGain"`
	SystemGain *float64 `json:"systemGain"`
}

func (c *console) setGain(w http.ResponseWriter, r *http.Request) {
	var req gainRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mic, sys := c.rec.SetGains(req.MicGain, req.SystemGain)
	writeJSON(w, http.StatusOK, map[string]float64{"micGain": mic, "systemGain": sys})
}

// live streams recording snapshots to a WebSocket client until it goes away.
// Slow clients skip intermediate states.
func (c *console) live(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("live feed: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends anything; CloseRead handles control frames and
	// cancels ctx when the client disconnects.
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))

	states, unsubscribe := c.rec.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
			err := wsjson.Write(wctx, conn, c.view(s))
			cancel()
			if err != nil {
				slog.Debug("live feed: write failed", "err", err)
				return
			}
		}
	}
}

func (c *console) listLessons(w http.ResponseWriter, r *http.Request) {
	var opts lessonstore.ListOptions
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("before must be an RFC 3339 timestamp"))
			return
		}
		opts.Before = t
	}
	lessons, err := c.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if lessons == nil {
		lessons = []lessonstore.Result{}
	}
	writeJSON(w, http.StatusOK, lessons)
}

func (c *console) getLesson(w http.ResponseWriter, r *http.Request) {
	res, err := c.store.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, lessonstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// writeRecorderError maps recorder errors to status codes. A cancellation is
// reported as a conflict the console resets on without showing an error.
func writeRecorderError(w http.ResponseWriter, err error) {
	var micErr *mixer.MicrophoneAccessError
	switch {
	case errors.Is(err, ErrCancelled):
		writeJSON(w, http.StatusConflict, map[string]bool{"cancelled": true})
	case errors.Is(err, ErrNotLive), errors.Is(err, recording.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &micErr):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
