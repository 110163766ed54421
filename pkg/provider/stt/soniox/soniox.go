// Package soniox provides a Soniox-backed STT provider using the Soniox
// real-time WebSocket API. It implements the stt.Provider interface.
//
// The session protocol is: one JSON text frame carrying the configuration
// (including the API key), then binary PCM frames, then an empty frame to
// signal end of audio. The server answers with JSON messages carrying token
// batches and, eventually, "finished": true.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lessonscribe/pkg/provider/stt"
)

const (
	sonioxEndpoint    = "wss://stt-rt.soniox.com/transcribe-websocket"
	defaultModel      = "stt-rt-preview"
	defaultSampleRate = 16000
	audioFormat       = "pcm_s16le"
)

// Option is a functional option for configuring the Soniox Provider.
type Option func(*Provider)

// WithModel sets the Soniox real-time model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the WebSocket endpoint (used by tests and regional
// deployments).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithLanguageHints sets the default language hints used when the stream
// config provides none.
func WithLanguageHints(hints ...string) Option {
	return func(p *Provider) {
		p.languageHints = hints
	}
}

// Provider implements stt.Provider backed by the Soniox real-time API.
type Provider struct {
	apiKey        string
	model         string
	endpoint      string
	languageHints []string
}

// New creates a new Soniox Provider. apiKey may be empty when every stream is
// started with a short-lived key in [stt.StreamConfig.APIKey].
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: sonioxEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ stt.Provider = (*Provider)(nil)

// configMessage is the first frame of every session.
type configMessage struct {
	APIKey                   string   `json:"api_key"`
	Model                    string   `json:"model"`
	AudioFormat              string   `json:"audio_format"`
	SampleRate               int      `json:"sample_rate"`
	NumChannels              int      `json:"num_channels"`
	LanguageHints            []string `json:"language_hints,omitempty"`
	EnableSpeakerDiarization bool     `json:"enable_speaker_diarization"`
	EnableEndpointDetection  bool     `json:"enable_endpoint_detection"`
}

// buildConfig resolves the session configuration against provider defaults.
func (p *Provider) buildConfig(cfg stt.StreamConfig) (configMessage, error) {
	key := cfg.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return configMessage{}, errors.New("soniox: no API key configured")
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch == 0 {
		ch = 1
	}
	hints := cfg.LanguageHints
	if len(hints) == 0 {
		hints = p.languageHints
	}
	return configMessage{
		APIKey:                   key,
		Model:                    p.model,
		AudioFormat:              audioFormat,
		SampleRate:               sr,
		NumChannels:              ch,
		LanguageHints:            hints,
		EnableSpeakerDiarization: cfg.Diarization,
		EnableEndpointDetection:  true,
	}, nil
}

// StartStream dials Soniox, sends the session configuration and returns a
// handle whose first event is stt.EventStarted.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	msg, err := p.buildConfig(cfg)
	if err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = p.endpoint
	}

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("soniox: dial: %w", err)
	}
	// Token batches with long partials can exceed the 32 KiB default.
	conn.SetReadLimit(1 << 20)

	payload, err := json.Marshal(msg)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("soniox: encode config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("soniox: send config: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:   conn,
		ctx:    sessCtx,
		cancel: cancel,
		events: make(chan stt.Event, 64),
		audio:  make(chan []byte, 256),
		finish: make(chan struct{}),
		done:   make(chan struct{}),
	}
	sess.events <- stt.Event{Kind: stt.EventStarted}

	sess.wg.Add(2)
	go sess.readLoop()
	go sess.writeLoop()

	return sess, nil
}

// ---- session ----

// sonioxToken is a single token of a Soniox response.
type sonioxToken struct {
	Text       string     `json:"text"`
	StartMs    float64    `json:"start_ms"`
	EndMs      float64    `json:"end_ms"`
	Confidence float64    `json:"confidence"`
	IsFinal    bool       `json:"is_final"`
	Speaker    speakerTag `json:"speaker"`
	Language   string     `json:"language"`
}

// speakerTag is the speaker of a token. It may arrive as a JSON string or a
// number and is kept in its text form.
type speakerTag string

func (s *speakerTag) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = speakerTag(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("soniox: speaker %s: %w", b, err)
	}
	*s = speakerTag(n.String())
	return nil
}

// sonioxResponse is the JSON structure of every server message.
type sonioxResponse struct {
	Tokens           []sonioxToken `json:"tokens"`
	FinalAudioProcMs float64       `json:"final_audio_proc_ms"`
	TotalAudioProcMs float64       `json:"total_audio_proc_ms"`
	Finished         bool          `json:"finished"`
	ErrorCode        int           `json:"error_code"`
	ErrorMessage     string        `json:"error_message"`
}

// session is a live Soniox streaming session. It implements stt.SessionHandle.
type session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	events chan stt.Event
	audio  chan []byte

	finish     chan struct{}
	finishOnce sync.Once
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// SendAudio queues a PCM chunk for delivery.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.finish:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Events returns the result stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Finish asks the write loop to flush queued audio and send the end-of-audio
// frame.
func (s *session) Finish() error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	s.finishOnce.Do(func() { close(s.finish) })
	return nil
}

// Close terminates the session without waiting for pending results.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop forwards queued audio as binary frames. After Finish it drains the
// queue and sends an empty frame, which Soniox treats as end of audio.
func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.finish:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					_ = s.conn.Write(s.ctx, websocket.MessageBinary, []byte{})
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

// readLoop decodes server messages into events until a terminal message, a
// connection failure, or Close.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.emit(stt.Event{Kind: stt.EventError, Err: connError(err)})
			return
		}

		ev, terminal, ok := parseResponse(msg)
		if !ok {
			slog.Warn("soniox: dropping undecodable message", "bytes", len(msg))
			continue
		}
		if ev.Kind == stt.EventTokens && len(ev.Tokens) == 0 && !terminal {
			continue
		}
		if ev.Kind == stt.EventFinished && len(ev.Tokens) > 0 {
			s.emit(stt.Event{Kind: stt.EventTokens, Tokens: ev.Tokens})
			ev.Tokens = nil
		}
		s.emit(ev)
		if terminal {
			return
		}
	}
}

func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// connError converts a read failure into the error carried by EventError.
func connError(err error) error {
	if status := websocket.CloseStatus(err); status != -1 {
		return &stt.RemoteError{Code: int(status), Message: "connection closed: " + err.Error()}
	}
	return fmt.Errorf("soniox: read: %w", err)
}

// parseResponse converts a raw server message into an event. terminal is true
// for finished and error messages. ok is false for undecodable messages.
func parseResponse(data []byte) (ev stt.Event, terminal bool, ok bool) {
	var resp sonioxResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Event{}, false, false
	}
	if resp.ErrorCode != 0 || resp.ErrorMessage != "" {
		return stt.Event{
			Kind: stt.EventError,
			Err:  &stt.RemoteError{Code: resp.ErrorCode, Message: resp.ErrorMessage},
		}, true, true
	}

	tokens := make([]stt.Token, 0, len(resp.Tokens))
	for _, t := range resp.Tokens {
		tokens = append(tokens, stt.Token{
			Text:       t.Text,
			IsFinal:    t.IsFinal,
			Speaker:    string(t.Speaker),
			Start:      msToDuration(t.StartMs),
			End:        msToDuration(t.EndMs),
			Confidence: t.Confidence,
			Language:   t.Language,
		})
	}
	if resp.Finished {
		return stt.Event{Kind: stt.EventFinished, Tokens: tokens}, true, true
	}
	return stt.Event{Kind: stt.EventTokens, Tokens: tokens}, false, true
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
