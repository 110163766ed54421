// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Deepgram reports whole utterance alternatives rather than tokens. With
// diarization enabled every word carries a speaker index, so each word is
// mapped onto one stt.Token. Interim results restate the current utterance
// and are replaced by the next message, which matches the non-final token
// semantics of the stt package.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lessonscribe/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ stt.Provider = (*Provider)(nil)

// StartStream opens a streaming transcription session with Deepgram. The
// handle emits stt.EventStarted as soon as the WebSocket upgrade succeeds.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = p.endpoint
	}
	wsURL, err := p.buildURL(endpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	key := cfg.APIKey
	if key == "" {
		key = p.apiKey
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+key)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
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

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(endpoint string, cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	lang := p.language
	if len(cfg.LanguageHints) > 0 {
		lang = cfg.LanguageHints[0]
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Diarization {
		q.Set("diarize", "true")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramWord is one word of a Deepgram alternative.
type deepgramWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
	Speaker        *int    `json:"speaker"`
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string         `json:"transcript"`
			Confidence float64        `json:"confidence"`
			Words      []deepgramWord `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
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

	// wordsEmitted counts final words so far; the first word of the session
	// carries no leading space.
	wordsEmitted int
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
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

// Finish requests a CloseStream after the queued audio has been sent.
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

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
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
					_ = s.conn.Write(s.ctx, websocket.MessageBinary, chunk)
				default:
					_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and turns them into token
// batches. Deepgram ends a CloseStream by closing the socket normally, which
// is reported as EventFinished.
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
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure {
				s.emit(stt.Event{Kind: stt.EventFinished})
				return
			}
			if status != -1 {
				s.emit(stt.Event{Kind: stt.EventError, Err: &stt.RemoteError{Code: int(status), Message: err.Error()}})
				return
			}
			s.emit(stt.Event{Kind: stt.EventError, Err: fmt.Errorf("deepgram: read: %w", err)})
			return
		}

		resp, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		tokens := s.tokensFor(resp)
		if len(tokens) == 0 {
			continue
		}
		s.emit(stt.Event{Kind: stt.EventTokens, Tokens: tokens})
	}
}

func (s *session) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// tokensFor maps a Results message onto tokens. Every word but the very
// first of the session is prefixed with a space so that consumers can
// concatenate tokens verbatim.
func (s *session) tokensFor(resp deepgramResponse) []stt.Token {
	alt := resp.Channel.Alternatives[0]
	tokens := make([]stt.Token, 0, len(alt.Words))
	for i, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		if s.wordsEmitted+i > 0 {
			text = " " + text
		}
		speaker := ""
		if w.Speaker != nil {
			speaker = strconv.Itoa(*w.Speaker)
		}
		tokens = append(tokens, stt.Token{
			Text:       text,
			IsFinal:    resp.IsFinal,
			Speaker:    speaker,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}
	if len(tokens) == 0 && strings.TrimSpace(alt.Transcript) != "" {
		// Some models omit the words array; fall back to the whole transcript.
		text := alt.Transcript
		if s.wordsEmitted > 0 {
			text = " " + text
		}
		tokens = append(tokens, stt.Token{Text: text, IsFinal: resp.IsFinal, Confidence: alt.Confidence})
	}
	if resp.IsFinal {
		s.wordsEmitted += len(tokens)
	}
	return tokens
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message.
// Returns (response, true) for Results messages with at least one alternative,
// or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (deepgramResponse, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return deepgramResponse{}, false
	}
	if resp.Type != "Results" {
		return deepgramResponse{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return deepgramResponse{}, false
	}
	return resp, true
}
