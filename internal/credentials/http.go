package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 512

	defaultSonioxEndpoint = "https://api.soniox.com/v1/auth/temporary-api-key"
	defaultSonioxTTL      = 5 * time.Minute
)

// HTTPIssuer asks an application endpoint for a session key. The endpoint
// answers a POST with {"apiKey": "...", "websocketUrl": "...", "expiresAt": ...}
// where expiresAt is an RFC 3339 string or epoch milliseconds.
type HTTPIssuer struct {
	endpoint  string
	authToken string
	client    *http.Client
}

// HTTPOption configures an [HTTPIssuer] or [SonioxIssuer].
type HTTPOption func(*httpOptions)

type httpOptions struct {
	client  *http.Client
	timeout time.Duration
	ttl     time.Duration
	url     string
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *httpOptions) { o.client = c }
}

// WithTimeout bounds each issuance request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(o *httpOptions) { o.timeout = d }
}

// WithTTL sets the requested lifetime of a minted key ([SonioxIssuer] only).
func WithTTL(d time.Duration) HTTPOption {
	return func(o *httpOptions) { o.ttl = d }
}

// WithEndpoint overrides the issuance URL ([SonioxIssuer] only).
func WithEndpoint(url string) HTTPOption {
	return func(o *httpOptions) { o.url = url }
}

func buildOptions(opts []HTTPOption) httpOptions {
	o := httpOptions{timeout: defaultTimeout, ttl: defaultSonioxTTL}
	for _, fn := range opts {
		fn(&o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: o.timeout}
	}
	return o
}

// NewHTTPIssuer returns an issuer for endpoint. authToken, if set, is sent as
// a bearer token.
func NewHTTPIssuer(endpoint, authToken string, opts ...HTTPOption) (*HTTPIssuer, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("credentials: http issuer needs an endpoint")
	}
	o := buildOptions(opts)
	return &HTTPIssuer{endpoint: endpoint, authToken: authToken, client: o.client}, nil
}

type appTokenResponse struct {
	APIKey       string `json:"apiKey"`
	WebsocketURL string `json:"websocketUrl"`
	ExpiresAt    expiry `json:"expiresAt"`
}

// Issue implements [Issuer].
func (h *HTTPIssuer) Issue(ctx context.Context) (Token, error) {
	var resp appTokenResponse
	if err := postJSON(ctx, h.client, h.endpoint, h.authToken, nil, &resp); err != nil {
		return Token{}, err
	}
	if resp.APIKey == "" {
		return Token{}, ErrNoKey
	}
	return Token{
		APIKey:       resp.APIKey,
		WebsocketURL: resp.WebsocketURL,
		ExpiresAt:    time.Time(resp.ExpiresAt),
	}, nil
}

// SonioxIssuer mints temporary keys from Soniox's REST API using a master
// key, so the master key never leaves this process.
type SonioxIssuer struct {
	masterKey string
	url       string
	ttl       time.Duration
	client    *http.Client
}

// NewSonioxIssuer returns an issuer minting keys with masterKey.
func NewSonioxIssuer(masterKey string, opts ...HTTPOption) (*SonioxIssuer, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("credentials: soniox issuer needs a master key")
	}
	o := buildOptions(opts)
	if o.url == "" {
		o.url = defaultSonioxEndpoint
	}
	return &SonioxIssuer{masterKey: masterKey, url: o.url, ttl: o.ttl, client: o.client}, nil
}

type sonioxKeyRequest struct {
	UsageType        string `json:"usage_type"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

type sonioxKeyResponse struct {
	APIKey    string `json:"api_key"`
	ExpiresAt expiry `json:"expires_at"`
}

// Issue implements [Issuer].
func (s *SonioxIssuer) Issue(ctx context.Context) (Token, error) {
	req := sonioxKeyRequest{
		UsageType:        "transcribe_websocket",
		ExpiresInSeconds: max(int(s.ttl/time.Second), 1),
	}
	var resp sonioxKeyResponse
	if err := postJSON(ctx, s.client, s.url, s.masterKey, req, &resp); err != nil {
		return Token{}, err
	}
	if resp.APIKey == "" {
		return Token{}, ErrNoKey
	}
	return Token{APIKey: resp.APIKey, ExpiresAt: time.Time(resp.ExpiresAt)}, nil
}

// postJSON POSTs body (or an empty object) and decodes the JSON answer.
func postJSON(ctx context.Context, client *http.Client, url, bearer string, body, out any) error {
	payload := []byte("{}")
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("credentials: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("credentials: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("credentials: request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("credentials: decode response: %w", err)
	}
	return nil
}
