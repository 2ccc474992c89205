// Package transport sends API requests with the session's access token.
package transport

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Sessions is the part of auth.SessionManager the transport needs.
type Sessions interface {
	AccessToken(ctx context.Context) (string, error)
	HandleUnauthorized(ctx context.Context) error
}

// Transport is an http.RoundTripper that adds a bearer token to every
// request. A 401 answer triggers one refresh and one retry.
type Transport struct {
	sessions Sessions
	base     http.RoundTripper
	logger   zerolog.Logger
}

var _ http.RoundTripper = (*Transport)(nil)

type Option func(*Transport)

// WithBase sets the transport requests are sent through. Defaults to
// http.DefaultTransport.
func WithBase(base http.RoundTripper) Option {
	return func(t *Transport) {
		t.base = base
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

func New(sessions Sessions, opts ...Option) *Transport {
	t := &Transport{
		sessions: sessions,
		base:     http.DefaultTransport,
		logger:   log.With().Str("component", "transport").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Client returns an http.Client sending through a new Transport.
func Client(sessions Sessions, opts ...Option) *http.Client {
	return &http.Client{Transport: New(sessions, opts...)}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	resp, err := t.send(req, req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	retry, ok := rewind(req)
	if !ok {
		t.logger.Debug().Str("path", req.URL.Path).Msg("request body cannot be replayed, not retrying after 401")
		return resp, nil
	}
	if err := t.sessions.HandleUnauthorized(ctx); err != nil {
		t.logger.Warn().Err(err).Str("path", req.URL.Path).Msg("refresh after 401 failed")
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	t.logger.Debug().Str("path", req.URL.Path).Msg("retrying with refreshed token")
	return t.send(req, retry)
}

// send takes the token from the context of orig and sends req.
func (t *Transport) send(orig, req *http.Request) (*http.Response, error) {
	rt := &oauth2.Transport{
		Source: tokenSource{ctx: orig.Context(), sessions: t.sessions},
		Base:   t.base,
	}
	return rt.RoundTrip(req)
}

// rewind returns a copy of req with a fresh body, or false when the body
// cannot be read again.
func rewind(req *http.Request) (*http.Request, bool) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	retry.Body = body
	return retry, true
}

// tokenSource adapts Sessions to oauth2.TokenSource for one request.
type tokenSource struct {
	ctx      context.Context
	sessions Sessions
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	accessToken, err := s.sessions.AccessToken(s.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[transport] access token")
	}
	return &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}, nil
}
