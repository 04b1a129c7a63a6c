package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/adwski/chatroom/client/channel"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebSocketHandshakeTimeout = 5 * time.Second
	defaultWebsocketReadBufferSize   = 10000
	defaultWebsocketWriteBufferSize  = 10000

	tokenCookieName = "token"
)

var (
	ErrBadURL = errors.New("invalid websocket url")
	ErrDial   = errors.New("unable to connect")
)

type (
	// TokenSource provides a chat token that is presented as the token
	// cookie during the handshake.
	TokenSource func(ctx context.Context, identity string) (string, error)

	Config struct {
		Logger           *zerolog.Logger
		URL              string
		Jar              http.CookieJar
		TokenSource      TokenSource
		HandshakeTimeout time.Duration
	}

	Dialer struct {
		url         *url.URL
		ws          *websocket.Dialer
		tokenSource TokenSource

		logger zerolog.Logger
	}
)

func NewDialer(cfg Config) (*Dialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrBadURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, ErrBadURL
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultWebSocketHandshakeTimeout
	}
	return &Dialer{
		url:         u,
		tokenSource: cfg.TokenSource,
		logger:      logger.With().Str("component", "websocket-dialer").Logger(),
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			Jar:              cfg.Jar,
		},
	}, nil
}

// Dial connects to the room as identity. The returned connection reports
// inbound frames and its termination through ev.
func (d *Dialer) Dial(ctx context.Context, room, identity string, ev channel.Events) (channel.Conn, error) {
	u := *d.url
	q := u.Query()
	q.Set("room", room)
	q.Set("username", identity)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.tokenSource != nil {
		token, err := d.tokenSource(ctx, identity)
		if err != nil {
			d.logger.Warn().Err(err).Msg("chat token unavailable, dialing with session cookies only")
		} else if token != "" {
			header.Set("Cookie", (&http.Cookie{Name: tokenCookieName, Value: token}).String())
		}
	}

	wsConn, resp, err := d.ws.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			d.logger.Debug().Int("status", resp.StatusCode).Msg("handshake rejected")
		}
		return nil, errors.Join(ErrDial, err)
	}

	logger := d.logger.With().
		Str("room", room).
		Str("identity", identity).
		Logger()
	logger.Debug().Str("url", u.Redacted()).Msg("websocket connected")

	return newConn(wsConn, ev, &logger), nil
}
