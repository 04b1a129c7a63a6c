package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adwski/chatroom/client/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultLoginField    = "identifier"
	defaultMaxBodySize   = 4 << 20
	defaultTokenCookie   = "token"
	contentTypeJSON      = "application/json"
	historyLimitParam    = "limit"
	historyRoomParam     = "room"
	chatTokenUserField   = "username"
	responseErrorField   = "error"
	responseMessageField = "message"
)

var (
	ErrBadBaseURL  = errors.New("invalid api base url")
	ErrRequest     = errors.New("request failed")
	ErrBadResponse = errors.New("unexpected response")
	ErrNoToken     = errors.New("no token in response")
)

// Field names under which the backend may report the user's name.
var usernameFields = []string{"username", "user.username", "identifier", "name", "email", "user.email"}

// StatusError is a non-2xx answer. Message is the backend's error text
// verbatim when it sent one.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return e.Message
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

type Endpoints struct {
	Login     string
	Register  string
	Logout    string
	Me        string
	History   string
	ChatToken string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:     "/login",
		Register:  "/register",
		Logout:    "/logout",
		Me:        "/me",
		History:   "/chat/history",
		ChatToken: "/chat/token",
	}
}

type Config struct {
	Logger    *zerolog.Logger
	BaseURL   string
	Endpoints Endpoints
	// LoginField is the JSON name of the login identifier, e.g. "email".
	LoginField string
	Timeout    time.Duration
	Jar        http.CookieJar
	HTTPClient *http.Client
}

// Client talks to the chat backend's HTTP API. Auth state lives in cookies,
// so every request shares one cookie jar.
type Client struct {
	logger     zerolog.Logger
	base       *url.URL
	endpoints  Endpoints
	loginField string
	jar        http.CookieJar
	hc         *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Join(ErrBadBaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, ErrBadBaseURL
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	c := &Client{
		logger:     logger.With().Str("component", "api-client").Logger(),
		base:       base,
		endpoints:  cfg.Endpoints,
		loginField: cfg.LoginField,
		jar:        cfg.Jar,
		hc:         cfg.HTTPClient,
	}
	if c.endpoints == (Endpoints{}) {
		c.endpoints = DefaultEndpoints()
	}
	if c.loginField == "" {
		c.loginField = defaultLoginField
	}
	if c.jar == nil {
		if c.jar, err = cookiejar.New(nil); err != nil {
			return nil, err
		}
	}
	if c.hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.hc = &http.Client{Timeout: timeout}
	}
	c.hc.Jar = c.jar
	return c, nil
}

// Jar is the cookie jar holding the session cookies; the websocket dialer
// shares it.
func (c *Client) Jar() http.CookieJar {
	return c.jar
}

func (c *Client) Login(ctx context.Context, creds model.Credentials) (model.Identity, error) {
	body := map[string]string{
		c.loginField: creds.Identifier,
		"password":   creds.Password,
	}
	return c.identityCall(ctx, c.endpoints.Login, body)
}

func (c *Client) Register(ctx context.Context, profile model.Profile) (model.Identity, error) {
	body := map[string]string{
		"username":   profile.Username,
		c.loginField: profile.Identifier,
		"password":   profile.Password,
	}
	return c.identityCall(ctx, c.endpoints.Register, body)
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, c.endpoints.Logout, nil, nil)
	return err
}

func (c *Client) Me(ctx context.Context) (model.Identity, error) {
	b, err := c.do(ctx, http.MethodGet, c.endpoints.Me, nil, nil)
	if err != nil {
		return model.Identity{}, err
	}
	return parseIdentity(b), nil
}

// History returns up to limit raw message records of room, oldest first.
func (c *Client) History(ctx context.Context, room string, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set(historyRoomParam, room)
	if limit > 0 {
		q.Set(historyLimitParam, strconv.Itoa(limit))
	}
	b, err := c.do(ctx, http.MethodGet, c.endpoints.History, q, nil)
	if err != nil {
		return nil, err
	}

	list := gjson.ParseBytes(b)
	if list.IsObject() {
		for _, f := range []string{"messages", "data", "history"} {
			if v := list.Get(f); v.IsArray() {
				list = v
				break
			}
		}
	}
	if !list.IsArray() {
		return nil, ErrBadResponse
	}
	records := make([]json.RawMessage, 0, len(list.Array()))
	list.ForEach(func(_, v gjson.Result) bool {
		records = append(records, json.RawMessage(v.Raw))
		return true
	})
	return records, nil
}

// ChatToken asks the backend for a realtime token for username.
func (c *Client) ChatToken(ctx context.Context, username string) (string, error) {
	b, err := c.do(ctx, http.MethodPost, c.endpoints.ChatToken, nil, map[string]string{chatTokenUserField: username})
	if err != nil {
		return "", err
	}
	token := gjson.GetBytes(b, "token").String()
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// TokenIdentity reads the identity from the session token cookie without
// verifying its signature. The backend remains the authority; this only
// spares a /me round trip.
func (c *Client) TokenIdentity() (model.Identity, bool) {
	var raw string
	for _, cookie := range c.jar.Cookies(c.base) {
		if cookie.Name == defaultTokenCookie {
			raw = cookie.Value
			break
		}
	}
	if raw == "" {
		return model.Identity{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		c.logger.Debug().Err(err).Msg("token cookie is not a jwt")
		return model.Identity{}, false
	}
	for _, f := range []string{"username", "name", "email", "sub"} {
		if v, ok := claims[f].(string); ok && v != "" {
			return model.Identity{Username: v, Claims: claims}, true
		}
	}
	return model.Identity{}, false
}

func (c *Client) identityCall(ctx context.Context, path string, body any) (model.Identity, error) {
	b, err := c.do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return model.Identity{}, err
	}
	return parseIdentity(b), nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Join(ErrRequest, err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, errors.Join(ErrRequest, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBodySize))
	if err != nil {
		return nil, errors.Join(ErrRequest, err)
	}

	c.logger.Trace().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(resp.StatusCode, b)}
	}
	return b, nil
}

func errorMessage(code int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, f := range []string{responseErrorField, responseMessageField, "error.message"} {
			if v := gjson.GetBytes(body, f); v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 256 && !strings.ContainsAny(text, "{<") {
		return text
	}
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}

func parseIdentity(body []byte) model.Identity {
	id := model.Identity{}
	for _, f := range usernameFields {
		if v := gjson.GetBytes(body, f); v.Type == gjson.String && v.String() != "" {
			id.Username = v.String()
			break
		}
	}
	if claims, ok := gjson.ParseBytes(body).Value().(map[string]any); ok {
		id.Claims = claims
	}
	return id
}
