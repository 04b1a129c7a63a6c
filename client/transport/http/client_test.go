package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/adwski/chatroom/client/internal/chattest"
	"github.com/adwski/chatroom/client/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	type args struct {
		baseURL string
	}
	tests := []struct {
		name    string
		args    args
		wantErr bool
	}{
		{name: "http", args: args{baseURL: "http://localhost:8080"}},
		{name: "https with path", args: args{baseURL: "https://chat.example.com/api/"}},
		{name: "websocket scheme", args: args{baseURL: "ws://localhost"}, wantErr: true},
		{name: "garbage", args: args{baseURL: "://"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(Config{BaseURL: tt.args.baseURL})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadBaseURL)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c.Jar())
		})
	}
}

func TestClient_Login(t *testing.T) {
	srv := chattest.NewServer()
	defer srv.Close()
	srv.AddUser("bob", "bob@example.com", "secret")

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Login(context.Background(), model.Credentials{Identifier: "bob@example.com", Password: "wrong"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, "bad credentials", se.Error())

	id, err := c.Login(context.Background(), model.Credentials{Identifier: "bob@example.com", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "bob", id.Username)

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bob", me.Username)

	tokenID, ok := c.TokenIdentity()
	require.True(t, ok)
	assert.Equal(t, "bob", tokenID.Username)

	require.NoError(t, c.Logout(context.Background()))
	_, ok = c.TokenIdentity()
	assert.False(t, ok)

	_, err = c.Me(context.Background())
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode())
}

func TestClient_LoginField(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(`{"user":{"email":"bob@example.com"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, LoginField: "email"})
	require.NoError(t, err)

	id, err := c.Login(context.Background(), model.Credentials{Identifier: "bob@example.com", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "bob@example.com", "password": "secret"}, got)
	assert.Equal(t, "bob@example.com", id.Username)
}

func TestClient_ErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		code        int
		contentType string
		body        string
		want        string
	}{
		{name: "error field", code: http.StatusUnauthorized, body: `{"error":"bad credentials"}`, want: "bad credentials"},
		{name: "message field", code: http.StatusForbidden, body: `{"message":"account locked"}`, want: "account locked"},
		{name: "nested message", code: http.StatusBadRequest, body: `{"error":{"message":"password too short"}}`, want: "password too short"},
		{name: "plain text", code: http.StatusTooManyRequests, contentType: "text/plain", body: "slow down", want: "slow down"},
		{name: "html", code: http.StatusBadGateway, contentType: "text/html", body: "<html>oops</html>", want: "502 Bad Gateway"},
		{name: "empty", code: http.StatusInternalServerError, want: "500 Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.contentType != "" {
					w.Header().Set("Content-Type", tt.contentType)
				}
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(Config{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = c.Login(context.Background(), model.Credentials{Identifier: "x", Password: "y"})
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.want, se.Message)
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Me(context.Background())
	require.ErrorIs(t, err, ErrRequest)
}

func TestClient_History(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "bare array", body: `[{"id":"1"},{"id":"2"}]`, want: 2},
		{name: "messages key", body: `{"messages":[{"id":"1"}]}`, want: 1},
		{name: "data key", body: `{"data":[]}`, want: 0},
		{name: "not a list", body: `{"count":3}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var query url.Values
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				query = r.URL.Query()
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(Config{BaseURL: srv.URL})
			require.NoError(t, err)

			records, err := c.History(context.Background(), "general", 20)
			assert.Equal(t, "general", query.Get("room"))
			assert.Equal(t, "20", query.Get("limit"))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadResponse)
				return
			}
			require.NoError(t, err)
			assert.Len(t, records, tt.want)
		})
	}
}

func TestClient_HistoryFromBackend(t *testing.T) {
	srv := chattest.NewServer()
	defer srv.Close()
	srv.Seed(
		chattest.Record{ID: "a", Username: "bob", Text: "one", Room: "general", Timestamp: 1000},
		chattest.Record{ID: "b", Username: "bob", Text: "two", Room: "general", Timestamp: 2000},
		chattest.Record{ID: "c", Username: "bob", Text: "other", Room: "random", Timestamp: 3000},
	)

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	records, err := c.History(context.Background(), "general", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"id":"b","username":"bob","text":"two","room":"general","timestamp":2000}`, string(records[0]))
}

func TestClient_ChatToken(t *testing.T) {
	srv := chattest.NewServer()
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.ChatToken(context.Background(), "bob")
	var se *StatusError
	require.ErrorAs(t, err, &se)

	srv.Authorize(c.Jar(), "bob")
	token, err := c.ChatToken(context.Background(), "bob")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims["username"])
}

func TestClient_TokenIdentityNotJWT(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://localhost:1"})
	require.NoError(t, err)

	u, _ := url.Parse("http://localhost:1")
	c.Jar().SetCookies(u, []*http.Cookie{{Name: "token", Value: "opaque-session-id", Path: "/"}})

	_, ok := c.TokenIdentity()
	assert.False(t, ok)
}
