package chattest

import (
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newHTTPClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func post(t *testing.T, c *http.Client, url, body string) (int, gjson.Result) {
	t.Helper()
	resp, err := c.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return readResponse(t, resp)
}

func get(t *testing.T, c *http.Client, url string) (int, gjson.Result) {
	t.Helper()
	resp, err := c.Get(url)
	require.NoError(t, err)
	return readResponse(t, resp)
}

func readResponse(t *testing.T, resp *http.Response) (int, gjson.Result) {
	t.Helper()
	defer func() {
		_ = resp.Body.Close()
	}()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, gjson.ParseBytes(b)
}

func TestServer_Auth(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	c := newHTTPClient(t)

	code, body := get(t, c, srv.URL+"/me")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", body.Get("error").String())

	code, _ = post(t, c, srv.URL+"/register", `{"username":"bob","identifier":"bob@example.com","password":"pw"}`)
	assert.Equal(t, http.StatusCreated, code)

	code, body = post(t, c, srv.URL+"/register", `{"username":"bob2","identifier":"bob@example.com","password":"pw"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "user already exists", body.Get("error").String())

	code, body = get(t, c, srv.URL+"/me")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "bob", body.Get("username").String())

	code, _ = post(t, c, srv.URL+"/logout", ``)
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, c, srv.URL+"/me")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = post(t, c, srv.URL+"/login", `{"email":"bob@example.com","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "bad credentials", body.Get("error").String())

	code, body = post(t, c, srv.URL+"/login", `{"email":"bob@example.com","password":"pw"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "bob", body.Get("username").String())
}

func TestServer_History(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	srv.Seed(
		Record{ID: "1", Username: "a", Text: "one", Room: "general", Timestamp: 1},
		Record{ID: "2", Username: "a", Text: "two", Room: "general", Timestamp: 2},
		Record{ID: "3", Username: "a", Text: "three", Room: "general", Timestamp: 3},
	)

	code, body := get(t, newHTTPClient(t), srv.URL+"/chat/history?room=general&limit=2")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, `["2","3"]`, body.Get("#.id").Raw)

	_, body = get(t, newHTTPClient(t), srv.URL+"/chat/history?room=empty")
	assert.Equal(t, "[]", body.Raw)
}
