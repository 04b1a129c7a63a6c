// Package chattest runs an in-process chat backend speaking the same HTTP
// and websocket contract the client expects. It exists for tests.
package chattest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

const (
	TokenCookie = "token"

	defaultHistorySize = 100
	writeDeadline      = 2 * time.Second
)

var secret = []byte("chattest-secret")

type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Record is a stored chat message as the backend serializes it.
type Record struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Room      string `json:"room"`
	Timestamp int64  `json:"timestamp"`
}

type user struct {
	username   string
	identifier string
	password   string
}

type peer struct {
	mx       *sync.Mutex
	conn     *websocket.Conn
	username string
}

func (p *peer) write(v any) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return p.conn.WriteJSON(v)
}

type Server struct {
	*httptest.Server

	ws *websocket.Upgrader

	mx        *sync.RWMutex
	users     map[string]user
	rooms     map[string]map[*peer]struct{}
	history   map[string][]Record
	frames    []json.RawMessage
	dialsSeen int
}

func NewServer() *Server {
	srv := &Server{
		ws: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mx:      &sync.RWMutex{},
		users:   make(map[string]user),
		rooms:   make(map[string]map[*peer]struct{}),
		history: make(map[string][]Record),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", srv.login)
	mux.HandleFunc("POST /register", srv.register)
	mux.HandleFunc("POST /logout", srv.logout)
	mux.HandleFunc("GET /me", srv.me)
	mux.HandleFunc("GET /chat/history", srv.chatHistory)
	mux.HandleFunc("POST /chat/token", srv.chatToken)
	mux.HandleFunc("/ws", srv.signal)

	srv.Server = httptest.NewServer(mux)
	return srv
}

// WebsocketURL is where clients dial the realtime endpoint.
func (srv *Server) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// AddUser registers an account directly.
func (srv *Server) AddUser(username, identifier, password string) {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	srv.users[identifier] = user{username: username, identifier: identifier, password: password}
}

// Authorize puts a valid session cookie for username into jar.
func (srv *Server) Authorize(jar http.CookieJar, username string) {
	u, _ := url.Parse(srv.URL)
	jar.SetCookies(u, []*http.Cookie{{Name: TokenCookie, Value: signToken(username), Path: "/"}})
}

// Seed appends messages to a room's history.
func (srv *Server) Seed(records ...Record) {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	for _, r := range records {
		srv.history[r.Room] = append(srv.history[r.Room], r)
	}
}

// Frames returns every frame clients sent over websockets.
func (srv *Server) Frames() []json.RawMessage {
	srv.mx.RLock()
	defer srv.mx.RUnlock()
	return append([]json.RawMessage(nil), srv.frames...)
}

// Dials counts accepted websocket connections.
func (srv *Server) Dials() int {
	srv.mx.RLock()
	defer srv.mx.RUnlock()
	return srv.dialsSeen
}

// Online lists the users connected to room.
func (srv *Server) Online(room string) []string {
	srv.mx.RLock()
	defer srv.mx.RUnlock()
	return srv.onlineLocked(room)
}

// Broadcast sends v to everyone in room.
func (srv *Server) Broadcast(room string, v any) {
	srv.mx.RLock()
	peers := make([]*peer, 0, len(srv.rooms[room]))
	for p := range srv.rooms[room] {
		peers = append(peers, p)
	}
	srv.mx.RUnlock()

	for _, p := range peers {
		_ = p.write(v)
	}
}

// DropAll abruptly closes every websocket connection, as a network failure
// would.
func (srv *Server) DropAll() {
	srv.mx.RLock()
	var conns []*websocket.Conn
	for _, room := range srv.rooms {
		for p := range room {
			conns = append(conns, p.conn)
		}
	}
	srv.mx.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (srv *Server) login(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if !readJSON(w, r, &req) {
		return
	}
	identifier := firstOf(req, "identifier", "email", "username")

	srv.mx.RLock()
	u, ok := srv.users[identifier]
	srv.mx.RUnlock()
	if !ok || u.password != req["password"] {
		writeJSON(w, http.StatusUnauthorized, &GenericResponse{Error: "bad credentials"})
		return
	}
	setSession(w, u.username)
	writeJSON(w, http.StatusOK, map[string]string{"username": u.username})
}

func (srv *Server) register(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if !readJSON(w, r, &req) {
		return
	}
	u := user{
		username:   req["username"],
		identifier: firstOf(req, "identifier", "email"),
		password:   req["password"],
	}
	if u.username == "" || u.identifier == "" || u.password == "" {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "username, identifier and password are required"})
		return
	}

	srv.mx.Lock()
	_, exists := srv.users[u.identifier]
	if !exists {
		srv.users[u.identifier] = u
	}
	srv.mx.Unlock()
	if exists {
		writeJSON(w, http.StatusConflict, &GenericResponse{Error: "user already exists"})
		return
	}
	setSession(w, u.username)
	writeJSON(w, http.StatusCreated, map[string]any{"user": map[string]string{"username": u.username}})
}

func (srv *Server) logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: TokenCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) me(w http.ResponseWriter, r *http.Request) {
	username, ok := authenticate(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, &GenericResponse{Error: "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}

func (srv *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultHistorySize
	}

	srv.mx.RLock()
	records := srv.history[room]
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := append([]Record{}, records...)
	srv.mx.RUnlock()

	writeJSON(w, http.StatusOK, out)
}

func (srv *Server) chatToken(w http.ResponseWriter, r *http.Request) {
	username, ok := authenticate(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, &GenericResponse{Error: "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": signToken(username)})
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	username, ok := authenticate(r)
	if !ok || room == "" || username != r.URL.Query().Get("username") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{mx: &sync.Mutex{}, conn: conn, username: username}

	srv.mx.Lock()
	srv.dialsSeen++
	if srv.rooms[room] == nil {
		srv.rooms[room] = make(map[*peer]struct{})
	}
	srv.rooms[room][p] = struct{}{}
	backlog := append([]Record{}, srv.history[room]...)
	online := srv.onlineLocked(room)
	srv.mx.Unlock()

	_ = p.write(map[string]any{"type": "history", "messages": backlog})
	srv.Broadcast(room, map[string]any{"type": "users", "users": online})

	go srv.receive(room, p)
}

func (srv *Server) receive(room string, p *peer) {
	defer func() {
		srv.mx.Lock()
		delete(srv.rooms[room], p)
		online := srv.onlineLocked(room)
		srv.mx.Unlock()
		_ = p.conn.Close()
		srv.Broadcast(room, map[string]any{"type": "users", "users": online})
	}()

	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var in struct {
			Body string `json:"body"`
		}
		if err = json.Unmarshal(msg, &in); err != nil {
			continue
		}
		rec := Record{
			ID:        xid.New().String(),
			Username:  p.username, // never trust the author field sent by clients
			Text:      in.Body,
			Room:      room,
			Timestamp: time.Now().UnixMilli(),
		}
		srv.mx.Lock()
		srv.frames = append(srv.frames, json.RawMessage(msg))
		srv.history[room] = append(srv.history[room], rec)
		srv.mx.Unlock()

		srv.Broadcast(room, map[string]any{"type": "chat message", "payload": rec})
	}
}

func (srv *Server) onlineLocked(room string) []string {
	online := make([]string, 0, len(srv.rooms[room]))
	for p := range srv.rooms[room] {
		online = append(online, p.username)
	}
	return online
}

func signToken(username string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": username,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	s, _ := token.SignedString(secret)
	return s
}

func authenticate(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(TokenCookie)
	if err != nil {
		return "", false
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(cookie.Value, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return "", false
	}
	username, ok := claims["username"].(string)
	return username, ok && username != ""
}

func setSession(w http.ResponseWriter, username string) {
	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    signToken(username),
		Path:     "/",
		HttpOnly: true,
	})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, _ := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "malformed request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
