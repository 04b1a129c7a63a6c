package model

import "time"

// UnknownAuthor is assigned to inbound messages that carry no author.
const UnknownAuthor = "unknown"

// Origin tells where a visible message came from.
type Origin string

const (
	OriginLocalPending   Origin = "local-pending"
	OriginLocalConfirmed Origin = "local-confirmed"
	OriginRemote         Origin = "remote"
)

type Message struct {
	ID     string    `json:"id"`
	Author string    `json:"author"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
	Room   string    `json:"room"`
	Origin Origin    `json:"origin"`
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session is the client's belief about the currently authenticated user.
// Empty Identifier means nobody is logged in.
type Session struct {
	Identifier    string `json:"identifier,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// Anonymous is the session returned on every failure path.
func Anonymous() Session {
	return Session{}
}

type Credentials struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type Profile struct {
	Username   string `json:"username"`
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Identity is what the backend tells about the current user.
type Identity struct {
	Username string         `json:"username"`
	Claims   map[string]any `json:"-"`
}

// OutboundFrame is written to the realtime transport for every sent message.
type OutboundFrame struct {
	Body   string `json:"body"`
	Room   string `json:"room"`
	Author string `json:"author"`
}
