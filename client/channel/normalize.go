package channel

import (
	"strings"
	"time"

	"github.com/adwski/chatroom/client/model"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Field name variants seen in inbound events, highest precedence first.
var (
	idFields        = []string{"id", "_id", "messageId", "message_id"}
	bodyFields      = []string{"body", "text", "message", "content"}
	authorFields    = []string{"author", "username", "sender", "user", "author.username", "sender.username", "user.username"}
	timestampFields = []string{"timestamp", "sentAt", "sent_at", "createdAt", "created_at", "ts"}
	roomFields      = []string{"room", "roomId", "room_id"}
	payloadFields   = []string{"payload", "data"}
)

var synthesizedIDSpace = uuid.MustParse("8b1f3c52-6f0e-4f4e-9c55-2b8f2a7d4a10")

type frameKind int

const (
	frameMessage frameKind = iota
	frameHistory
	frameUsers
	frameError
	frameIgnored
)

// inbound is one transport frame after normalization. Messages carry no
// Origin yet; that depends on the channel's identity.
type inbound struct {
	kind     frameKind
	messages []model.Message
	users    []string
	text     string
}

func parseFrame(raw []byte, room string, receivedAt time.Time) (inbound, error) {
	if !gjson.ValidBytes(raw) {
		return inbound{}, errMalformedEvent
	}
	root := gjson.ParseBytes(raw)

	switch {
	case root.IsArray():
		return inbound{kind: frameHistory, messages: normalizeBatch(root, room, receivedAt)}, nil
	case root.Type == gjson.String:
		return textFrame(gjson.Parse(`{}`), root.String(), room, receivedAt), nil
	case !root.IsObject():
		return inbound{}, errMalformedEvent
	}

	typ := root.Get("type")
	if typ.Type != gjson.String {
		return messageFrame(root, room, receivedAt), nil
	}

	switch strings.ToLower(strings.NewReplacer("_", " ", ".", " ", "-", " ").Replace(typ.String())) {
	case "message", "chat message", "message new", "new message":
		payload := payloadOf(root)
		if payload.Type == gjson.String {
			// bare text payload, the envelope carries the rest
			return textFrame(root, payload.String(), room, receivedAt), nil
		}
		return messageFrame(payload, room, receivedAt), nil
	case "history", "chat history":
		list := payloadOf(root)
		if list.IsObject() {
			list = list.Get("messages")
		}
		return inbound{kind: frameHistory, messages: normalizeBatch(list, room, receivedAt)}, nil
	case "users", "user list", "online users", "presence":
		list := payloadOf(root)
		if list.IsObject() {
			list = list.Get("users")
		}
		return inbound{kind: frameUsers, users: normalizeUsers(list)}, nil
	case "error":
		text := firstString(root, "error", "message")
		if text == "" {
			text = payloadOf(root).String()
		}
		return inbound{kind: frameError, text: text}, nil
	default:
		if firstString(root, bodyFields...) != "" {
			return messageFrame(root, room, receivedAt), nil
		}
		return inbound{kind: frameIgnored, text: typ.String()}, nil
	}
}

func messageFrame(v gjson.Result, room string, receivedAt time.Time) inbound {
	msg, ok := normalizeMessage(v, room, receivedAt)
	if !ok {
		return inbound{kind: frameIgnored}
	}
	return inbound{kind: frameMessage, messages: []model.Message{msg}}
}

// textFrame builds a message from the fields of v with body text.
func textFrame(v gjson.Result, text, room string, receivedAt time.Time) inbound {
	msg, ok := normalizeWithBody(v, text, room, receivedAt)
	if !ok {
		return inbound{kind: frameIgnored}
	}
	return inbound{kind: frameMessage, messages: []model.Message{msg}}
}

func payloadOf(root gjson.Result) gjson.Result {
	for _, f := range payloadFields {
		if v := root.Get(f); v.Exists() {
			return v
		}
	}
	for _, f := range []string{"messages", "users"} {
		if v := root.Get(f); v.Exists() {
			return v
		}
	}
	return root
}

func normalizeBatch(list gjson.Result, room string, receivedAt time.Time) []model.Message {
	var out []model.Message
	list.ForEach(func(_, v gjson.Result) bool {
		if msg, ok := normalizeMessage(v, room, receivedAt); ok {
			out = append(out, msg)
		}
		return true
	})
	return out
}

func normalizeUsers(list gjson.Result) []string {
	users := make([]string, 0)
	list.ForEach(func(_, v gjson.Result) bool {
		var name string
		if v.Type == gjson.String {
			name = v.String()
		} else {
			name = firstString(v, "username", "user", "name")
		}
		if name != "" {
			users = append(users, name)
		}
		return true
	})
	return users
}

// normalizeMessage maps any inbound record onto the canonical Message shape.
// Missing fields are defaulted; false is returned only for records that belong
// to a different room.
func normalizeMessage(v gjson.Result, room string, receivedAt time.Time) (model.Message, bool) {
	return normalizeWithBody(v, firstString(v, bodyFields...), room, receivedAt)
}

// normalizeWithBody is normalizeMessage for records whose text lives outside v.
func normalizeWithBody(v gjson.Result, body, room string, receivedAt time.Time) (model.Message, bool) {
	msg := model.Message{
		ID:     firstID(v),
		Author: firstString(v, authorFields...),
		Body:   body,
		Room:   firstString(v, roomFields...),
	}
	if msg.Room == "" {
		msg.Room = room
	} else if room != "" && msg.Room != room {
		return model.Message{}, false
	}
	if msg.Author == "" {
		msg.Author = model.UnknownAuthor
	}

	ts, ok := firstTimestamp(v)
	if ok {
		msg.SentAt = ts
	} else {
		msg.SentAt = receivedAt
	}

	if msg.ID == "" {
		if ok {
			key := msg.Room + "\x00" + msg.Author + "\x00" + msg.Body + "\x00" + ts.UTC().Format(time.RFC3339Nano)
			msg.ID = uuid.NewSHA1(synthesizedIDSpace, []byte(key)).String()
		} else {
			msg.ID = uuid.NewString()
		}
	}
	return msg, true
}

func firstString(v gjson.Result, fields ...string) string {
	for _, f := range fields {
		if r := v.Get(f); r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

func firstID(v gjson.Result) string {
	for _, f := range idFields {
		r := v.Get(f)
		if (r.Type == gjson.String || r.Type == gjson.Number) && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
}

func firstTimestamp(v gjson.Result) (time.Time, bool) {
	for _, f := range timestampFields {
		if ts, ok := parseTimestamp(v.Get(f)); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseTimestamp(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.String:
		s := strings.TrimSpace(v.String())
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		return epoch(v.Float())
	case gjson.Number:
		return epoch(v.Float())
	default:
		return time.Time{}, false
	}
}

// maxEpochMillis is far beyond any real timestamp and well inside int64.
const maxEpochMillis = 1e15

// epoch accepts both seconds and milliseconds since the Unix epoch.
func epoch(n float64) (time.Time, bool) {
	if !(n > 0) || n > maxEpochMillis {
		return time.Time{}, false
	}
	if n >= 1e12 {
		return time.UnixMilli(int64(n)), true
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)), true
}
