package channel

import (
	"time"

	"github.com/adwski/chatroom/client/model"
)

// messageLog is the visible message stream of one room, ordered by SentAt.
// Entries with equal timestamps keep their arrival order.
type messageLog struct {
	room  string
	items []model.Message
}

func (l *messageLog) reset(room string) {
	l.room = room
	l.items = nil
}

func (l *messageLog) snapshot() []model.Message {
	out := make([]model.Message, len(l.items))
	copy(out, l.items)
	return out
}

func (l *messageLog) has(id string) bool {
	return l.indexOf(id) >= 0
}

func (l *messageLog) indexOf(id string) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *messageLog) insert(msg model.Message) {
	i := len(l.items)
	for i > 0 && l.items[i-1].SentAt.After(msg.SentAt) {
		i--
	}
	l.items = append(l.items, model.Message{})
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = msg
}

func (l *messageLog) remove(id string) (model.Message, bool) {
	i := l.indexOf(id)
	if i < 0 {
		return model.Message{}, false
	}
	msg := l.items[i]
	l.items = append(l.items[:i], l.items[i+1:]...)
	return msg, true
}

// removePending drops a message only while it is still awaiting confirmation.
func (l *messageLog) removePending(id string) (model.Message, bool) {
	i := l.indexOf(id)
	if i < 0 || l.items[i].Origin != model.OriginLocalPending {
		return model.Message{}, false
	}
	return l.remove(id)
}

// matchPending finds the oldest pending message with the same author and body
// sent within window of at.
func (l *messageLog) matchPending(author, body string, at time.Time, window time.Duration) (string, bool) {
	for _, msg := range l.items {
		if msg.Origin != model.OriginLocalPending || msg.Author != author || msg.Body != body {
			continue
		}
		d := at.Sub(msg.SentAt)
		if d < 0 {
			d = -d
		}
		if window <= 0 || d <= window {
			return msg.ID, true
		}
	}
	return "", false
}

// promote replaces a pending entry with its server-confirmed copy.
func (l *messageLog) promote(localID string, confirmed model.Message) bool {
	if _, ok := l.remove(localID); !ok {
		return false
	}
	confirmed.Origin = model.OriginLocalConfirmed
	l.insert(confirmed)
	return true
}
