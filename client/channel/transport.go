package channel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adwski/chatroom/client/model"
)

type (
	// Events are the callbacks a transport connection reports through.
	// Frame is called sequentially in delivery order. Closed is called at most
	// once, after which the connection delivers nothing else.
	Events struct {
		Frame  func(raw []byte)
		Closed func(err error)
	}

	Conn interface {
		Send(ctx context.Context, frame model.OutboundFrame) error
		Close() error
	}

	Dialer interface {
		Dial(ctx context.Context, room, identity string, ev Events) (Conn, error)
	}

	// HistorySource returns raw historical records for a room, oldest first.
	HistorySource interface {
		History(ctx context.Context, room string, limit int) ([]json.RawMessage, error)
	}

	// Timer is the part of *time.Timer the channel relies on.
	Timer interface {
		Stop() bool
	}

	// AfterFunc schedules f after d, like time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
)

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
