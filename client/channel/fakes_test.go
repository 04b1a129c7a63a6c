package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/chatroom/client/model"
)

type fakeDialer struct {
	mx    sync.Mutex
	err   error
	conns []*fakeConn
	calls int
}

func (d *fakeDialer) Dial(_ context.Context, room, identity string, ev Events) (Conn, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{room: room, identity: identity, ev: ev}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mx.Lock()
	d.err = err
	d.mx.Unlock()
}

func (d *fakeDialer) attempts() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.calls
}

func (d *fakeDialer) last() *fakeConn {
	d.mx.Lock()
	defer d.mx.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeConn struct {
	mx       sync.Mutex
	room     string
	identity string
	ev       Events
	sent     []model.OutboundFrame
	sendErr  error
	closed   bool
}

func (c *fakeConn) Send(_ context.Context, frame model.OutboundFrame) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return errors.New("use of closed connection")
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mx.Lock()
	c.closed = true
	c.mx.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}

func (c *fakeConn) frames() []model.OutboundFrame {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]model.OutboundFrame(nil), c.sent...)
}

func (c *fakeConn) deliver(v any) {
	var raw []byte
	switch t := v.(type) {
	case string:
		raw = []byte(t)
	default:
		raw, _ = json.Marshal(t)
	}
	c.ev.Frame(raw)
}

func (c *fakeConn) drop(err error) {
	c.ev.Closed(err)
}

// manualClock collects scheduled retries so tests fire them explicitly.
type manualClock struct {
	mx     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mx.Lock()
	defer t.clock.mx.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func (m *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	m.mx.Lock()
	defer m.mx.Unlock()
	t := &manualTimer{clock: m, delay: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualClock) pending() []time.Duration {
	m.mx.Lock()
	defer m.mx.Unlock()
	var out []time.Duration
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// fire runs every pending timer, including timers stopped after the fact,
// when late is set.
func (m *manualClock) fire(late bool) {
	m.mx.Lock()
	var due []func()
	for _, t := range m.timers {
		if t.fired || (t.stopped && !late) {
			continue
		}
		t.fired = true
		due = append(due, t.f)
	}
	m.mx.Unlock()
	for _, f := range due {
		f()
	}
}

type fakeHistory struct {
	records []json.RawMessage
	err     error
	rooms   []string
	mx      sync.Mutex
}

func (h *fakeHistory) History(_ context.Context, room string, _ int) ([]json.RawMessage, error) {
	h.mx.Lock()
	h.rooms = append(h.rooms, room)
	h.mx.Unlock()
	return h.records, h.err
}

type recorder[T any] struct {
	mx     sync.Mutex
	events []T
}

func (r *recorder[T]) add(ev T) {
	r.mx.Lock()
	r.events = append(r.events, ev)
	r.mx.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]T(nil), r.events...)
}
