package channel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/adwski/chatroom/client/model"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const (
	defaultRetryDelay      = time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultReconcileWindow = 30 * time.Second
	defaultHistoryLimit    = 50

	localIDPrefix = "local-"
)

type EventKind string

const (
	// EventAppended means a new entry became visible.
	EventAppended EventKind = "appended"
	// EventConfirmed means the pending entry PreviousID was replaced by Message.
	EventConfirmed EventKind = "confirmed"
	// EventRetracted means the pending entry Message was removed because it
	// could not be sent.
	EventRetracted EventKind = "retracted"
)

type MessageEvent struct {
	Kind       EventKind     `json:"kind"`
	Message    model.Message `json:"message"`
	PreviousID string        `json:"previous_id,omitempty"`
}

type Config struct {
	Logger  *zerolog.Logger
	Dialer  Dialer
	History HistorySource

	HistoryLimit int
	// RetryDelay is the pause before reconnecting after a drop. When
	// MaxRetryDelay is larger, the pause doubles on every consecutive failure.
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	DialTimeout     time.Duration
	ReconcileWindow time.Duration

	AfterFunc AfterFunc
	Now       func() time.Time
}

// Channel keeps one logical connection to one chat room and presents a
// de-duplicated message stream regardless of transport churn.
//
// Every transport callback is tagged with the generation that issued it; gen
// is bumped whenever a connection is abandoned, so late callbacks from an old
// connection or a closed channel are ignored.
type Channel struct {
	logger    zerolog.Logger
	dialer    Dialer
	history   HistorySource
	afterFunc AfterFunc
	now       func() time.Time

	historyLimit    int
	retryDelay      time.Duration
	maxRetryDelay   time.Duration
	dialTimeout     time.Duration
	reconcileWindow time.Duration

	mx            *sync.Mutex
	state         model.ConnectionState
	active        bool
	room          string
	identity      string
	gen           uint64
	conn          Conn
	retry         Timer
	failures      int
	cancelAttempt context.CancelFunc
	log           messageLog
	users         []string

	messageSubs  *hub[MessageEvent]
	stateSubs    *hub[model.ConnectionState]
	presenceSubs *hub[[]string]
}

func New(cfg Config) *Channel {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	ch := &Channel{
		logger:          logger.With().Str("component", "channel").Logger(),
		dialer:          cfg.Dialer,
		history:         cfg.History,
		afterFunc:       cfg.AfterFunc,
		now:             cfg.Now,
		historyLimit:    cfg.HistoryLimit,
		retryDelay:      cfg.RetryDelay,
		maxRetryDelay:   cfg.MaxRetryDelay,
		dialTimeout:     cfg.DialTimeout,
		reconcileWindow: cfg.ReconcileWindow,
		mx:              &sync.Mutex{},
		state:           model.Disconnected,
		messageSubs:     newHub[MessageEvent](),
		stateSubs:       newHub[model.ConnectionState](),
		presenceSubs:    newHub[[]string](),
	}
	if ch.afterFunc == nil {
		ch.afterFunc = realAfterFunc
	}
	if ch.now == nil {
		ch.now = time.Now
	}
	if ch.historyLimit <= 0 {
		ch.historyLimit = defaultHistoryLimit
	}
	if ch.retryDelay <= 0 {
		ch.retryDelay = defaultRetryDelay
	}
	if ch.dialTimeout <= 0 {
		ch.dialTimeout = defaultDialTimeout
	}
	if ch.reconcileWindow <= 0 {
		ch.reconcileWindow = defaultReconcileWindow
	}
	return ch
}

// Open starts connecting to room as identity. It returns as soon as the
// channel is Connecting; connection progress is reported via
// OnConnectionChange. Opening the room that is already open is a no-op.
func (ch *Channel) Open(room, identity string) error {
	if room == "" {
		return ErrNoRoom
	}
	if identity == "" {
		return ErrNoIdentity
	}

	ch.mx.Lock()
	defer ch.mx.Unlock()

	if ch.active {
		if ch.room == room && ch.identity == identity {
			return nil
		}
		return ErrAlreadyOpen
	}
	if ch.log.room != room {
		ch.log.reset(room)
	}
	ch.active = true
	ch.room = room
	ch.identity = identity
	ch.failures = 0

	ch.logger.Debug().Str("room", room).Str("identity", identity).Msg("opening channel")
	ch.connectLocked()
	return nil
}

// Close moves the channel to Disconnected, cancels any pending retry and
// detaches the transport. No transport callback has any effect once Close
// returns. Close is idempotent.
func (ch *Channel) Close() {
	ch.mx.Lock()
	conn := ch.conn
	wasActive := ch.active

	ch.active = false
	ch.gen++
	ch.conn = nil
	ch.users = nil
	ch.stopTimersLocked()
	ch.setStateLocked(model.Disconnected)
	ch.mx.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			ch.logger.Debug().Err(err).Msg("transport close failed")
		}
	}
	if wasActive {
		ch.logger.Debug().Str("room", ch.Room()).Msg("channel closed")
	}
}

// Send shows body in the message stream right away as a pending message and
// then transmits it. When transmission fails the pending entry is retracted
// and a *TransportError is returned.
func (ch *Channel) Send(ctx context.Context, body string) (model.Message, error) {
	if strings.TrimSpace(body) == "" {
		return model.Message{}, ErrEmptyBody
	}

	ch.mx.Lock()
	if ch.state != model.Connected || ch.conn == nil {
		ch.mx.Unlock()
		return model.Message{}, ErrNotConnected
	}
	msg := model.Message{
		ID:     localIDPrefix + xid.New().String(),
		Author: ch.identity,
		Body:   body,
		SentAt: ch.now(),
		Room:   ch.room,
		Origin: model.OriginLocalPending,
	}
	ch.log.insert(msg)
	ch.messageSubs.publish(MessageEvent{Kind: EventAppended, Message: msg})
	conn := ch.conn
	ch.mx.Unlock()

	err := conn.Send(ctx, model.OutboundFrame{Body: msg.Body, Room: msg.Room, Author: msg.Author})
	if err != nil {
		ch.mx.Lock()
		if removed, ok := ch.log.removePending(msg.ID); ok {
			ch.messageSubs.publish(MessageEvent{Kind: EventRetracted, Message: removed})
		}
		ch.mx.Unlock()
		ch.logger.Error().Err(err).Str("id", msg.ID).Msg("failed to send message")
		return model.Message{}, &TransportError{Op: "send", Err: err}
	}
	return msg, nil
}

// OnMessage registers h for message stream changes. The returned func
// removes the subscription.
func (ch *Channel) OnMessage(h func(MessageEvent)) func() {
	return ch.messageSubs.subscribe(h)
}

func (ch *Channel) OnConnectionChange(h func(model.ConnectionState)) func() {
	return ch.stateSubs.subscribe(h)
}

// OnUsers registers h for online user list updates.
func (ch *Channel) OnUsers(h func([]string)) func() {
	return ch.presenceSubs.subscribe(h)
}

func (ch *Channel) State() model.ConnectionState {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.state
}

// Active reports whether the channel is open, including while it waits to
// reconnect.
func (ch *Channel) Active() bool {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.active
}

func (ch *Channel) Room() string {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.room
}

// Messages returns a snapshot of the visible message stream.
func (ch *Channel) Messages() []model.Message {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.log.snapshot()
}

func (ch *Channel) Users() []string {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return append([]string(nil), ch.users...)
}

func (ch *Channel) connectLocked() {
	ch.gen++
	ch.setStateLocked(model.Connecting)

	ctx, cancel := context.WithTimeout(context.Background(), ch.dialTimeout)
	ch.cancelAttempt = cancel
	go ch.attempt(ctx, cancel, ch.gen, ch.room, ch.identity)
}

func (ch *Channel) attempt(ctx context.Context, cancel context.CancelFunc, gen uint64, room, identity string) {
	defer cancel()

	backlog := ch.backfill(ctx, room)
	conn, err := ch.dialer.Dial(ctx, room, identity, Events{
		Frame: func(raw []byte) {
			ch.handleFrame(gen, raw)
		},
		Closed: func(err error) {
			ch.handleClosed(gen, err)
		},
	})

	ch.mx.Lock()
	if !ch.liveLocked(gen) {
		ch.mx.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	ch.cancelAttempt = nil
	ch.seedLocked(backlog)
	if err != nil {
		ch.logger.Warn().Err(err).Str("room", room).Msg("connection attempt failed")
		ch.dropLocked()
		ch.mx.Unlock()
		return
	}
	ch.conn = conn
	ch.failures = 0
	ch.setStateLocked(model.Connected)
	ch.mx.Unlock()

	ch.logger.Info().Str("room", room).Msg("connected")
}

// backfill is best-effort: failures only cost the history.
func (ch *Channel) backfill(ctx context.Context, room string) []model.Message {
	if ch.history == nil {
		return nil
	}
	records, err := ch.history.History(ctx, room, ch.historyLimit)
	if err != nil {
		ch.logger.Warn().Err(err).Str("room", room).Msg("history backfill failed")
		return nil
	}
	var (
		now     = ch.now()
		backlog = make([]model.Message, 0, len(records))
	)
	for _, raw := range records {
		in, err := parseFrame(raw, room, now)
		if err != nil {
			ch.logger.Debug().Err(err).Msg("skipping history record")
			continue
		}
		backlog = append(backlog, in.messages...)
	}
	return backlog
}

func (ch *Channel) handleFrame(gen uint64, raw []byte) {
	ch.mx.Lock()
	defer ch.mx.Unlock()

	if !ch.liveLocked(gen) {
		return
	}
	in, err := parseFrame(raw, ch.room, ch.now())
	if err != nil {
		ch.logger.Debug().Err(err).Int("size", len(raw)).Msg("dropping inbound frame")
		return
	}
	switch in.kind {
	case frameMessage, frameHistory:
		ch.seedLocked(in.messages)
	case frameUsers:
		ch.users = in.users
		ch.presenceSubs.publish(append([]string(nil), in.users...))
	case frameError:
		ch.logger.Warn().Str("error", in.text).Msg("server reported error")
	default:
		ch.logger.Trace().Str("type", in.text).Msg("ignoring inbound frame")
	}
}

func (ch *Channel) handleClosed(gen uint64, err error) {
	ch.mx.Lock()
	defer ch.mx.Unlock()

	if !ch.liveLocked(gen) {
		return
	}
	ch.logger.Warn().Err(err).Str("room", ch.room).Msg("connection lost")
	ch.dropLocked()
}

// dropLocked abandons the current connection and schedules a reconnect.
func (ch *Channel) dropLocked() {
	ch.gen++
	ch.conn = nil
	ch.users = nil
	ch.stopTimersLocked()
	ch.setStateLocked(model.Disconnected)

	delay := ch.retryDelay
	if ch.maxRetryDelay > ch.retryDelay {
		for i := 0; i < ch.failures && delay < ch.maxRetryDelay; i++ {
			delay *= 2
		}
		if delay > ch.maxRetryDelay {
			delay = ch.maxRetryDelay
		}
	}
	ch.failures++

	gen := ch.gen
	ch.retry = ch.afterFunc(delay, func() {
		ch.retryFired(gen)
	})
	ch.logger.Debug().Dur("delay", delay).Int("failures", ch.failures).Msg("reconnect scheduled")
}

func (ch *Channel) retryFired(gen uint64) {
	ch.mx.Lock()
	defer ch.mx.Unlock()

	if !ch.active || gen != ch.gen || ch.state != model.Disconnected {
		return
	}
	ch.retry = nil
	ch.connectLocked()
}

func (ch *Channel) stopTimersLocked() {
	if ch.retry != nil {
		ch.retry.Stop()
		ch.retry = nil
	}
	if ch.cancelAttempt != nil {
		ch.cancelAttempt()
		ch.cancelAttempt = nil
	}
}

func (ch *Channel) liveLocked(gen uint64) bool {
	return ch.active && gen == ch.gen && ch.state != model.Disconnected
}

func (ch *Channel) setStateLocked(s model.ConnectionState) {
	if ch.state == s {
		return
	}
	ch.state = s
	ch.stateSubs.publish(s)
}

// seedLocked merges server-provided messages into the log.
func (ch *Channel) seedLocked(msgs []model.Message) {
	for _, msg := range msgs {
		ch.acceptLocked(msg)
	}
}

func (ch *Channel) acceptLocked(msg model.Message) {
	if ch.log.has(msg.ID) {
		return
	}
	if msg.Author != ch.identity {
		msg.Origin = model.OriginRemote
		ch.log.insert(msg)
		ch.messageSubs.publish(MessageEvent{Kind: EventAppended, Message: msg})
		return
	}

	msg.Origin = model.OriginLocalConfirmed
	if localID, ok := ch.log.matchPending(msg.Author, msg.Body, msg.SentAt, ch.reconcileWindow); ok {
		ch.log.promote(localID, msg)
		ch.messageSubs.publish(MessageEvent{Kind: EventConfirmed, Message: msg, PreviousID: localID})
		return
	}
	ch.log.insert(msg)
	ch.messageSubs.publish(MessageEvent{Kind: EventAppended, Message: msg})
}
