package service

import (
	"context"
	"errors"

	"github.com/adwski/chatroom/client/channel"
	"github.com/adwski/chatroom/client/model"
	"github.com/rs/zerolog"
)

var (
	ErrNotLoggedIn = errors.New("not logged in")
	ErrJoin        = errors.New("unable to join room")
	ErrSend        = errors.New("unable to send message")
)

type (
	SessionProvider interface {
		Resolve(ctx context.Context) model.Session
		Current() model.Session
		Login(ctx context.Context, creds model.Credentials) (model.Session, error)
		Register(ctx context.Context, profile model.Profile) (model.Session, error)
		Logout(ctx context.Context)
	}

	RoomChannel interface {
		Open(room, identity string) error
		Close()
		Send(ctx context.Context, body string) (model.Message, error)
		Room() string
		Active() bool
		Messages() []model.Message
		Users() []string
		OnMessage(h func(channel.MessageEvent)) func()
		OnConnectionChange(h func(model.ConnectionState)) func()
		OnUsers(h func([]string)) func()
	}

	Service struct {
		session SessionProvider
		ch      RoomChannel
		logger  zerolog.Logger
	}

	Config struct {
		Session SessionProvider
		Channel RoomChannel
		Logger  *zerolog.Logger
	}
)

// NewService ties the session to the room channel: the channel only ever
// runs on behalf of the currently authenticated user.
func NewService(cfg Config) *Service {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Service{
		session: cfg.Session,
		ch:      cfg.Channel,
		logger:  logger.With().Str("component", "service").Logger(),
	}
}

// Start resolves who is logged in.
func (svc *Service) Start(ctx context.Context) model.Session {
	s := svc.session.Resolve(ctx)
	svc.logger.Debug().
		Str("identifier", s.Identifier).
		Bool("authenticated", s.Authenticated).
		Msg("session resolved")
	return s
}

func (svc *Service) Session() model.Session {
	return svc.session.Current()
}

func (svc *Service) Login(ctx context.Context, creds model.Credentials) (model.Session, error) {
	s, err := svc.session.Login(ctx, creds)
	if err != nil {
		return s, err
	}
	svc.rejoin(s)
	return s, nil
}

func (svc *Service) Register(ctx context.Context, profile model.Profile) (model.Session, error) {
	s, err := svc.session.Register(ctx, profile)
	if err != nil {
		return s, err
	}
	svc.rejoin(s)
	return s, nil
}

// Join opens room as the current user, leaving any other room first.
func (svc *Service) Join(room string) error {
	s := svc.session.Current()
	if !s.Authenticated {
		return ErrNotLoggedIn
	}
	if svc.ch.Active() && svc.ch.Room() != room {
		svc.ch.Close()
	}
	if err := svc.ch.Open(room, s.Identifier); err != nil {
		return errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Str("identifier", s.Identifier).
		Str("room", room).
		Msg("joined room")
	return nil
}

func (svc *Service) Leave() {
	svc.ch.Close()
}

// Logout disconnects before dropping the session so nothing is sent on
// behalf of a logged out user.
func (svc *Service) Logout(ctx context.Context) {
	svc.ch.Close()
	svc.session.Logout(ctx)
}

func (svc *Service) Send(ctx context.Context, body string) (model.Message, error) {
	msg, err := svc.ch.Send(ctx, body)
	if err != nil {
		return model.Message{}, errors.Join(ErrSend, err)
	}
	return msg, nil
}

// Messages is the visible message stream of the open room.
func (svc *Service) Messages() []model.Message {
	return svc.ch.Messages()
}

func (svc *Service) Users() []string {
	return svc.ch.Users()
}

func (svc *Service) OnMessage(h func(channel.MessageEvent)) func() {
	return svc.ch.OnMessage(h)
}

func (svc *Service) OnConnectionChange(h func(model.ConnectionState)) func() {
	return svc.ch.OnConnectionChange(h)
}

func (svc *Service) OnUsers(h func([]string)) func() {
	return svc.ch.OnUsers(h)
}

// rejoin moves an open room over to a new identity after login. A failed
// login leaves the room to the session it still belongs to.
func (svc *Service) rejoin(s model.Session) {
	if !svc.ch.Active() {
		return
	}
	room := svc.ch.Room()
	svc.ch.Close()
	if !s.Authenticated {
		return
	}
	if err := svc.ch.Open(room, s.Identifier); err != nil {
		svc.logger.Error().Err(err).Str("room", room).Msg("failed to rejoin room")
	}
}
