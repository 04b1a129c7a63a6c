package session

import (
	"context"
	"sync"

	"github.com/adwski/chatroom/client/model"
	"github.com/rs/zerolog"
)

type (
	// Backend is the HTTP contract the provider relies on.
	Backend interface {
		Login(ctx context.Context, creds model.Credentials) (model.Identity, error)
		Register(ctx context.Context, profile model.Profile) (model.Identity, error)
		Logout(ctx context.Context) error
		Me(ctx context.Context) (model.Identity, error)
	}

	// TokenReader is implemented by backends that can name the user from the
	// session token they hold, without a network call.
	TokenReader interface {
		TokenIdentity() (model.Identity, bool)
	}

	Cache interface {
		Get(ctx context.Context) (string, error)
		Set(ctx context.Context, username string) error
		Clear(ctx context.Context) error
	}

	Config struct {
		Logger  *zerolog.Logger
		Backend Backend
		Cache   Cache
	}

	// Provider is the single source of truth for who is logged in. Only
	// Login, Register and Logout write the cache, and at most one backend
	// call is in flight at any time.
	Provider struct {
		backend Backend
		cache   Cache
		logger  zerolog.Logger

		mx      *sync.Mutex
		current model.Session
	}
)

func NewProvider(cfg Config) *Provider {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Provider{
		backend: cfg.Backend,
		cache:   cfg.Cache,
		logger:  logger.With().Str("component", "session").Logger(),
		mx:      &sync.Mutex{},
	}
}

// Current returns the last resolved session.
func (p *Provider) Current() model.Session {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.current
}

// Resolve finds out who is logged in, first from the cache, then by asking
// the backend. Every failure yields an anonymous session.
func (p *Provider) Resolve(ctx context.Context) model.Session {
	p.mx.Lock()
	defer p.mx.Unlock()

	if username, err := p.cache.Get(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("failed to read identity cache")
	} else if username != "" {
		p.current = authenticated(username)
		p.logger.Debug().Str("identifier", username).Msg("session resolved from cache")
		return p.current
	}

	id, err := p.backend.Me(ctx)
	if err != nil || id.Username == "" {
		p.logger.Debug().Err(err).Msg("no active session")
		p.current = model.Anonymous()
		return p.current
	}
	p.current = authenticated(id.Username)
	p.logger.Debug().Str("identifier", id.Username).Msg("session resolved from backend")
	return p.current
}

func (p *Provider) Login(ctx context.Context, creds model.Credentials) (model.Session, error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	id, err := p.backend.Login(ctx, creds)
	if err != nil {
		return p.failLocked("login", err)
	}
	return p.establishLocked(ctx, id)
}

// Register creates the account and logs it in.
func (p *Provider) Register(ctx context.Context, profile model.Profile) (model.Session, error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	id, err := p.backend.Register(ctx, profile)
	if err != nil {
		return p.failLocked("register", err)
	}
	if id.Username == "" {
		id.Username = profile.Username
	}
	return p.establishLocked(ctx, id)
}

// Logout always succeeds locally; telling the backend is best-effort.
func (p *Provider) Logout(ctx context.Context) {
	p.mx.Lock()
	defer p.mx.Unlock()

	previous := p.current.Identifier
	p.current = model.Anonymous()
	if err := p.cache.Clear(ctx); err != nil {
		p.logger.Error().Err(err).Msg("failed to clear identity cache")
	}
	if err := p.backend.Logout(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("backend logout failed")
	}
	p.logger.Debug().Str("identifier", previous).Msg("logged out")
}

// establishLocked settles the identity after a successful login: the
// response body first, then the token cookie, then /me.
func (p *Provider) establishLocked(ctx context.Context, id model.Identity) (model.Session, error) {
	username := id.Username
	if username == "" {
		if tr, ok := p.backend.(TokenReader); ok {
			if tokenID, ok := tr.TokenIdentity(); ok {
				username = tokenID.Username
			}
		}
	}
	if username == "" {
		me, err := p.backend.Me(ctx)
		if err != nil {
			return p.dropLocked(ctx, err)
		}
		username = me.Username
	}
	if username == "" {
		return p.dropLocked(ctx, ErrNoIdentity)
	}

	if err := p.cache.Set(ctx, username); err != nil {
		p.logger.Error().Err(err).Msg("failed to write identity cache")
	}
	p.current = authenticated(username)
	p.logger.Info().Str("identifier", username).Msg("logged in")
	return p.current, nil
}

// failLocked reports a rejected login or registration. The backend kept its
// old session cookie, so the current session and the cache stay as they are.
func (p *Provider) failLocked(op string, err error) (model.Session, error) {
	authErr := newAuthError(err)
	p.logger.Warn().Err(err).Str("op", op).Int("status", authErr.Status).Msg("authentication failed")
	return p.current, authErr
}

// dropLocked handles a login the backend accepted but whose user could not be
// told. Whatever was cached belongs to the replaced cookie and goes too.
func (p *Provider) dropLocked(ctx context.Context, err error) (model.Session, error) {
	p.current = model.Anonymous()
	if cerr := p.cache.Clear(ctx); cerr != nil {
		p.logger.Error().Err(cerr).Msg("failed to clear identity cache")
	}
	return p.failLocked("identity check", err)
}

func authenticated(username string) model.Session {
	return model.Session{Identifier: username, Authenticated: true}
}
