package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/chatroom/client/channel"
	"github.com/adwski/chatroom/client/config"
	"github.com/adwski/chatroom/client/model"
	"github.com/adwski/chatroom/client/service"
	"github.com/adwski/chatroom/client/session"
	"github.com/adwski/chatroom/client/storage"
	apiclient "github.com/adwski/chatroom/client/transport/http"
	"github.com/adwski/chatroom/client/transport/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	cmdQuit   = "/quit"
	cmdLogout = "/logout"
	cmdUsers  = "/users"

	sendTimeout = 5 * time.Second
	timeLayout  = "15:04:05"
)

var (
	errLoggedOut        = errors.New("logged out")
	errNotAuthenticated = errors.New("not logged in, pass --identifier and --password")
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(config.DefaultDotEnv)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		apiURL     = fs.StringP("api", "a", cfg.APIBaseURL, "chat api base url")
		socketURL  = fs.StringP("socket", "s", cfg.WebsocketURL(), "chat websocket url")
		room       = fs.StringP("room", "r", cfg.Room, "room to join")
		identifier = fs.StringP("identifier", "i", "", "login identifier")
		password   = fs.StringP("password", "p", "", "password")
		register   = fs.Bool("register", false, "create the account before joining")
		username   = fs.StringP("username", "u", "", "display name for --register")
		cacheSpec  = fs.StringP("cache", "c", cfg.Cache, "identity cache: memory, file://path or redis://addr/db")
		logLevel   = fs.StringP("log-level", "l", "warn", "log level")
	)
	if err = fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if fs.Changed("api") && !fs.Changed("socket") && cfg.SocketURL == "" {
		cfg.APIBaseURL = *apiURL
		*socketURL = cfg.WebsocketURL()
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = chat(ctx, &logger, cfg, options{
		apiURL:     *apiURL,
		socketURL:  *socketURL,
		room:       *room,
		identifier: *identifier,
		password:   *password,
		username:   *username,
		register:   *register,
		cacheSpec:  *cacheSpec,
	}, os.Stdin, os.Stdout)
	if err != nil {
		logger.Fatal().Err(err).Msg("chat client failed")
	}
}

type options struct {
	apiURL     string
	socketURL  string
	room       string
	identifier string
	password   string
	username   string
	register   bool
	cacheSpec  string
}

var openCache = storage.Open

// chat wires the client together, authenticates and relays the terminal to
// the room. Resources are released before it returns.
func chat(ctx context.Context, logger *zerolog.Logger, cfg *config.Config, opts options, in io.Reader, out io.Writer) error {
	cache, closeCache, err := openCache(ctx, opts.cacheSpec)
	if err != nil {
		return fmt.Errorf("failed to open identity cache %q: %w", opts.cacheSpec, err)
	}
	defer func() {
		if errC := closeCache(); errC != nil {
			logger.Error().Err(errC).Msg("failed to close identity cache")
		}
	}()

	api, err := apiclient.NewClient(apiclient.Config{
		Logger:     logger,
		BaseURL:    opts.apiURL,
		LoginField: cfg.LoginField,
		Timeout:    cfg.HTTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create api client: %w", err)
	}
	dialer, err := websocket.NewDialer(websocket.Config{
		Logger:           logger,
		URL:              opts.socketURL,
		Jar:              api.Jar(),
		TokenSource:      api.ChatToken,
		HandshakeTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create websocket dialer: %w", err)
	}
	ch := channel.New(channel.Config{
		Logger:          logger,
		Dialer:          dialer,
		History:         api,
		HistoryLimit:    cfg.HistoryLimit,
		RetryDelay:      cfg.RetryDelay,
		MaxRetryDelay:   cfg.MaxRetryDelay,
		DialTimeout:     cfg.DialTimeout,
		ReconcileWindow: cfg.ReconcileWindow,
	})
	svc := service.NewService(service.Config{
		Session: session.NewProvider(session.Config{
			Logger:  logger,
			Backend: api,
			Cache:   cache,
		}),
		Channel: ch,
		Logger:  logger,
	})

	s := svc.Start(ctx)
	switch {
	case opts.register:
		s, err = svc.Register(ctx, model.Profile{Username: opts.username, Identifier: opts.identifier, Password: opts.password})
	case opts.identifier != "":
		s, err = svc.Login(ctx, model.Credentials{Identifier: opts.identifier, Password: opts.password})
	}
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if !s.Authenticated {
		return errNotAuthenticated
	}

	err = run(ctx, svc, opts.room, in, out)
	svc.Leave()
	if err != nil && !errors.Is(err, errLoggedOut) {
		logger.Error().Err(err).Msg("chat session ended")
	}
	return nil
}

// run joins room and relays lines from in to the room until in is
// exhausted, ctx is done or the user types /quit or /logout.
func run(ctx context.Context, svc *service.Service, room string, in io.Reader, out io.Writer) error {
	p := &printer{mx: &sync.Mutex{}, w: out}

	unsubscribe := []func(){
		svc.OnMessage(p.message),
		svc.OnConnectionChange(p.state),
		svc.OnUsers(p.users),
	}
	defer func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}()

	if err := svc.Join(room); err != nil {
		return err
	}
	p.printf("* joined %s as %s\n", room, svc.Session().Identifier)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case cmdQuit:
				return nil
			case cmdLogout:
				svc.Logout(ctx)
				p.printf("* logged out\n")
				return errLoggedOut
			case cmdUsers:
				p.users(svc.Users())
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			_, err := svc.Send(sendCtx, line)
			cancel()
			if err != nil {
				p.printf("! %v\n", err)
			}
		}
	}
}

type printer struct {
	mx *sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mx.Lock()
	defer p.mx.Unlock()
	_, _ = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) message(ev channel.MessageEvent) {
	m := ev.Message
	switch ev.Kind {
	case channel.EventAppended:
		suffix := ""
		if m.Origin == model.OriginLocalPending {
			suffix = " (sending)"
		}
		p.printf("[%s] %s: %s%s\n", m.SentAt.Local().Format(timeLayout), m.Author, m.Body, suffix)
	case channel.EventRetracted:
		p.printf("! not sent: %s\n", m.Body)
	}
}

func (p *printer) state(s model.ConnectionState) {
	p.printf("* %s\n", s)
}

func (p *printer) users(users []string) {
	p.printf("* online: %s\n", strings.Join(users, ", "))
}
