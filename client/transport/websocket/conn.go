package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/chatroom/client/channel"
	"github.com/adwski/chatroom/client/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give server to respond
	defaultPingInterval = 15 * time.Second
	defaultPongWait     = 20 * time.Second
)

var ErrClosed = errors.New("websocket connection is closed")

type outbound struct {
	frame  model.OutboundFrame
	result chan error
}

// Conn is one live websocket session. A sender goroutine owns all data
// writes; a receiver goroutine owns all reads.
type Conn struct {
	ws     *websocket.Conn
	ev     channel.Events
	tx     chan outbound
	done   chan struct{}
	logger zerolog.Logger

	wg         *sync.WaitGroup
	closeOnce  sync.Once
	closedByUs atomic.Bool
	err        error
}

func newConn(ws *websocket.Conn, ev channel.Events, logger *zerolog.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		ev:     ev,
		tx:     make(chan outbound),
		done:   make(chan struct{}),
		logger: *logger,
		wg:     &sync.WaitGroup{},
	}

	c.wg.Add(2)
	go c.receiver()
	go c.sender()
	go func() {
		c.wg.Wait()
		if !c.closedByUs.Load() && c.ev.Closed != nil {
			c.ev.Closed(c.err)
		}
	}()
	return c
}

// Send writes frame and waits for the write to finish.
func (c *Conn) Send(ctx context.Context, frame model.OutboundFrame) error {
	res := make(chan error, 1)
	select {
	case c.tx <- outbound{frame: frame, result: res}:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the session. Events.Closed is not reported for
// connections closed this way.
func (c *Conn) Close() error {
	c.closedByUs.Store(true)
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		webSocketCloser(c.ws, &c.logger)
	})
}

func (c *Conn) sender() {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		c.wg.Done()
	}()
	for {
		select {
		case <-c.done:
			return
		case <-pingTicker.C:
			wsErr := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to send ping")
				c.shutdown(wsErr)
				return
			}
			c.logger.Trace().Msg("ping sent")

		case out := <-c.tx:
			wsErr := c.write(out.frame)
			out.result <- wsErr
			if wsErr != nil {
				c.shutdown(wsErr)
				return
			}
		}
	}
}

func (c *Conn) write(frame model.OutboundFrame) error {
	b, err := json.Marshal(&frame)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshall outgoing message")
		return err
	}
	if err = c.ws.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket write deadline")
		return err
	}
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to get websocket text writer")
		return err
	}
	if _, err = w.Write(b); err != nil {
		c.logger.Error().Err(err).Msg("failed to write outgoing message")
		return err
	}
	if err = w.Close(); err != nil {
		c.logger.Error().Err(err).Msg("failed to close websocket writer")
		return err
	}
	return nil
}

func (c *Conn) receiver() {
	defer c.wg.Done()

	c.ws.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func() error {
		return c.ws.SetReadDeadline(time.Now().Add(defaultPongWait))
	}
	c.ws.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return readDeadLineFunc()
	})
	if err := readDeadLineFunc(); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		c.shutdown(err)
		return
	}

	for {
		_, msg, wsErr := c.ws.ReadMessage()
		if wsErr != nil {
			select {
			case <-c.done:
				// closed locally
			default:
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					c.logger.Warn().Err(wsErr).Msg("connection closed by server")
				} else {
					c.logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
			}
			c.shutdown(wsErr)
			return
		}
		_ = readDeadLineFunc()

		select {
		case <-c.done:
			return
		default:
		}
		if c.ev.Frame != nil {
			c.ev.Frame(msg)
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	deadline := time.Now().Add(defaultWebSocketCloseWriteDeadline)
	wsErr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send close frame")
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
