package ingress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Handler consumes decoded messages. *Dispatcher implements it.
type Handler interface {
	Dispatch(ctx context.Context, m Message) (Outcome, error)
}

// SocketClient keeps a connection to the notification socket open and hands
// every text frame to a Handler. A dropped or refused connection is retried
// after a fixed delay until the context ends.
type SocketClient struct {
	url     string
	delay   time.Duration
	dialer  *websocket.Dialer
	handler Handler
	log     *slog.Logger
}

func NewSocketClient(url string, delay time.Duration, h Handler, log *slog.Logger) (*SocketClient, error) {
	if url == "" {
		return nil, errors.New("ingress: socket url is required")
	}
	if h == nil {
		return nil, errors.New("ingress: handler is required")
	}
	if delay <= 0 {
		delay = 3 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &SocketClient{
		url:     url,
		delay:   delay,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handler: h,
		log:     log.With("component", "ingress.socket"),
	}, nil
}

// Run blocks until ctx is done.
func (c *SocketClient) Run(ctx context.Context) error {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("socket disconnected, reconnecting", "url", c.url, "delay", c.delay, "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.delay):
		}
	}
}

func (c *SocketClient) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.log.Info("socket connected", "url", c.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		m, err := Decode(data)
		if err != nil {
			c.log.Warn("socket message dropped", "err", err)
			continue
		}
		if _, err := c.handler.Dispatch(ctx, m); err != nil {
			c.log.Warn("socket message not handled", "type", m.Type, "to", m.To, "err", err)
		}
	}
}
