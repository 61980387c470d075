package web

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/ledzpl/hads/internal/relay"
)

// readLimitFactor sizes the hard websocket frame limit relative to the line
// limit; messages between the two are rejected per line.
const readLimitFactor = 4

// wsConn adapts a websocket to relay.Conn. Each text message carries one or
// more lines.
type wsConn struct {
	ws      *websocket.Conn
	opts    relay.ConnOptions
	max     int
	pending []string
}

func newWSConn(ws *websocket.Conn, opts relay.ConnOptions) *wsConn {
	max := opts.MaxLineLength
	if max <= 0 {
		max = relay.DefaultMaxLineLength
	}
	ws.SetReadLimit(int64(max * readLimitFactor))
	return &wsConn{ws: ws, opts: opts, max: max}
}

func (c *wsConn) ReadLine() (string, error) {
	for len(c.pending) == 0 {
		if c.opts.IdleTimeout > 0 {
			if err := c.ws.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
				return "", err
			}
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", err
		}
		if !utf8.Valid(data) {
			return "", relay.ErrInvalidUTF8
		}
		text := strings.TrimRight(string(data), "\r\n")
		c.pending = strings.Split(text, "\n")
	}

	line := strings.TrimSuffix(c.pending[0], "\r")
	c.pending = c.pending[1:]
	if len(line) > c.max {
		return "", relay.ErrLineTooLong
	}
	return line, nil
}

func (c *wsConn) WriteLine(line string) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) RemoteAddr() net.Addr {
	addr := c.ws.RemoteAddr()
	if addr == nil {
		return nil
	}
	return relay.SchemeAddr{Scheme: "ws", Addr: addr}
}

func (c *wsConn) Close() error {
	err := c.ws.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
