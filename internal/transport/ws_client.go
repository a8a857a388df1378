package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/syftmirror/internal/mirrormsg"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/wsproto"
)

const (
	PathReplicate = "/api/v1/replicate"
	PathReconcile = "/api/v1/reconcile"

	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 30 * time.Second
	wsClientRxSize     = 16
)

var ErrTransportClosed = errors.New("transport closed")

// WSClient sends requests over a websocket session, one at a time, and
// waits for the Ack or Nack answering each of them.
type WSClient struct {
	url string
	enc wsproto.Encoding

	mu     sync.Mutex
	conn   *wsConn
	closed bool
}

var (
	_ replication.Transport  = (*WSClient)(nil)
	_ replication.Reconciler = (*WSClient)(nil)
)

func NewWSClient(serverURL string, enc wsproto.Encoding) (*WSClient, error) {
	u, err := websocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &WSClient{url: u, enc: enc}, nil
}

// websocketURL maps an http(s) server url onto the ws(s) replicate endpoint.
func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + PathReplicate
	return u.String(), nil
}

// Connect dials the server ahead of the first request.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connect(ctx)
	return err
}

func (c *WSClient) Send(ctx context.Context, req *replication.Request) (*replication.Response, error) {
	return c.exchange(ctx, mirrormsg.NewReplicate(req))
}

func (c *WSClient) Reconcile(ctx context.Context, m *replication.Manifest) (*replication.Response, error) {
	return c.exchange(ctx, mirrormsg.NewManifest(m))
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	return nil
}

// exchange delivers msg and waits for its reply. A broken session is
// redialed once and the same message is delivered again; the server answers
// a redelivered id without applying it twice.
func (c *WSClient) exchange(ctx context.Context, msg *mirrormsg.Message) (*replication.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := c.connect(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := conn.roundTrip(ctx, msg)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, replication.ErrRequestTooLarge) {
			return nil, err
		}
		lastErr = err

		conn.close(websocket.StatusGoingAway, "reconnect")
		c.conn = nil
		if ctx.Err() != nil {
			break
		}
		slog.Warn("socket exchange failed, redialing", "id", msg.Id, "type", msg.Type, "error", err)
	}
	return nil, lastErr
}

func (c *WSClient) connect(ctx context.Context) (*wsConn, error) {
	if c.closed {
		return nil, ErrTransportClosed
	}
	if c.conn != nil && !c.conn.isDone() {
		return c.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, wsHandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set(wsproto.HeaderEncodings, c.enc.String())
	conn, resp, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(wsproto.MaxMessageSize)

	enc := c.enc
	if resp != nil {
		if picked := resp.Header.Get(wsproto.HeaderEncoding); picked != "" {
			enc = wsproto.PreferredEncoding(picked)
		}
	}

	wc := newWSConn(conn, enc)
	hello, err := wc.receive(dialCtx)
	if err != nil {
		wc.close(websocket.StatusProtocolError, "handshake")
		return nil, fmt.Errorf("handshake: %w", err)
	}
	sys, ok := hello.Data.(mirrormsg.System)
	if hello.Type != mirrormsg.MsgSystem || !ok {
		wc.close(websocket.StatusProtocolError, "handshake")
		return nil, fmt.Errorf("handshake: unexpected %s message", hello.Type)
	}

	slog.Info("socket connected", "url", c.url, "encoding", enc, "session", sys.SessionId, "server", sys.SystemVersion)
	c.conn = wc
	return wc, nil
}

// wsConn is one websocket session. A read loop feeds decoded messages to rx
// until the connection fails.
type wsConn struct {
	conn      *websocket.Conn
	enc       wsproto.Encoding
	rx        chan *mirrormsg.Message
	done      chan struct{}
	err       error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newWSConn(conn *websocket.Conn, enc wsproto.Encoding) *wsConn {
	c := &wsConn{
		conn: conn,
		enc:  enc,
		rx:   make(chan *mirrormsg.Message, wsClientRxSize),
		done: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	defer c.wg.Done()

	for {
		typ, raw, err := c.conn.Read(context.Background())
		if err != nil {
			if !isWSExpectedCloseError(err) {
				slog.Warn("socket RECV", "error", err)
			}
			c.fail(err)
			return
		}

		msg, _, err := wsproto.Unmarshal(typ, raw)
		if err != nil {
			slog.Warn("socket RECV decode", "error", err)
			continue
		}

		select {
		case c.rx <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *wsConn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) close(status websocket.StatusCode, reason string) {
	c.fail(ErrTransportClosed)
	c.conn.Close(status, reason)
	c.wg.Wait()
}

func (c *wsConn) receive(ctx context.Context) (*mirrormsg.Message, error) {
	select {
	case msg := <-c.rx:
		return msg, nil
	case <-c.done:
		return nil, fmt.Errorf("connection lost: %w", c.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsConn) roundTrip(ctx context.Context, msg *mirrormsg.Message) (*replication.Response, error) {
	typ, payload, err := wsproto.Marshal(msg, c.enc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	// the server closes the session on frames above its read limit
	if len(payload) > wsproto.MaxMessageSize {
		return nil, fmt.Errorf("%w: %s frame is %d bytes, limit %d", replication.ErrRequestTooLarge, msg.Type, len(payload), wsproto.MaxMessageSize)
	}

	slog.Debug("socket SEND", "id", msg.Id, "type", msg.Type)
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	err = c.conn.Write(writeCtx, typ, payload)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", msg.Type, err)
	}

	for {
		reply, err := c.receive(ctx)
		if err != nil {
			return nil, err
		}

		switch reply.Type {
		case mirrormsg.MsgAck, mirrormsg.MsgNack:
			oid, resp, ok := mirrormsg.ReplyOf(reply)
			if !ok || oid != msg.Id {
				slog.Debug("socket RECV stale reply", "id", oid, "want", msg.Id)
				continue
			}
			return resp, nil
		case mirrormsg.MsgError:
			if e, ok := reply.Data.(mirrormsg.Error); ok {
				return nil, fmt.Errorf("server error %d: %s", e.Code, e.Message)
			}
			return nil, errors.New("server error")
		default:
			slog.Debug("socket RECV ignored", "id", reply.Id, "type", reply.Type)
		}
	}
}

// isWSExpectedCloseError returns true if the error is an expected connection closure
func isWSExpectedCloseError(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
