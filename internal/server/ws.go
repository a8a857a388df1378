package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openmined/syftmirror/internal/mirrormsg"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/server/api"
	"github.com/openmined/syftmirror/internal/version"
	"github.com/openmined/syftmirror/internal/wsproto"
)

const wsWriteTimeout = 30 * time.Second

// WebsocketHandler upgrades the connection and serves one replication
// session on it until the peer goes away.
func (s *Server) WebsocketHandler(ctx *gin.Context) {
	enc := wsproto.PreferredEncoding(ctx.GetHeader(wsproto.HeaderEncodings))
	ctx.Writer.Header().Set(wsproto.HeaderEncoding, enc.String())

	conn, err := websocket.Accept(ctx.Writer, ctx.Request, nil)
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("websocket accept failed: %w", err))
		return
	}
	conn.SetReadLimit(wsproto.MaxMessageSize)

	ss := &wsSession{
		id:     uuid.NewString(),
		conn:   conn,
		enc:    enc,
		server: s,
		ip:     ctx.ClientIP(),
	}
	s.addSession(ss)
	defer s.removeSession(ss)

	ss.run(ctx.Request.Context())
}

// wsSession reads one message at a time and answers it before reading the
// next, so requests are applied in the order the source sent them.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	enc    wsproto.Encoding
	server *Server
	ip     string
}

func (ss *wsSession) run(ctx context.Context) {
	slog.Info("socket session open", "session", ss.id, "ip", ss.ip, "encoding", ss.enc)
	defer slog.Info("socket session closed", "session", ss.id)
	defer ss.conn.Close(websocket.StatusNormalClosure, "")

	if err := ss.write(ctx, mirrormsg.NewSystemMessage(version.Version, ss.id, "ok")); err != nil {
		slog.Warn("socket SEND handshake", "session", ss.id, "error", err)
		return
	}

	for {
		typ, raw, err := ss.conn.Read(ctx)
		if err != nil {
			if !isWSExpectedCloseError(err) {
				slog.Warn("socket RECV", "session", ss.id, "error", err)
			}
			return
		}

		var reply *mirrormsg.Message
		msg, _, err := wsproto.Unmarshal(typ, raw)
		if err != nil {
			slog.Warn("socket RECV decode", "session", ss.id, "error", err)
			reply = mirrormsg.NewError(http.StatusBadRequest, err.Error())
		} else {
			slog.Debug("socket RECV", "session", ss.id, "id", msg.Id, "type", msg.Type)
			reply = ss.server.handleMessage(ctx, msg)
		}

		if err := ss.write(ctx, reply); err != nil {
			slog.Warn("socket SEND", "session", ss.id, "error", err)
			return
		}
	}
}

func (ss *wsSession) write(ctx context.Context, msg *mirrormsg.Message) error {
	typ, payload, err := wsproto.Marshal(msg, ss.enc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ss.conn.Write(writeCtx, typ, payload)
}

func (s *Server) handleMessage(ctx context.Context, msg *mirrormsg.Message) *mirrormsg.Message {
	var resp *replication.Response

	switch msg.Type {
	case mirrormsg.MsgReplicate:
		req, ok := mirrormsg.RequestOf(msg)
		if !ok {
			return mirrormsg.NewError(http.StatusBadRequest, "replicate message without request")
		}
		resp, _ = s.replies.do(msg.Id, func() *replication.Response {
			return s.target.Apply(ctx, req)
		})

	case mirrormsg.MsgManifest:
		m, ok := mirrormsg.ManifestOf(msg)
		if !ok {
			return mirrormsg.NewError(http.StatusBadRequest, "manifest message without paths")
		}
		resp, _ = s.replies.do(msg.Id, func() *replication.Response {
			return s.target.Reconcile(ctx, m)
		})

	default:
		slog.Info("unhandled message", "id", msg.Id, "type", msg.Type)
		return mirrormsg.NewError(http.StatusBadRequest, fmt.Sprintf("unexpected message type %s", msg.Type))
	}

	return mirrormsg.NewReply(msg.Id, resp)
}

// isWSExpectedCloseError returns true if the error is an expected connection closure
func isWSExpectedCloseError(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
