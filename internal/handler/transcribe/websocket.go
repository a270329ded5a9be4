package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/live-transcribe/backend/internal/middleware"
	"github.com/zhouzirui/live-transcribe/backend/internal/service/session"
)

const (
	defaultPingInterval = 54 * time.Second
	writeWait           = 10 * time.Second
)

// SessionManager receives the transport events of every connection.
type SessionManager interface {
	OnConnect(id string, conn session.Conn) error
	OnBinaryData(id string, data []byte)
	OnControlMessage(id string, text string)
	OnDisconnect(id string, reason string)
	OnTransportError(id string, cause error)
}

// Options 描述 WebSocket 连接限制
type Options struct {
	MaxBinaryBytes int64
	MaxTextBytes   int64
	IdleTimeout    time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
}

// Handler 将 WebSocket 连接接入会话管理器
type Handler struct {
	sessions SessionManager
	opts     Options
	upgrader websocket.Upgrader
}

// New 创建转写 WebSocket 处理器
func New(sessions SessionManager, opts Options) *Handler {
	if opts.MaxBinaryBytes <= 0 {
		opts.MaxBinaryBytes = 512 * 1024
	}
	if opts.MaxTextBytes <= 0 {
		opts.MaxTextBytes = 64 * 1024
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 300 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	h := &Handler{sessions: sessions, opts: opts}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(h.opts.AllowedOrigins, r.Header.Get("Origin"))
		},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return h
}

// RegisterRoutes 注册转写路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/transcribe", h.handleWebSocket)
}

// wsConn is the outbound side handed to the session manager.
type wsConn struct {
	ws     *websocket.Conn
	closed atomic.Bool
}

func (c *wsConn) SendText(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Open() bool {
	return !c.closed.Load()
}

func (c *wsConn) markClosed() {
	c.closed.Store(true)
}

// handleWebSocket 处理一个转写连接的完整生命周期
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	id := uuid.NewString()
	conn := &wsConn{ws: ws}

	// gorilla applies one read limit to every frame type; text frames are
	// checked against their own limit in the read loop.
	ws.SetReadLimit(max(h.opts.MaxBinaryBytes, h.opts.MaxTextBytes))
	h.extendDeadline(ws)
	ws.SetPongHandler(func(string) error {
		h.extendDeadline(ws)
		return nil
	})

	if err := h.sessions.OnConnect(id, conn); err != nil {
		log.Printf("[websocket] register session failed: %v", err)
		h.closeWith(ws, websocket.CloseInternalServerErr, "session unavailable")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.pingLoop(ctx, ws)

	h.readLoop(id, conn)
}

func (h *Handler) readLoop(id string, conn *wsConn) {
	ws := conn.ws
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			h.handleReadError(id, conn, err)
			return
		}
		h.extendDeadline(ws)

		switch messageType {
		case websocket.BinaryMessage:
			h.sessions.OnBinaryData(id, data)
		case websocket.TextMessage:
			if int64(len(data)) > h.opts.MaxTextBytes {
				cause := fmt.Errorf("text frame of %d bytes exceeds limit of %d", len(data), h.opts.MaxTextBytes)
				h.sessions.OnTransportError(id, cause)
				conn.markClosed()
				h.closeWith(ws, websocket.CloseMessageTooBig, "text frame too large")
				return
			}
			h.sessions.OnControlMessage(id, string(data))
		}
	}
}

// handleReadError maps a read failure onto a disconnect or a transport error.
func (h *Handler) handleReadError(id string, conn *wsConn, err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		conn.markClosed()
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			log.Printf("[websocket] unexpected close session=%s: %v", id, err)
		}
		h.sessions.OnDisconnect(id, fmt.Sprintf("closed by peer: %d %s", closeErr.Code, closeErr.Text))
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		conn.markClosed()
		h.sessions.OnDisconnect(id, "idle timeout")
		return
	}

	log.Printf("[websocket] read error session=%s: %v", id, err)
	h.sessions.OnTransportError(id, err)
	conn.markClosed()
}

func (h *Handler) extendDeadline(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
}

func (h *Handler) closeWith(ws *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// pingLoop 定期发送 ping 消息
func (h *Handler) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
