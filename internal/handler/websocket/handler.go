package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/hub"
	"soundboard-collab/internal/middleware"
)

// WebSocketHandler 负责处理 WebSocket 升级请求并把连接交给 Hub。
// 连接建立时不需要指定房间，客户端之后通过 join_board 加入。
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。
// allowedOrigins 为逗号分隔的来源列表；为空或 "*" 时不检查来源。
func NewWebSocketHandler(h *hub.Hub, allowedOrigins string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}

	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		hub: h,
	}
}

func originChecker(allowedOrigins string) func(r *http.Request) bool {
	allowed := make(map[string]bool)
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}
	if len(allowed) == 0 || allowed["*"] {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// 非浏览器客户端不带 Origin
		return origin == "" || allowed[origin]
	}
}

// HandleConnection 处理 WebSocket 连接请求
// URL: /ws[?token=<jwt>]
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	member := memberFromContext(c)
	connID := ulid.Make().String()
	logCtx := logrus.WithFields(logrus.Fields{"conn_id": connID, "user_id": member.ID})

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误响应
		logCtx.WithError(err).Warn("WS Handler: Failed to upgrade connection")
		return
	}
	logCtx.Info("WS Handler: Connection upgraded to WebSocket")

	h.hub.Serve(conn, connID, member)
}

// memberFromContext 读取 OptionalAuth 写入的身份，没有则为匿名。
func memberFromContext(c *gin.Context) domain.Member {
	v, ok := c.Get(middleware.ContextUserID)
	if !ok {
		return domain.Anonymous()
	}
	userID, ok := v.(uint)
	if !ok || userID == 0 {
		logrus.Error("WS Handler: User ID in context is not uint")
		return domain.Anonymous()
	}
	return domain.Member{ID: userID, Username: c.GetString(middleware.ContextUsername)}
}
