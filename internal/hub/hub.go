package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/service"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBufferSize      = 256
	ephemeralBufferSize = 64

	requestTimeout = 5 * time.Second
	cleanupTimeout = 10 * time.Second

	// DefaultHeartbeatInterval 连接心跳刷新周期，需明显小于后台清理的 stale 阈值
	DefaultHeartbeatInterval = 30 * time.Second
)

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type   string // "unregister"
	Client *Client
}

// Hub 维护本进程的活跃连接。房间和广播由共享存储和事件总线负责，
// Hub 只管理连接的生命周期：注册、注销和关闭时断开所有连接。
type Hub struct {
	messageChan chan HubMessage

	clients   map[string]*Client
	clientsMu sync.RWMutex

	sessions          *service.SessionManager
	heartbeatInterval time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(sessions *service.SessionManager, heartbeatInterval time.Duration) *Hub {
	if sessions == nil {
		panic("SessionManager cannot be nil for Hub")
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Hub{
		messageChan:       make(chan HubMessage, 512),
		clients:           make(map[string]*Client),
		sessions:          sessions,
		heartbeatInterval: heartbeatInterval,
		stopped:           make(chan struct{}),
	}
}

// Run 启动 Hub 的主事件处理循环，应该在一个单独的 goroutine 中运行。
// Shutdown 之后返回。
func (h *Hub) Run() {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")

	for {
		select {
		case msg := <-h.messageChan:
			switch msg.Type {
			case "unregister":
				h.unregisterClient(msg.Client)
			default:
				log.Warnf("Hub: Received unknown message type: %s", msg.Type)
			}
		case <-h.stopped:
			log.Info("Hub is shutting down...")
			return
		}
	}
}

// Serve 接管一个已升级的 WebSocket 连接：打开会话、注册到 Hub 并启动读写循环。
// 调用方不再持有 conn。
func (h *Hub) Serve(conn *websocket.Conn, connID string, member domain.Member) {
	client := newClient(h, conn, connID, member)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	client.session = h.sessions.Open(ctx, connID, member, client)

	if !h.registerClient(client) {
		logrus.WithField("conn_id", connID).Info("Hub: rejecting connection during shutdown")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		client.shutdown()
		if err := client.session.Close(ctx); err != nil {
			logrus.WithField("conn_id", connID).WithError(err).Warn("Hub: failed to clean up rejected session")
		}
		return
	}
	client.run()
}

// registerClient 处理客户端注册逻辑。Hub 已关闭时返回 false。
func (h *Hub) registerClient(client *Client) bool {
	if client == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return false
	}
	h.clientsMu.Lock()
	select {
	case <-h.stopped:
		h.clientsMu.Unlock()
		return false
	default:
	}
	h.wg.Add(1)
	h.clients[client.connID] = client
	total := len(h.clients)
	h.clientsMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"conn_id": client.connID,
		"user_id": client.member.ID,
		"clients": total,
	}).Info("Client registered to Hub")
	return true
}

// unregisterClient 处理客户端注销逻辑
func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to unregister a nil client")
		return
	}
	h.clientsMu.Lock()
	existing, ok := h.clients[client.connID]
	if ok && existing == client {
		delete(h.clients, client.connID)
	}
	h.clientsMu.Unlock()

	logCtx := logrus.WithFields(logrus.Fields{"conn_id": client.connID, "user_id": client.member.ID})
	if !ok {
		logCtx.Warn("Client not found during unregister")
		return
	}
	logCtx.Info("Client unregistered from Hub")
}

// unregister 由 Client 的 readPump 在清理完成后调用。
// Run 循环仍在时通过通道排队，否则直接注销。
func (h *Hub) unregister(client *Client) {
	defer h.wg.Done()
	select {
	case h.messageChan <- HubMessage{Type: "unregister", Client: client}:
	case <-h.stopped:
		h.unregisterClient(client)
	}
}

// ClientCount 返回本进程当前的连接数
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Shutdown 断开所有连接并等待它们完成断线清理，ctx 到期时提前返回。
func (h *Hub) Shutdown(ctx context.Context) error {
	h.clientsMu.Lock()
	h.stopOnce.Do(func() { close(h.stopped) })
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.Unlock()

	logrus.WithField("clients", len(clients)).Info("Hub: closing client connections")
	for _, c := range clients {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logrus.Info("Hub: all client sessions cleaned up")
		return nil
	case <-ctx.Done():
		logrus.WithError(ctx.Err()).Warn("Hub: shutdown timed out before all sessions were cleaned up")
		return ctx.Err()
	}
}
