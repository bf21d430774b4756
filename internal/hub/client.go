package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/service"
)

// Client 代表一个连接到 Hub 的 WebSocket 客户端，是 Session 的出站端。
// 权威事件（锁、成员、内容变更）和反应使用两个独立的发送队列，
// 反应堆积时只丢弃反应，不影响权威事件。
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	connID  string
	member  domain.Member
	session *service.Session

	send      chan []byte // 权威事件和回复
	ephemeral chan []byte // 反应等可丢弃事件

	done      chan struct{}
	closeOnce sync.Once
}

// newClient 创建一个新的 Client 实例
func newClient(h *Hub, conn *websocket.Conn, connID string, member domain.Member) *Client {
	return &Client{
		hub:       h,
		conn:      conn,
		connID:    connID,
		member:    member,
		send:      make(chan []byte, sendBufferSize),
		ephemeral: make(chan []byte, ephemeralBufferSize),
		done:      make(chan struct{}),
	}
}

// ID 实现 repository.Subscriber
func (c *Client) ID() string { return c.connID }

// Member 返回连接的用户身份
func (c *Client) Member() domain.Member { return c.member }

// Deliver 实现 repository.Subscriber，由 Broadcaster 的监听 goroutine 调用，不阻塞。
// 权威事件队列满说明客户端已跟不上，直接断开，客户端重连后会收到完整的 board_joined。
func (c *Client) Deliver(ev domain.Event) bool {
	msg, err := json.Marshal(domain.FrameFor(ev))
	if err != nil {
		logrus.WithFields(logrus.Fields{"conn_id": c.connID, "event": ev.Type}).WithError(err).Error("Client: failed to marshal event frame")
		return false
	}
	if ev.Ephemeral {
		return c.enqueue(c.ephemeral, msg)
	}
	if !c.enqueue(c.send, msg) {
		select {
		case <-c.done:
		default:
			logrus.WithFields(logrus.Fields{"conn_id": c.connID, "event": ev.Type}).Warn("Client: send buffer full, closing slow connection")
			c.shutdown()
		}
		return false
	}
	return true
}

// Reply 实现 service.Peer，只发给本连接。
func (c *Client) Reply(typ domain.EventType, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{"conn_id": c.connID, "event": typ}).WithError(err).Error("Client: failed to marshal reply")
		return false
	}
	msg, err := json.Marshal(domain.Frame{Event: string(typ), Data: data})
	if err != nil {
		return false
	}
	return c.enqueue(c.send, msg)
}

// enqueue 非阻塞地放入发送队列；连接关闭后不再接收。send 通道从不关闭，
// 关闭由 done 表示，因此并发的 Deliver 不会向已关闭的通道写入。
func (c *Client) enqueue(ch chan []byte, msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// shutdown 关闭 done 和底层连接，可重复调用。
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// run 启动客户端的读写和心跳 goroutine
func (c *Client) run() {
	go c.writePump()
	go c.heartbeatLoop()
	go c.readPump()
}

// readPump 读取客户端消息并按顺序交给 Session 处理。
// 它是 Session 的唯一调用者；退出时执行断线清理并从 Hub 注销。
func (c *Client) readPump() {
	logCtx := logrus.WithFields(logrus.Fields{"conn_id": c.connID, "user_id": c.member.ID})
	defer func() {
		c.shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		if err := c.session.Close(ctx); err != nil {
			logCtx.WithError(err).Warn("Client: disconnect cleanup failed, the sweep will retry")
		}
		cancel()
		c.hub.unregister(c)
		logCtx.Info("readPump exited, client unregistered")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logCtx.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				logCtx.Debug("WebSocket connection closed normally or read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			logCtx.Debugf("Received non-text message type: %d", messageType)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		c.session.Handle(ctx, message)
		cancel()
	}
}

// writePump 把发送队列写入 WebSocket，并定期发送 Ping。权威事件优先于反应。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		// 先清空权威事件队列
		select {
		case msg := <-c.send:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
		case msg := <-c.ephemeral:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, msg []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, msg); err != nil {
		logrus.WithFields(logrus.Fields{"conn_id": c.connID}).WithError(err).Debug("Failed to write message to websocket")
		return false
	}
	return true
}

// heartbeatLoop 定期刷新共享存储中的连接心跳
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.hub.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			err := c.session.Heartbeat(ctx)
			cancel()
			switch {
			case errors.Is(err, service.ErrConnectionReaped):
				// 成员和锁已被清理，关闭连接让客户端重连并重新加入
				logrus.WithField("conn_id", c.connID).Warn("Client: connection was reaped by the sweep, closing")
				c.shutdown()
				return
			case err != nil:
				logrus.WithField("conn_id", c.connID).WithError(err).Warn("Client: heartbeat failed")
			}
		}
	}
}
