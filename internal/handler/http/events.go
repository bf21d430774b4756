package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/domain"
	"soundboard-collab/internal/service"
)

// BoardEventHandler 处理 CRUD 服务调用的内部广播 API
type BoardEventHandler struct {
	boardEvents *service.BoardEventService
}

// NewBoardEventHandler 创建 BoardEventHandler 实例
func NewBoardEventHandler(boardEvents *service.BoardEventService) *BoardEventHandler {
	if boardEvents == nil {
		panic("BoardEventService cannot be nil for BoardEventHandler")
	}
	return &BoardEventHandler{boardEvents: boardEvents}
}

// RegisterRoutes 在 group 下注册内部 API 路由，group 需已挂载 InternalToken 中间件。
func (h *BoardEventHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/boards/:boardId/events", h.BroadcastBoardUpdate)
	group.POST("/boards/:boardId/order", h.BroadcastSoundOrder)
	group.GET("/boards/:boardId/presence", h.GetPresence)
	group.POST("/users/:userId/notifications", h.NotifyUser)
}

// BoardUpdateRequest 定义广播内容变更的请求体结构
type BoardUpdateRequest struct {
	Action string          `json:"action" binding:"required"`
	User   string          `json:"user"`
	Data   json.RawMessage `json:"data"`
}

// SoundOrderRequest 定义广播排序的请求体结构
type SoundOrderRequest struct {
	SoundIDs []domain.FlexID `json:"sound_ids" binding:"required"`
}

// NotificationRequest 定义用户通知的请求体结构
type NotificationRequest struct {
	Message string `json:"message" binding:"required"`
	Link    string `json:"link"`
}

// BroadcastBoardUpdate 处理 POST /internal/boards/:boardId/events
func (h *BoardEventHandler) BroadcastBoardUpdate(c *gin.Context) {
	boardID := c.Param("boardId")
	var req BoardUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).WithField("board_id", boardID).Warn("Invalid board update request body")
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.boardEvents.BroadcastUpdate(c.Request.Context(), boardID, req.Action, req.User, req.Data); err != nil {
		HandleServiceError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{"board_id": boardID, "action": req.Action}).Debug("Board update broadcast")
	SuccessResponse(c, http.StatusAccepted, gin.H{"status": "broadcast"})
}

// BroadcastSoundOrder 处理 POST /internal/boards/:boardId/order
func (h *BoardEventHandler) BroadcastSoundOrder(c *gin.Context) {
	boardID := c.Param("boardId")
	var req SoundOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).WithField("board_id", boardID).Warn("Invalid sound order request body")
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.boardEvents.BroadcastOrder(c.Request.Context(), boardID, req.SoundIDs, ""); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusAccepted, gin.H{"status": "broadcast"})
}

// NotifyUser 处理 POST /internal/users/:userId/notifications
func (h *BoardEventHandler) NotifyUser(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("userId"), 10, 32)
	if err != nil || userID == 0 {
		ErrorResponse(c, http.StatusBadRequest, "Invalid user ID")
		return
	}
	var req NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("Invalid notification request body")
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.boardEvents.NotifyUser(c.Request.Context(), uint(userID), req.Message, req.Link); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusAccepted, gin.H{"status": "sent"})
}

// GetPresence 处理 GET /internal/boards/:boardId/presence
func (h *BoardEventHandler) GetPresence(c *gin.Context) {
	snapshot, err := h.boardEvents.Snapshot(c.Request.Context(), c.Param("boardId"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, snapshot)
}
