package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/service"
)

// HandleServiceError 将服务层的错误映射为 HTTP 状态码和 {"error": ...} 响应。
func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidAction):
		ErrorResponse(c, http.StatusBadRequest, service.PublicMessage(err))
	case errors.Is(err, service.ErrRoomNotFound):
		ErrorResponse(c, http.StatusNotFound, service.PublicMessage(err))
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrAnonymous):
		ErrorResponse(c, http.StatusForbidden, service.PublicMessage(err))
	case errors.Is(err, service.ErrStoreUnavailable):
		logrus.WithError(err).Warn("Collaboration store unavailable while handling request")
		ErrorResponse(c, http.StatusServiceUnavailable, service.PublicMessage(err))
	default:
		logrus.WithError(err).Error("Unhandled internal server error")
		ErrorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
