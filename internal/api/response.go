package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
	"escrowflow/pkg/logger"
)

// ActorKey gin context 中保存调用方身份的 key，由认证中间件写入
const ActorKey = "actor"

type errorBody struct {
	Code    string `json:"code"`
	Class   string `json:"class"`
	Message string `json:"message"`
}

// actorFrom 统一读取调用方身份
func actorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(ActorKey)
	if !ok {
		respondError(c, nil, apperr.ErrUnauthenticated.WithMessage("user not authenticated"))
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	if !ok {
		respondError(c, nil, apperr.ErrUnauthenticated.WithMessage("invalid actor"))
		return model.Actor{}, false
	}
	return actor, true
}

// respondError 按错误类别返回 {"error": {code, class, message}}
func respondError(c *gin.Context, log *zap.Logger, err error) {
	_ = c.Error(err)
	e, ok := apperr.As(err)
	if !ok {
		if log != nil {
			logger.WithTrace(c.Request.Context(), log).Error("Unhandled error",
				zap.String("path", c.FullPath()),
				zap.Error(err),
			)
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorBody{
			Code:    apperr.CodeOf(err),
			Class:   string(apperr.ClassInternal),
			Message: "internal error",
		}})
		return
	}

	status := e.HTTPStatus()
	if log != nil && status >= http.StatusInternalServerError {
		logger.WithTrace(c.Request.Context(), log).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", e.Code),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{
		Code:    e.Code,
		Class:   string(e.Class),
		Message: err.Error(),
	}})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, nil, apperr.ErrInvalidInput.WithMessagef("invalid request: %v", err))
		return false
	}
	return true
}

// bindOptionalJSON 与 bindJSON 相同，但请求体为空时视为空请求
func bindOptionalJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || errors.Is(err, io.EOF) || c.Request.Body == nil {
		return true
	}
	respondError(c, nil, apperr.ErrInvalidInput.WithMessagef("invalid request: %v", err))
	return false
}
