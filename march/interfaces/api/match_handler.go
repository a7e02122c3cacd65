package api

import (
	"errors"
	"net/http"
	"strings"

	"studyroom/common/cache"
	httpx "studyroom/common/http"
	"studyroom/common/log"
	"studyroom/core/infrastructure/media"
	"studyroom/runtime/march/application/service"
)

// WebhookVerifier 校验外部媒体服务的回调签名
type WebhookVerifier interface {
	VerifyWebhook(r *http.Request) (*media.WebhookEvent, error)
}

type joinRequest struct {
	Topic string `json:"topic" binding:"required"`
}

// MatchHandler 匹配相关的 http 接口
type MatchHandler struct {
	service  service.MatchService
	verifier WebhookVerifier
	// 已处理的 webhook id，重复投递直接返回成功
	seen *cache.GeneralCache
}

func NewMatchHandler(svc service.MatchService, verifier WebhookVerifier, seen *cache.GeneralCache) *MatchHandler {
	return &MatchHandler{service: svc, verifier: verifier, seen: seen}
}

// Register 注册路由
func (h *MatchHandler) Register(server *httpx.HttpServer, secret string) {
	server.Use(httpx.CorsMiddleware())
	server.GET("/ping", func(c *httpx.Context) error {
		c.Success("pong")
		return nil
	})
	server.GET("/health", h.health)
	server.POST("/api/v1/webhook/media", h.webhook)

	v1 := server.Group("/api/v1", httpx.AuthMiddleware(secret))
	v1.POST("/match/join", h.join)
	v1.POST("/match/cancel", h.cancel)
	v1.GET("/match/status", h.status)
	v1.GET("/match/stats", h.stats)
	v1.POST("/rooms/:roomID/leave", h.leave)
}

func (h *MatchHandler) join(c *httpx.Context) error {
	var req joinRequest
	if err := c.BindJSON(&req); err != nil || strings.TrimSpace(req.Topic) == "" {
		c.BadRequest("topic is required")
		return nil
	}
	result, err := h.service.Join(c.Ctx(), c.GetString("userID"), req.Topic)
	if err != nil {
		fail(c, err)
		return nil
	}
	c.Success(result)
	return nil
}

func (h *MatchHandler) cancel(c *httpx.Context) error {
	if err := h.service.Cancel(c.Ctx(), c.GetString("userID")); err != nil {
		fail(c, err)
		return nil
	}
	c.Success(nil)
	return nil
}

func (h *MatchHandler) status(c *httpx.Context) error {
	result, err := h.service.Status(c.Ctx(), c.GetString("userID"))
	if err != nil {
		fail(c, err)
		return nil
	}
	c.Success(result)
	return nil
}

func (h *MatchHandler) leave(c *httpx.Context) error {
	roomID := c.GetParam("roomID")
	if err := h.service.Leave(c.Ctx(), roomID, c.GetString("userID")); err != nil {
		fail(c, err)
		return nil
	}
	c.Success(map[string]string{"roomId": roomID})
	return nil
}

// stats 支持 ?topic= 只看单个主题
func (h *MatchHandler) stats(c *httpx.Context) error {
	result, err := h.service.Stats(c.Ctx())
	if err != nil {
		fail(c, err)
		return nil
	}
	if topic := strings.TrimSpace(c.GetQuery("topic")); topic != "" {
		result.QueueLengths = map[string]int64{topic: result.QueueLengths[topic]}
		result.ActiveRooms = map[string]int64{topic: result.ActiveRooms[topic]}
	}
	c.Success(result)
	return nil
}

func (h *MatchHandler) health(c *httpx.Context) error {
	if _, err := h.service.Stats(c.Ctx()); err != nil {
		c.Fail(http.StatusServiceUnavailable, httpx.CodeUnavailable, err.Error())
		return nil
	}
	c.Success("ok")
	return nil
}

// webhook 只处理 room_finished，其余事件直接确认
func (h *MatchHandler) webhook(c *httpx.Context) error {
	event, err := h.verifier.VerifyWebhook(c.Request())
	if err != nil {
		log.Warn("媒体回调校验失败 path=%s remote=%s: %v", c.Path(), c.ClientIP(), err)
		c.Unauthorized(err.Error())
		return nil
	}
	if h.seen != nil && !h.seen.Remember(event.ID) {
		log.Debug("重复的媒体回调 id=%s", event.ID)
		c.Success(nil)
		return nil
	}
	if event.Event != media.EventRoomFinished {
		c.Success(nil)
		return nil
	}

	err = h.service.CloseByExternalRef(c.Ctx(), event.RoomName)
	if errors.Is(err, service.ErrNotFound) {
		// 非本服务创建的房间
		c.Success(nil)
		return nil
	}
	if err != nil {
		if h.seen != nil {
			// 允许媒体服务重试
			h.seen.Delete(event.ID)
		}
		fail(c, err)
		return nil
	}
	c.Success(nil)
	return nil
}

func fail(c *httpx.Context, err error) {
	status := service.HTTPStatus(err)
	code := httpx.CodeError
	switch status {
	case http.StatusConflict:
		code = httpx.CodeConflict
	case http.StatusNotFound:
		code = httpx.CodeNotFound
	case http.StatusForbidden:
		code = httpx.CodeForbidden
	case http.StatusPreconditionFailed:
		code = httpx.CodePrecondition
	case http.StatusBadRequest:
		code = httpx.CodeInvalidParam
	case http.StatusBadGateway:
		code = httpx.CodeBadGateway
	case http.StatusServiceUnavailable:
		code = httpx.CodeUnavailable
	case http.StatusInternalServerError:
		code = httpx.CodeServerError
		log.Error("未分类的匹配错误: %v", err)
	}
	c.Fail(status, code, err.Error())
}
