package media

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/livekit/protocol/webhook"
)

const EventRoomFinished = "room_finished"

var ErrInvalidWebhook = errors.New("invalid media webhook")

// WebhookEvent 只保留需要的字段
type WebhookEvent struct {
	ID       string
	Event    string
	RoomName string
}

// VerifyWebhook 校验 Authorization 签名及请求体摘要，再解析事件
func (p *LiveKitProvider) VerifyWebhook(r *http.Request) (*WebhookEvent, error) {
	raw, err := webhook.ReceiveWebhookEvent(r, p.keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}

	event := &WebhookEvent{
		ID:       raw.GetId(),
		Event:    raw.GetEvent(),
		RoomName: raw.GetRoom().GetName(),
	}
	if event.ID == "" || event.Event == "" {
		return nil, fmt.Errorf("%w: 缺少 id 或 event", ErrInvalidWebhook)
	}
	if event.Event == EventRoomFinished && event.RoomName == "" {
		return nil, fmt.Errorf("%w: room_finished 缺少房间名", ErrInvalidWebhook)
	}
	return event, nil
}
