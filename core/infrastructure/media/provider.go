package media

import (
	"context"
	"time"
)

// Provider 外部媒体房间服务，只使用创建、删除房间和签发令牌三个能力
type Provider interface {
	CreateRoom(ctx context.Context, name string, emptyTimeout time.Duration, maxParticipants int) error
	DeleteRoom(ctx context.Context, name string) error
	IssueAccessToken(roomName, userID string, ttl time.Duration, canPublish, canSubscribe bool) (string, error)
}
