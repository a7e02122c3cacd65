package service

import (
	"context"
	"time"

	"studyroom/core/domain/entity"
	"studyroom/core/domain/vo"
)

// MatchService 匹配服务接口，分布式与单进程两种实现契约一致
type MatchService interface {
	// Connect 长连接建立后注册在线状态
	Connect(ctx context.Context, userID, connRef string) error
	// Heartbeat 续约在线状态，连接已被替换时返回 false
	Heartbeat(ctx context.Context, userID, connRef string) (bool, error)
	// Disconnect 连接断开：等待中则取消，房间中则代为离开，最后注销在线状态
	Disconnect(ctx context.Context, userID, connRef string) error

	Join(ctx context.Context, userID, topic string) (*JoinResult, error)
	Cancel(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (*StatusResult, error)
	Leave(ctx context.Context, roomID, userID string) error
	// CloseByExternalRef 外部媒体服务通知房间结束
	CloseByExternalRef(ctx context.Context, externalRef string) error
	Stats(ctx context.Context) (*StatsResult, error)
}

type JoinStatus string

const (
	JoinMatched JoinStatus = "MATCHED"
	JoinWaiting JoinStatus = "WAITING"
)

// JoinResult join 只会返回确定的结果：匹配成功（带令牌）或等待中
type JoinResult struct {
	Status          JoinStatus `json:"status"`
	Topic           string     `json:"topic"`
	RoomID          string     `json:"roomId,omitempty"`
	ExternalRoomRef string     `json:"externalRoomRef,omitempty"`
	Token           string     `json:"token,omitempty"`
	Members         []string   `json:"members,omitempty"`
}

type StatusResult struct {
	State vo.MatchState `json:"state"`
	Topic string        `json:"topic,omitempty"`
	Room  *entity.Room  `json:"room,omitempty"`
	// Token 每次查询重新签发
	Token string `json:"token,omitempty"`
}

type StatsResult struct {
	InstanceID   string           `json:"instanceId"`
	Mode         string           `json:"mode"`
	OnlineUsers  int64            `json:"onlineUsers"`
	QueueLengths map[string]int64 `json:"queueLengths"`
	ActiveRooms  map[string]int64 `json:"activeRooms"`
	Instances    int              `json:"instances"`
	GeneratedAt  time.Time        `json:"generatedAt"`
}
