package entity

import (
	"fmt"
	"time"

	"studyroom/core/domain/vo"

	"github.com/google/uuid"
)

// Room 房间聚合根，成员内嵌在同一文档中，创建房间与成员是一次写入
type Room struct {
	ID              string        `bson:"_id" json:"id"`
	Topic           string        `bson:"topic" json:"topic"`
	Kind            vo.RoomKind   `bson:"kind" json:"kind"`
	Status          vo.RoomStatus `bson:"status" json:"status"`
	MaxMembers      int           `bson:"max_members" json:"maxMembers"`
	ExternalRoomRef string        `bson:"external_room_ref" json:"externalRoomRef"`
	Members         []RoomMember  `bson:"members" json:"members"`
	CreatedAt       time.Time     `bson:"created_at" json:"createdAt"`
	EndedAt         *time.Time    `bson:"ended_at,omitempty" json:"endedAt,omitempty"`
}

type RoomMember struct {
	UserID   string          `bson:"user_id" json:"userId"`
	Status   vo.MemberStatus `bson:"status" json:"status"`
	JoinedAt time.Time       `bson:"joined_at" json:"joinedAt"`
	LeftAt   *time.Time      `bson:"left_at,omitempty" json:"leftAt,omitempty"`
}

// NewMatchRoom 为一组匹配成功的用户创建房间，状态为 WAITING，外部房间就绪后激活
func NewMatchRoom(topic string, userIDs []string) *Room {
	now := time.Now()
	id := uuid.NewString()
	members := make([]RoomMember, 0, len(userIDs))
	for _, userID := range userIDs {
		members = append(members, RoomMember{
			UserID:   userID,
			Status:   vo.MemberJoined,
			JoinedAt: now,
		})
	}
	return &Room{
		ID:              id,
		Topic:           topic,
		Kind:            vo.KindForGroupSize(len(userIDs)),
		Status:          vo.RoomWaiting,
		MaxMembers:      len(userIDs),
		ExternalRoomRef: fmt.Sprintf("%s_%s", topic, id),
		Members:         members,
		CreatedAt:       now,
	}
}

func (r *Room) IsClosed() bool {
	return r.Status == vo.RoomClosed
}

// Member 返回用户的成员记录
func (r *Room) Member(userID string) (*RoomMember, bool) {
	for i := range r.Members {
		if r.Members[i].UserID == userID {
			return &r.Members[i], true
		}
	}
	return nil, false
}

// IsActiveMember 用户在未关闭的房间中且未离开
func (r *Room) IsActiveMember(userID string) bool {
	if r.IsClosed() {
		return false
	}
	m, ok := r.Member(userID)
	return ok && m.Status == vo.MemberJoined
}

// ActiveMemberIDs 未离开的成员
func (r *Room) ActiveMemberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		if m.Status == vo.MemberJoined {
			ids = append(ids, m.UserID)
		}
	}
	return ids
}

func (r *Room) MemberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// ShouldCloseAfterDeparture 配对房间任一方离开即关闭，多人房间空了才关闭
func (r *Room) ShouldCloseAfterDeparture() bool {
	remaining := len(r.ActiveMemberIDs())
	return remaining == 0 || r.Kind == vo.RoomKindPair
}

// Clone 深拷贝，内存仓储返回副本避免外部修改
func (r *Room) Clone() *Room {
	c := *r
	c.Members = make([]RoomMember, len(r.Members))
	copy(c.Members, r.Members)
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}
