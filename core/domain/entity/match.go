package entity

import "time"

// QueueEntry 话题队列中的等待项，按加入顺序先进先出
type QueueEntry struct {
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
	ConnRef  string    `json:"connRef"`
}

// UserPresence 用户长连接归属，只属于接受该连接的实例
type UserPresence struct {
	UserID     string    `json:"userId"`
	ConnRef    string    `json:"connRef"`
	InstanceID string    `json:"instanceId"`
	Expiry     time.Time `json:"expiry"`
}

func (p *UserPresence) Expired(now time.Time) bool {
	return !p.Expiry.IsZero() && now.After(p.Expiry)
}

// MatchBatch 匹配器一次取出的一组等待项
// 成团或放回队列之前一直保留在存储中，调用方超时后可由其他实例找回
type MatchBatch struct {
	ID        string        `json:"id"`
	Topic     string        `json:"topic"`
	Entries   []*QueueEntry `json:"entries"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (b *MatchBatch) UserIDs() []string {
	ids := make([]string, 0, len(b.Entries))
	for _, e := range b.Entries {
		ids = append(ids, e.UserID)
	}
	return ids
}
