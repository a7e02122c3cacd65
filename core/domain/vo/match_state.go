package vo

// MatchState 用户在匹配流程中的状态，任一时刻只处于其中之一
type MatchState string

const (
	StateIdle    MatchState = "IDLE"
	StateWaiting MatchState = "WAITING"
	StateInRoom  MatchState = "IN_ROOM"
)

type RoomStatus string

const (
	RoomWaiting RoomStatus = "WAITING" // 已落库，外部媒体房间尚未就绪
	RoomActive  RoomStatus = "ACTIVE"
	RoomClosed  RoomStatus = "CLOSED"
)

// RoomKind 两人配对房间在任一方离开时关闭，多人房间在最后一人离开时关闭
type RoomKind string

const (
	RoomKindPair  RoomKind = "pair"
	RoomKindGroup RoomKind = "group"
)

func KindForGroupSize(groupSize int) RoomKind {
	if groupSize == 2 {
		return RoomKindPair
	}
	return RoomKindGroup
}

type MemberStatus string

const (
	MemberJoined MemberStatus = "JOINED"
	MemberLeft   MemberStatus = "LEFT"
)

// LeaveReason 离开房间的原因，决定通知其他成员的事件类型
type LeaveReason string

const (
	LeaveVoluntary    LeaveReason = "left"
	LeaveDisconnected LeaveReason = "disconnected"
)
