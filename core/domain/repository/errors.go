package repository

import "errors"

var (
	// 匹配队列相关错误
	ErrPlayerAlreadyInQueue = errors.New("player already in queue")
	ErrPlayerNotInQueue     = errors.New("player not in queue")
	ErrUserClaimed          = errors.New("user claimed by another request")
	ErrBatchNotFound        = errors.New("match batch not found")

	// 在线状态相关错误
	ErrPresenceNotFound = errors.New("user presence not found")

	// 房间相关错误
	ErrRoomNotFound       = errors.New("room not found")
	ErrMembershipNotFound = errors.New("room membership not found")
)
