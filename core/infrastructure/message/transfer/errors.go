package transfer

import "errors"

// 消息相关错误
var (
	ErrUnknownKind      = errors.New("unknown event kind")
	ErrInvalidEvent     = errors.New("invalid event")
	ErrMessageMarshal   = errors.New("message marshal error")
	ErrMessageUnmarshal = errors.New("message unmarshal error")
)

// 连接相关错误
var (
	ErrNotConnected = errors.New("not connected")
	ErrSendChanFull = errors.New("send channel full")
)
