package service

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrConflict 已在等待或已在房间中，或取消时没有可取消的等待
	ErrConflict = errors.New("match state conflict")
	// ErrNotFound 房间或成员关系不存在
	ErrNotFound = errors.New("room not found")
	// ErrForbidden 操作不属于自己的房间
	ErrForbidden = errors.New("not a member of the room")
	// ErrUnavailable 共享存储或外部服务不可达
	ErrUnavailable = errors.New("matchmaking temporarily unavailable")
	// ErrNotPresent 没有长连接的用户不能匹配
	ErrNotPresent = errors.New("user has no live connection")
	// ErrUnknownTopic 话题未配置
	ErrUnknownTopic = errors.New("unknown topic")

	ErrProvisioningFailure = errors.New("room provisioning failed")
)

// 房间创建阶段
const (
	StageGuard     = "guard"
	StagePersist   = "persist"
	StageMediaRoom = "media_room"
	StageToken     = "token"
	StageActivate  = "activate"
)

// ProvisioningError 房间创建失败，补偿已经完成，Err 为原始错误
type ProvisioningError struct {
	Stage    string
	Err      error
	Requeued []string
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s at %s: %v (requeued: %s)", ErrProvisioningFailure, e.Stage, e.Err, strings.Join(e.Requeued, ","))
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func (e *ProvisioningError) Is(target error) bool {
	return target == ErrProvisioningFailure
}

// StaleMemberError 参与者仍在其他未关闭房间中，未写入任何数据，其余参与者已重新排队
type StaleMemberError struct {
	Stale    []string
	Requeued []string
}

func (e *StaleMemberError) Error() string {
	return fmt.Sprintf("stale room membership: %s", strings.Join(e.Stale, ","))
}

func (e *StaleMemberError) IsStale(userID string) bool {
	for _, id := range e.Stale {
		if id == userID {
			return true
		}
	}
	return false
}

// HTTPStatus 错误分类对应的 http 状态码，长连接回复复用同一套编码
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotPresent):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrUnknownTopic):
		return http.StatusBadRequest
	case errors.Is(err, ErrProvisioningFailure):
		return http.StatusBadGateway
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
