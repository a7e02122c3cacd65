package march

import (
	"context"
	"errors"
	"time"

	"studyroom/common/log"
	"studyroom/common/metrics"
	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"
	"studyroom/core/domain/vo"
	"studyroom/core/infrastructure/media"
	"studyroom/runtime/march/application/service"

	"go.uber.org/multierr"
)

const cleanupTimeout = 5 * time.Second

type ProvisionOptions struct {
	EmptyTimeout time.Duration
	TokenTTL     time.Duration
	CanPublish   bool
	CanSubscribe bool
}

// MatchRoom 创建成功的房间以及每个成员的访问令牌
type MatchRoom struct {
	Room   *entity.Room
	Tokens map[string]string
}

/*
Provisioner 房间创建
	1.校验所有参与者都不在未关闭的房间中
	2.房间与成员一次写入
	3.创建外部媒体房间
	4.为每个成员签发令牌，然后激活房间
3、4 或激活失败时删除房间、尽力删除外部房间，并把仍有资格的参与者按原顺序放回队列头部
*/
type Provisioner struct {
	rooms    repository.RoomRepository
	queue    repository.MarchQueueRepository
	presence repository.PresenceRepository
	media    media.Provider
	opts     ProvisionOptions
}

func NewProvisioner(
	rooms repository.RoomRepository,
	queue repository.MarchQueueRepository,
	presence repository.PresenceRepository,
	provider media.Provider,
	opts ProvisionOptions,
) *Provisioner {
	return &Provisioner{
		rooms:    rooms,
		queue:    queue,
		presence: presence,
		media:    provider,
		opts:     opts,
	}
}

// CreateMatchRoom entries 的顺序即成员顺序
func (p *Provisioner) CreateMatchRoom(ctx context.Context, topic string, entries []*entity.QueueEntry) (*MatchRoom, error) {
	stale, err := p.guard(ctx, entries)
	if err != nil {
		requeued := p.RequeueEligible(ctx, topic, entries)
		return nil, p.fail(topic, service.StageGuard, err, requeued)
	}
	if len(stale) > 0 {
		others := make([]*entity.QueueEntry, 0, len(entries))
		for _, e := range entries {
			if !stale[e.UserID] {
				others = append(others, e)
			}
		}
		requeued := p.RequeueEligible(ctx, topic, others)
		staleIDs := make([]string, 0, len(stale))
		for _, e := range entries {
			if stale[e.UserID] {
				staleIDs = append(staleIDs, e.UserID)
			}
		}
		log.Warn("话题 %s 成团时发现残留房间成员 %v，其余用户重新排队 %v", topic, staleIDs, requeued)
		return nil, &service.StaleMemberError{Stale: staleIDs, Requeued: requeued}
	}

	userIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		userIDs = append(userIDs, e.UserID)
	}
	room := entity.NewMatchRoom(topic, userIDs)

	if err := p.rooms.CreateRoomWithMembers(ctx, room); err != nil {
		requeued := p.RequeueEligible(ctx, topic, entries)
		return nil, p.fail(topic, service.StagePersist, err, requeued)
	}

	if err := p.media.CreateRoom(ctx, room.ExternalRoomRef, p.opts.EmptyTimeout, room.MaxMembers); err != nil {
		return nil, p.rollback(ctx, room, entries, false, service.StageMediaRoom, err)
	}

	tokens := make(map[string]string, len(userIDs))
	for _, userID := range userIDs {
		token, err := p.media.IssueAccessToken(room.ExternalRoomRef, userID, p.opts.TokenTTL, p.opts.CanPublish, p.opts.CanSubscribe)
		if err != nil {
			return nil, p.rollback(ctx, room, entries, true, service.StageToken, err)
		}
		tokens[userID] = token
	}

	if err := p.rooms.ActivateRoom(ctx, room.ID); err != nil {
		return nil, p.rollback(ctx, room, entries, true, service.StageActivate, err)
	}
	room.Status = vo.RoomActive

	metrics.MatchTotal.WithLabelValues(topic).Inc()
	log.Info("话题 %s 成团成功 room=%s members=%v", topic, room.ID, userIDs)
	return &MatchRoom{Room: room, Tokens: tokens}, nil
}

// IssueToken 为房间成员重新签发令牌
func (p *Provisioner) IssueToken(room *entity.Room, userID string) (string, error) {
	return p.media.IssueAccessToken(room.ExternalRoomRef, userID, p.opts.TokenTTL, p.opts.CanPublish, p.opts.CanSubscribe)
}

// ReleaseExternalRoom 尽力删除外部媒体房间
func (p *Provisioner) ReleaseExternalRoom(ctx context.Context, room *entity.Room) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := p.media.DeleteRoom(cleanupCtx, room.ExternalRoomRef); err != nil {
		log.Warn("删除外部媒体房间失败 room=%s ref=%s: %v", room.ID, room.ExternalRoomRef, err)
	}
}

func (p *Provisioner) guard(ctx context.Context, entries []*entity.QueueEntry) (map[string]bool, error) {
	stale := make(map[string]bool)
	for _, e := range entries {
		_, err := p.rooms.FindActiveMembershipForUser(ctx, e.UserID)
		switch {
		case err == nil:
			stale[e.UserID] = true
		case errors.Is(err, repository.ErrMembershipNotFound):
		default:
			return nil, err
		}
	}
	return stale, nil
}

// rollback 清理失败只记录日志，返回的错误只包含原始错误
func (p *Provisioner) rollback(ctx context.Context, room *entity.Room, entries []*entity.QueueEntry, mediaCreated bool, stage string, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var errs error
	if mediaCreated {
		errs = multierr.Append(errs, p.media.DeleteRoom(cleanupCtx, room.ExternalRoomRef))
	} else {
		// 创建请求可能已在远端生效
		if err := p.media.DeleteRoom(cleanupCtx, room.ExternalRoomRef); err != nil {
			log.Debug("回滚时删除未确认的外部房间失败 ref=%s: %v", room.ExternalRoomRef, err)
		}
	}
	errs = multierr.Append(errs, p.rooms.DeleteRoom(cleanupCtx, room.ID))
	if errs != nil {
		log.Error("房间 %s 回滚清理失败: %v", room.ID, errs)
	}

	requeued := p.RequeueEligible(cleanupCtx, room.Topic, entries)
	return p.fail(room.Topic, stage, cause, requeued)
}

func (p *Provisioner) fail(topic, stage string, cause error, requeued []string) error {
	metrics.ProvisionFailure.WithLabelValues(topic, stage).Inc()
	log.Error("话题 %s 房间创建失败 stage=%s: %v，重新排队 %v", topic, stage, cause, requeued)
	return &service.ProvisioningError{Stage: stage, Err: cause, Requeued: requeued}
}

// RequeueEligible 把仍有资格的用户按原顺序放回队列头部
// 在线状态确认不存在或已在其他房间中的用户不再排队，状态未知的仍然排队
func (p *Provisioner) RequeueEligible(ctx context.Context, topic string, entries []*entity.QueueEntry) []string {
	eligible := make([]*entity.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if _, err := p.presence.Lookup(ctx, e.UserID); errors.Is(err, repository.ErrPresenceNotFound) {
			continue
		}
		if _, err := p.rooms.FindActiveMembershipForUser(ctx, e.UserID); err == nil {
			continue
		}
		eligible = append(eligible, e)
	}
	if len(eligible) == 0 {
		return nil
	}

	requeued, err := p.queue.Requeue(ctx, topic, eligible)
	if err != nil {
		log.Error("话题 %s 重新排队失败 %d 人: %v", topic, len(eligible), err)
		return nil
	}
	return requeued
}
