package impl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"studyroom/common/discovery"
	"studyroom/common/log"
	"studyroom/common/metrics"
	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"
	"studyroom/core/domain/vo"
	"studyroom/core/infrastructure/message/transfer"
	"studyroom/runtime/march"
	"studyroom/runtime/march/application/service"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStoreTimeout = 500 * time.Millisecond
	notifyParallelism   = 8
	// 加入请求持有用户占用的最长时间，超过后占用自动失效
	joinClaimTTL    = 30 * time.Second
	staleBatchLimit = 64
)

// InstanceLister 存活实例列表（etcd），可选
type InstanceLister interface {
	ListInstances(ctx context.Context) ([]discovery.Server, error)
}

// Dependencies 两种匹配服务共用的依赖
type Dependencies struct {
	InstanceID   string
	Mode         string
	Queue        repository.MarchQueueRepository
	Presence     repository.PresenceRepository
	Rooms        repository.RoomRepository
	Provisioner  *march.Provisioner
	Topics       map[string]int
	StoreTimeout time.Duration
	Instances    InstanceLister
}

// stateHooks 状态变化回调，单进程实现据此维护显式状态表
type stateHooks interface {
	waiting(userID, topic string)
	inRoom(userIDs []string, roomID string)
	idle(userIDs ...string)
}

type noHooks struct{}

func (noHooks) waiting(string, string)  {}
func (noHooks) inRoom([]string, string) {}
func (noHooks) idle(...string)          {}

// coordinator 匹配业务规则，唯一的状态机实现
type coordinator struct {
	instanceID   string
	mode         string
	queue        repository.MarchQueueRepository
	presence     repository.PresenceRepository
	rooms        repository.RoomRepository
	provisioner  *march.Provisioner
	strategy     march.MatchStrategy
	topics       *TopicTable
	storeTimeout time.Duration
	instances    InstanceLister
	notifier     notifier
	hooks        stateHooks
}

func newCoordinator(deps Dependencies, n notifier, hooks stateHooks) *coordinator {
	timeout := deps.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &coordinator{
		instanceID:   deps.InstanceID,
		mode:         deps.Mode,
		queue:        deps.Queue,
		presence:     deps.Presence,
		rooms:        deps.Rooms,
		provisioner:  deps.Provisioner,
		strategy:     march.NewFIFOStrategy(timeout),
		topics:       NewTopicTable(deps.Topics),
		storeTimeout: timeout,
		instances:    deps.Instances,
		notifier:     n,
		hooks:        hooks,
	}
}

func (c *coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.storeTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", service.ErrUnavailable, op, err)
}

// Bind 绑定连接层
func (c *coordinator) Bind(sender LocalSender) {
	c.notifier.Bind(sender)
}

// UpdateTopics 配置热更新
func (c *coordinator) UpdateTopics(sizes map[string]int) {
	c.topics.Update(sizes)
	log.Info("匹配话题已更新: %v", sizes)
}

func (c *coordinator) connect(ctx context.Context, userID, connRef string) error {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	err := c.presence.Register(sctx, &entity.UserPresence{
		UserID:     userID,
		ConnRef:    connRef,
		InstanceID: c.instanceID,
	})
	if err != nil {
		return unavailable("register presence", err)
	}
	return nil
}

func (c *coordinator) heartbeat(ctx context.Context, userID, connRef string) (bool, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	ok, err := c.presence.Refresh(sctx, userID, connRef)
	if err != nil {
		return false, unavailable("refresh presence", err)
	}
	return ok, nil
}

func (c *coordinator) requirePresence(ctx context.Context, userID string) (*entity.UserPresence, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	p, err := c.presence.Lookup(sctx, userID)
	if errors.Is(err, repository.ErrPresenceNotFound) {
		return nil, service.ErrNotPresent
	}
	if err != nil {
		return nil, unavailable("lookup presence", err)
	}
	return p, nil
}

// requireIdle 已在房间或已在等待都是冲突
func (c *coordinator) requireIdle(ctx context.Context, userID string) error {
	_, err := c.rooms.FindActiveMembershipForUser(ctx, userID)
	if err == nil {
		return fmt.Errorf("%w: 用户 %s 已在房间中", service.ErrConflict, userID)
	}
	if !errors.Is(err, repository.ErrMembershipNotFound) {
		return unavailable("find membership", err)
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	topic, err := c.queue.WaitingTopic(sctx, userID)
	if err == nil {
		return fmt.Errorf("%w: 用户 %s 已在话题 %s 等待", service.ErrConflict, userID, topic)
	}
	if !errors.Is(err, repository.ErrPlayerNotInQueue) {
		return unavailable("waiting topic", err)
	}
	return nil
}

// claim 同一用户同一时刻只处理一个加入请求，返回释放函数
func (c *coordinator) claim(ctx context.Context, userID string) (func(), error) {
	owner := uuid.NewString()
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	err := c.queue.ClaimUser(sctx, userID, owner, joinClaimTTL)
	if errors.Is(err, repository.ErrUserClaimed) {
		return nil, fmt.Errorf("%w: 用户 %s 正在处理另一个加入请求", service.ErrConflict, userID)
	}
	if err != nil {
		return nil, unavailable("claim user", err)
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
		defer cancel()
		if err := c.queue.ReleaseUser(rctx, userID, owner); err != nil {
			log.Warn("释放用户 %s 的占用失败，等待过期: %v", userID, err)
		}
	}, nil
}

func (c *coordinator) join(ctx context.Context, userID, topic string) (*service.JoinResult, error) {
	groupSize, ok := c.topics.GroupSize(topic)
	if !ok {
		return nil, fmt.Errorf("%w: %s", service.ErrUnknownTopic, topic)
	}
	presence, err := c.requirePresence(ctx, userID)
	if err != nil {
		return nil, err
	}
	release, err := c.claim(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := c.requireIdle(ctx, userID); err != nil {
		return nil, err
	}

	joiner := &entity.QueueEntry{UserID: userID, JoinedAt: time.Now(), ConnRef: presence.ConnRef}

	// 队列里已有足够的人：直接成团，发起者排在最后
	if batch := c.takeLive(ctx, topic, groupSize-1); batch != nil {
		if containsEntry(batch.Entries, userID) {
			c.restore(ctx, batch)
			return nil, fmt.Errorf("%w: 用户 %s 已在等待", service.ErrConflict, userID)
		}
		group := append(batch.Entries, joiner)
		mr, err := c.formGroup(ctx, batch, group, userID)
		return c.joinOutcome(topic, userID, mr, err)
	}

	if err := c.enqueue(ctx, topic, joiner); err != nil {
		return nil, err
	}

	// 两个用户同时加入空队列时都会先入队，入队后再扫一次避免双方都在等待
	if batch := c.takeLive(ctx, topic, groupSize); batch != nil {
		mr, err := c.formGroup(ctx, batch, batch.Entries, userID)
		if containsEntry(batch.Entries, userID) {
			return c.joinOutcome(topic, userID, mr, err)
		}
	}
	return &service.JoinResult{Status: service.JoinWaiting, Topic: topic}, nil
}

func (c *coordinator) joinOutcome(topic, userID string, mr *march.MatchRoom, err error) (*service.JoinResult, error) {
	if err == nil {
		return &service.JoinResult{
			Status:          service.JoinMatched,
			Topic:           topic,
			RoomID:          mr.Room.ID,
			ExternalRoomRef: mr.Room.ExternalRoomRef,
			Token:           mr.Tokens[userID],
			Members:         mr.Room.MemberIDs(),
		}, nil
	}

	var se *service.StaleMemberError
	if errors.As(err, &se) {
		if se.IsStale(userID) {
			return nil, fmt.Errorf("%w: 用户 %s 已在房间中", service.ErrConflict, userID)
		}
		if slices.Contains(se.Requeued, userID) {
			return &service.JoinResult{Status: service.JoinWaiting, Topic: topic}, nil
		}
		return nil, fmt.Errorf("%w: 重新排队失败", service.ErrUnavailable)
	}
	return nil, err
}

func (c *coordinator) enqueue(ctx context.Context, topic string, entry *entity.QueueEntry) error {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	err := c.queue.Enqueue(sctx, topic, entry)
	if errors.Is(err, repository.ErrPlayerAlreadyInQueue) {
		return fmt.Errorf("%w: 用户 %s 已在等待", service.ErrConflict, entry.UserID)
	}
	if err != nil {
		return unavailable("enqueue", err)
	}
	c.hooks.waiting(entry.UserID, topic)
	return nil
}

// takeLive 取出一组等待项，其中在线状态已确认过期的用户被丢弃，此时其余用户放回队列头部并返回空
// 返回的批次由调用方在成团结束后确认
func (c *coordinator) takeLive(ctx context.Context, topic string, n int) *entity.MatchBatch {
	batch := c.strategy.Match(ctx, c.queue, topic, n)
	if batch == nil || len(batch.Entries) == 0 {
		return nil
	}

	live := make([]*entity.QueueEntry, 0, len(batch.Entries))
	var expired []string
	for _, e := range batch.Entries {
		sctx, cancel := c.storeCtx(ctx)
		_, err := c.presence.Lookup(sctx, e.UserID)
		cancel()
		if errors.Is(err, repository.ErrPresenceNotFound) {
			expired = append(expired, e.UserID)
			continue
		}
		live = append(live, e)
	}
	if len(expired) == 0 {
		return batch
	}

	log.Info("话题 %s 清理在线状态已过期的等待用户 %v", topic, expired)
	c.hooks.idle(expired...)
	if len(live) > 0 {
		sctx, cancel := c.storeCtx(ctx)
		requeued, err := c.queue.Requeue(sctx, topic, live)
		cancel()
		if err != nil {
			// 不确认批次，由超时扫描找回
			log.Error("话题 %s 放回等待用户失败 %v: %v", topic, userIDsOf(live), err)
			return nil
		}
		for _, e := range live {
			if slices.Contains(requeued, e.UserID) {
				c.hooks.waiting(e.UserID, topic)
			} else {
				c.hooks.idle(e.UserID)
			}
		}
	}
	c.ack(ctx, batch.ID)
	return nil
}

// restore 批次原样放回队列头部
func (c *coordinator) restore(ctx context.Context, batch *entity.MatchBatch) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	if _, err := c.queue.Requeue(sctx, batch.Topic, batch.Entries); err != nil {
		log.Error("话题 %s 放回批次 %s 失败: %v", batch.Topic, batch.ID, err)
		return
	}
	c.ack(ctx, batch.ID)
}

// ack 确认失败时批次留在存储中，超时扫描会按成员的实际状态处理
func (c *coordinator) ack(ctx context.Context, batchID string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()
	if err := c.queue.AckBatch(actx, batchID); err != nil {
		log.Warn("确认批次 %s 失败: %v", batchID, err)
	}
}

// formGroup 创建房间并通知除发起者外的成员，结束后确认批次
func (c *coordinator) formGroup(ctx context.Context, batch *entity.MatchBatch, group []*entity.QueueEntry, initiator string) (*march.MatchRoom, error) {
	topic := batch.Topic
	ids := userIDsOf(group)
	mr, err := c.provisioner.CreateMatchRoom(ctx, topic, group)
	c.ack(ctx, batch.ID)
	if err != nil {
		var (
			requeued []string
			se       *service.StaleMemberError
			pe       *service.ProvisioningError
		)
		switch {
		case errors.As(err, &pe):
			requeued = pe.Requeued
		case errors.As(err, &se):
			requeued = se.Requeued
		}
		for _, id := range ids {
			switch {
			case slices.Contains(requeued, id):
				c.hooks.waiting(id, topic)
			case se != nil && se.IsStale(id):
			default:
				c.hooks.idle(id)
			}
		}
		return nil, err
	}

	c.hooks.inRoom(ids, mr.Room.ID)

	var g errgroup.Group
	g.SetLimit(notifyParallelism)
	for _, userID := range ids {
		if userID == initiator {
			continue
		}
		event := transfer.MatchFound{
			RoomID:          mr.Room.ID,
			Topic:           topic,
			ExternalRoomRef: mr.Room.ExternalRoomRef,
			Token:           mr.Tokens[userID],
			Members:         ids,
		}
		g.Go(func() error {
			c.notifier.Notify(ctx, userID, event)
			return nil
		})
	}
	_ = g.Wait()
	c.notifier.Broadcast(ctx, transfer.MatchFormed{RoomID: mr.Room.ID, Topic: topic, Size: len(ids)})
	return mr, nil
}

// RecoverStaleBatches 找回超过 olderThan 仍未确认的批次
// 已进入房间或在线状态确认消失的用户不再排队
func (c *coordinator) RecoverStaleBatches(ctx context.Context, olderThan time.Duration) int {
	sctx, cancel := c.storeCtx(ctx)
	batches, err := c.queue.TakeStaleBatches(sctx, time.Now().Add(-olderThan), staleBatchLimit)
	cancel()
	if err != nil {
		log.Warn("获取超时批次失败: %v", err)
		return 0
	}

	total := 0
	for _, batch := range batches {
		requeued := c.provisioner.RequeueEligible(ctx, batch.Topic, batch.Entries)
		for _, id := range batch.UserIDs() {
			if slices.Contains(requeued, id) {
				c.hooks.waiting(id, batch.Topic)
				continue
			}
			if _, err := c.rooms.FindActiveMembershipForUser(ctx, id); errors.Is(err, repository.ErrMembershipNotFound) {
				c.hooks.idle(id)
			}
		}
		c.ack(ctx, batch.ID)
		total += len(requeued)
		log.Warn("话题 %s 找回超时批次 %s，重新排队 %v", batch.Topic, batch.ID, requeued)
	}
	return total
}

func (c *coordinator) cancel(ctx context.Context, userID string) error {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	topic, err := c.queue.WaitingTopic(sctx, userID)
	if errors.Is(err, repository.ErrPlayerNotInQueue) {
		return fmt.Errorf("%w: 用户 %s 不在等待中", service.ErrConflict, userID)
	}
	if err != nil {
		return unavailable("waiting topic", err)
	}

	removed, err := c.queue.Remove(sctx, topic, userID)
	if err != nil {
		return unavailable("remove from queue", err)
	}
	if !removed {
		// 已被匹配器取走，匹配结果不可撤销
		return fmt.Errorf("%w: 用户 %s 已被匹配", service.ErrConflict, userID)
	}
	c.hooks.idle(userID)
	log.Info("用户 %s 取消话题 %s 的匹配", userID, topic)
	return nil
}

// status 房间中的用户每次查询都重新签发令牌
func (c *coordinator) status(ctx context.Context, userID string) (*service.StatusResult, error) {
	room, err := c.rooms.FindActiveMembershipForUser(ctx, userID)
	if err == nil {
		result := &service.StatusResult{State: vo.StateInRoom, Topic: room.Topic, Room: room}
		if token, err := c.provisioner.IssueToken(room, userID); err != nil {
			log.Warn("重新签发令牌失败 user=%s room=%s: %v", userID, room.ID, err)
		} else {
			result.Token = token
		}
		return result, nil
	}
	if !errors.Is(err, repository.ErrMembershipNotFound) {
		return nil, unavailable("find membership", err)
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	topic, err := c.queue.WaitingTopic(sctx, userID)
	if err == nil {
		return &service.StatusResult{State: vo.StateWaiting, Topic: topic}, nil
	}
	if !errors.Is(err, repository.ErrPlayerNotInQueue) {
		return nil, unavailable("waiting topic", err)
	}
	return &service.StatusResult{State: vo.StateIdle}, nil
}

func (c *coordinator) leave(ctx context.Context, roomID, userID string, reason vo.LeaveReason) error {
	room, err := c.rooms.FindRoom(ctx, roomID)
	if errors.Is(err, repository.ErrRoomNotFound) {
		return fmt.Errorf("%w: %s", service.ErrNotFound, roomID)
	}
	if err != nil {
		return unavailable("find room", err)
	}
	if room.IsClosed() {
		return fmt.Errorf("%w: 房间 %s 已关闭", service.ErrNotFound, roomID)
	}
	if !room.IsActiveMember(userID) {
		return fmt.Errorf("%w: 用户 %s 不在房间 %s 中", service.ErrForbidden, userID, roomID)
	}

	updated, err := c.rooms.UpdateMembershipStatus(ctx, roomID, userID, vo.MemberLeft)
	switch {
	case errors.Is(err, repository.ErrRoomNotFound):
		return fmt.Errorf("%w: %s", service.ErrNotFound, roomID)
	case errors.Is(err, repository.ErrMembershipNotFound):
		return fmt.Errorf("%w: 用户 %s 不在房间 %s 中", service.ErrForbidden, userID, roomID)
	case err != nil:
		return unavailable("update membership", err)
	}
	c.hooks.idle(userID)
	log.Info("用户 %s 离开房间 %s reason=%s", userID, roomID, reason)

	remaining := updated.ActiveMemberIDs()
	for _, peer := range remaining {
		var event transfer.Event = transfer.PeerLeft{RoomID: roomID, UserID: userID}
		if reason == vo.LeaveDisconnected {
			event = transfer.PeerDisconnected{RoomID: roomID, UserID: userID}
		}
		c.notifier.Notify(ctx, peer, event)
	}

	if updated.ShouldCloseAfterDeparture() {
		return c.closeRoom(ctx, updated, string(reason))
	}
	return nil
}

// closeRoom 只有第一个关闭者释放外部房间并通知
func (c *coordinator) closeRoom(ctx context.Context, room *entity.Room, reason string) error {
	closed, err := c.rooms.CloseRoom(ctx, room.ID, time.Now())
	if err != nil {
		log.Error("关闭房间失败 room=%s: %v", room.ID, err)
		return unavailable("close room", err)
	}
	if !closed {
		return nil
	}

	c.provisioner.ReleaseExternalRoom(ctx, room)
	remaining := room.ActiveMemberIDs()
	c.hooks.idle(remaining...)
	for _, userID := range remaining {
		c.notifier.Notify(ctx, userID, transfer.RoomClosed{RoomID: room.ID, Reason: reason})
	}
	log.Info("房间 %s 已关闭 reason=%s", room.ID, reason)
	return nil
}

func (c *coordinator) closeByExternalRef(ctx context.Context, externalRef string) error {
	room, err := c.rooms.FindRoomByExternalRef(ctx, externalRef)
	if errors.Is(err, repository.ErrRoomNotFound) {
		return fmt.Errorf("%w: %s", service.ErrNotFound, externalRef)
	}
	if err != nil {
		return unavailable("find room", err)
	}
	if room.IsClosed() {
		return nil
	}
	return c.closeRoom(ctx, room, "finished")
}

// disconnect 在线状态属于更新的连接时忽略；状态未知时不做清理，交给租约过期
func (c *coordinator) disconnect(ctx context.Context, userID, connRef string) error {
	sctx, cancel := c.storeCtx(ctx)
	p, err := c.presence.Lookup(sctx, userID)
	cancel()
	switch {
	case err == nil && connRef != "" && p.ConnRef != connRef:
		log.Debug("用户 %s 的旧连接 %s 断开，已有新连接 %s", userID, connRef, p.ConnRef)
		return nil
	case err != nil && !errors.Is(err, repository.ErrPresenceNotFound):
		return unavailable("lookup presence", err)
	}

	var errs []error
	if err := c.cancel(ctx, userID); err != nil && !errors.Is(err, service.ErrConflict) {
		errs = append(errs, err)
	}

	room, err := c.rooms.FindActiveMembershipForUser(ctx, userID)
	switch {
	case err == nil:
		if err := c.leave(ctx, room.ID, userID, vo.LeaveDisconnected); err != nil {
			errs = append(errs, err)
		}
	case !errors.Is(err, repository.ErrMembershipNotFound):
		errs = append(errs, unavailable("find membership", err))
	}

	sctx, cancel = c.storeCtx(ctx)
	defer cancel()
	if err := c.presence.Unregister(sctx, userID, connRef); err != nil {
		errs = append(errs, unavailable("unregister presence", err))
	}
	return errors.Join(errs...)
}

func (c *coordinator) stats(ctx context.Context) (*service.StatsResult, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	online, err := c.presence.CountOnline(sctx)
	if err != nil {
		return nil, unavailable("count online", err)
	}
	lengths := make(map[string]int64)
	for _, topic := range c.topics.Names() {
		n, err := c.queue.Length(sctx, topic)
		if err != nil {
			return nil, unavailable("queue length", err)
		}
		lengths[topic] = n
	}
	rooms, err := c.rooms.CountActiveRoomsByTopic(ctx)
	if err != nil {
		return nil, unavailable("count rooms", err)
	}

	instances := 1
	if c.instances != nil {
		servers, err := c.instances.ListInstances(ctx)
		if err != nil {
			log.Warn("获取实例列表失败: %v", err)
		} else {
			instances = len(servers)
		}
	}
	return &service.StatsResult{
		InstanceID:   c.instanceID,
		Mode:         c.mode,
		OnlineUsers:  online,
		QueueLengths: lengths,
		ActiveRooms:  rooms,
		Instances:    instances,
		GeneratedAt:  time.Now(),
	}, nil
}

func observeJoin(topic string, result *service.JoinResult, err error) {
	label := "error"
	switch {
	case err == nil:
		label = string(result.Status)
	case errors.Is(err, service.ErrConflict):
		label = "conflict"
	case errors.Is(err, service.ErrNotPresent):
		label = "not_present"
	case errors.Is(err, service.ErrUnknownTopic):
		label = "unknown_topic"
		topic = "unknown"
	case errors.Is(err, service.ErrUnavailable):
		label = "unavailable"
	case errors.Is(err, service.ErrProvisioningFailure):
		label = "provisioning"
	}
	metrics.JoinTotal.WithLabelValues(topic, label).Inc()
}

func userIDsOf(entries []*entity.QueueEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	return ids
}

func containsEntry(entries []*entity.QueueEntry, userID string) bool {
	for _, e := range entries {
		if e.UserID == userID {
			return true
		}
	}
	return false
}
