package realtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"studyroom/common/database"
	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"
)

const (
	presenceKeyPrefix = "{march}:presence:"       // Hash: conn / instance / expiry
	presenceOnlineKey = "{march}:presence:online" // Sorted Set: userID，分数为过期时间（毫秒）
)

// KEYS[1]: presence KEYS[2]: online
// ARGV[1]: connRef ARGV[2]: instanceID ARGV[3]: 过期时间戳毫秒 ARGV[4]: 租约毫秒 ARGV[5]: userID
var registerPresenceScript = `
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'conn', ARGV[1], 'instance', ARGV[2], 'expiry', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
return 1
`

// 仅当连接未被新连接替换时续约
var refreshPresenceScript = `
if redis.call('HGET', KEYS[1], 'conn') ~= ARGV[1] then
    return 0
end
redis.call('HSET', KEYS[1], 'expiry', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
return 1
`

// ARGV[1]: connRef，为空时无条件删除 ARGV[2]: userID
var unregisterPresenceScript = `
if ARGV[1] ~= '' and redis.call('HGET', KEYS[1], 'conn') ~= ARGV[1] then
    return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`

// ARGV[1]: 当前时间戳毫秒
var countOnlineScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return redis.call('ZCARD', KEYS[1])
`

// RedisPresenceRepository Redis 实现的在线状态仓储
// 客户端不重试，存储不可达时直接返回错误，由调用方当作"状态未知"处理
type RedisPresenceRepository struct {
	redis *database.RedisManager
	ttl   time.Duration
}

func NewRedisPresenceRepository(redis *database.RedisManager, ttl time.Duration) repository.PresenceRepository {
	return &RedisPresenceRepository{
		redis: redis,
		ttl:   ttl,
	}
}

func presenceKeys(userID string) []string {
	return []string{presenceKeyPrefix + userID, presenceOnlineKey}
}

func (r *RedisPresenceRepository) Register(ctx context.Context, presence *entity.UserPresence) error {
	presence.Expiry = time.Now().Add(r.ttl)
	_, err := r.redis.EvalScript(ctx, "presence_register", registerPresenceScript, presenceKeys(presence.UserID),
		presence.ConnRef, presence.InstanceID, presence.Expiry.UnixMilli(), r.ttl.Milliseconds(), presence.UserID)
	if err != nil {
		return fmt.Errorf("注册在线状态失败: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Refresh(ctx context.Context, userID, connRef string) (bool, error) {
	expiry := time.Now().Add(r.ttl)
	result, err := r.redis.EvalScript(ctx, "presence_refresh", refreshPresenceScript, presenceKeys(userID),
		connRef, expiry.UnixMilli(), r.ttl.Milliseconds(), userID)
	if err != nil {
		return false, fmt.Errorf("续约在线状态失败: %w", err)
	}
	n, _ := result.(int64)
	return n == 1, nil
}

func (r *RedisPresenceRepository) Unregister(ctx context.Context, userID, connRef string) error {
	_, err := r.redis.EvalScript(ctx, "presence_unregister", unregisterPresenceScript, presenceKeys(userID), connRef, userID)
	if err != nil {
		return fmt.Errorf("注销在线状态失败: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Lookup(ctx context.Context, userID string) (*entity.UserPresence, error) {
	cli, err := r.redis.GetClient()
	if err != nil {
		return nil, err
	}
	fields, err := cli.HGetAll(ctx, presenceKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("查询在线状态失败: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrPresenceNotFound
	}

	presence := &entity.UserPresence{
		UserID:     userID,
		ConnRef:    fields["conn"],
		InstanceID: fields["instance"],
	}
	if ms, err := strconv.ParseInt(fields["expiry"], 10, 64); err == nil {
		presence.Expiry = time.UnixMilli(ms)
	}
	return presence, nil
}

func (r *RedisPresenceRepository) CountOnline(ctx context.Context) (int64, error) {
	result, err := r.redis.EvalScript(ctx, "presence_count", countOnlineScript, []string{presenceOnlineKey}, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("统计在线人数失败: %w", err)
	}
	n, _ := result.(int64)
	return n, nil
}
