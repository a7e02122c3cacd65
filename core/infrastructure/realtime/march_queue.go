package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"studyroom/common/database"
	"studyroom/common/log"
	"studyroom/core/domain/entity"
	"studyroom/core/domain/repository"

	"github.com/redis/go-redis/v9"
)

const (
	// 所有 key 使用同一个 hash tag，集群模式下脚本涉及的 key 落在同一个 slot
	marchQueueKeyPrefix  = "{march}:queue:"        // List: 话题队列，元素为 userID
	marchEntryKeyPrefix  = "{march}:entry:"        // Hash: userID -> QueueEntry json
	marchWaitingKey      = "{march}:waiting"       // Hash: userID -> topic
	marchMatchingKey     = "{march}:matching"      // Hash: userID -> batchID，已出队但还未成团的用户
	marchProcessingKey   = "{march}:processing"    // Hash: batchID -> topic
	marchProcessingTsKey = "{march}:processing:ts" // ZSet: batchID -> 出队时间（毫秒），未被认领的批次
	marchBatchKeyPrefix  = "{march}:batch:"        // List: userID, entry 成对出现，保持出队顺序
	marchClaimKeyPrefix  = "{march}:joining:"      // String: 正在处理加入请求的 owner
)

// Lua 脚本：加入队列
// KEYS[1]: 队列 KEYS[2]: 等待项 KEYS[3]: 等待索引 KEYS[4]: 成团中索引
// ARGV[1]: userID ARGV[2]: topic ARGV[3]: 等待项 json
// 返回：1 成功，0 已在某个队列中或正在成团
var enqueueScript = `
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 or redis.call('HEXISTS', KEYS[4], ARGV[1]) == 1 then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
return 1
`

// Lua 脚本：从指定话题队列中移除用户
// ARGV[1]: userID ARGV[2]: topic
var removeScript = `
local topic = redis.call('HGET', KEYS[3], ARGV[1])
if topic ~= ARGV[2] then
    return 0
end
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`

// Lua 脚本：长度足够时原子地取出最早的 n 个等待项，同时记录为处理中的批次
// KEYS[4]: 成团中索引 KEYS[5]: 批次话题 KEYS[6]: 批次时间 KEYS[7]: 批次内容
// ARGV[1]: n ARGV[2]: batchID ARGV[3]: topic ARGV[4]: 当前毫秒
// 返回：["userID1", "entry1", "userID2", "entry2", ...]，长度不足返回空数组
var tryMatchScript = `
local n = tonumber(ARGV[1])
if redis.call('LLEN', KEYS[1]) < n then
    return {}
end
local ids = redis.call('LRANGE', KEYS[1], 0, n - 1)
redis.call('LTRIM', KEYS[1], n, -1)
local result = {}
for i = 1, #ids do
    local entry = redis.call('HGET', KEYS[2], ids[i])
    if entry == false then
        entry = ''
    end
    redis.call('HDEL', KEYS[2], ids[i])
    redis.call('HDEL', KEYS[3], ids[i])
    redis.call('HSET', KEYS[4], ids[i], ARGV[2])
    redis.call('RPUSH', KEYS[7], ids[i], entry)
    table.insert(result, ids[i])
    table.insert(result, entry)
end
redis.call('HSET', KEYS[5], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[6], ARGV[4], ARGV[2])
return result
`

// Lua 脚本：逆序 LPUSH 放回队列头部，保持原有相对顺序
// ARGV[1]: topic，之后成对出现 userID, entry
// 返回：实际放回的 userID（逆序）
var requeueScript = `
local result = {}
for i = #ARGV - 1, 2, -2 do
    local userID = ARGV[i]
    if redis.call('HEXISTS', KEYS[3], userID) == 0 then
        redis.call('LPUSH', KEYS[1], userID)
        redis.call('HSET', KEYS[2], userID, ARGV[i + 1])
        redis.call('HSET', KEYS[3], userID, ARGV[1])
        table.insert(result, userID)
    end
end
return result
`

// Lua 脚本：等待中返回等待的话题，正在成团返回批次的话题
// KEYS[1]: 等待索引 KEYS[2]: 成团中索引 KEYS[3]: 批次话题
var waitingTopicScript = `
local topic = redis.call('HGET', KEYS[1], ARGV[1])
if topic then
    return topic
end
local batch = redis.call('HGET', KEYS[2], ARGV[1])
if not batch then
    return false
end
return redis.call('HGET', KEYS[3], batch)
`

// Lua 脚本：认领一个批次，从时间索引中删除即认领
// KEYS[1]: 批次话题 KEYS[2]: 批次时间 KEYS[3]: 批次内容
// 返回：[batchID, topic, 出队毫秒, userID1, entry1, ...]，已被认领返回空数组
var takeBatchScript = `
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not score then
    return {}
end
redis.call('ZREM', KEYS[2], ARGV[1])
local topic = redis.call('HGET', KEYS[1], ARGV[1]) or ''
local result = {ARGV[1], topic, score}
local items = redis.call('LRANGE', KEYS[3], 0, -1)
for i = 1, #items do
    table.insert(result, items[i])
end
return result
`

// Lua 脚本：认领超时的批次
// 批次内容的 key 由 ARGV[3] 前缀拼出，与 KEYS 共用 {march} hash tag
// ARGV[1]: 截止毫秒 ARGV[2]: 最多认领个数 ARGV[3]: 批次内容 key 前缀
var takeStaleBatchesScript = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local result = {}
for i = 1, #ids do
    local score = redis.call('ZSCORE', KEYS[2], ids[i])
    redis.call('ZREM', KEYS[2], ids[i])
    local topic = redis.call('HGET', KEYS[1], ids[i]) or ''
    local batch = {ids[i], topic, score}
    local items = redis.call('LRANGE', ARGV[3] .. ids[i], 0, -1)
    for j = 1, #items do
        table.insert(batch, items[j])
    end
    table.insert(result, batch)
end
return result
`

// Lua 脚本：批次处理完成
// KEYS[1]: 批次话题 KEYS[2]: 批次时间 KEYS[3]: 成团中索引 KEYS[4]: 批次内容
// 成团中索引只删除仍指向本批次的用户
var ackBatchScript = `
local items = redis.call('LRANGE', KEYS[4], 0, -1)
for i = 1, #items, 2 do
    if redis.call('HGET', KEYS[3], items[i]) == ARGV[1] then
        redis.call('HDEL', KEYS[3], items[i])
    end
end
redis.call('DEL', KEYS[4])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

// Lua 脚本：只删除自己持有的占用
var releaseClaimScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisMarchQueueRepository Redis 实现的匹配队列仓储
type RedisMarchQueueRepository struct {
	redis *database.RedisManager
}

// NewRedisMarchQueueRepository 创建 Redis 匹配队列仓储
func NewRedisMarchQueueRepository(redis *database.RedisManager) repository.MarchQueueRepository {
	return &RedisMarchQueueRepository{
		redis: redis,
	}
}

func queueKeys(topic string) []string {
	return []string{marchQueueKeyPrefix + topic, marchEntryKeyPrefix + topic, marchWaitingKey, marchMatchingKey}
}

func batchKeys(batchID string) []string {
	return []string{marchProcessingKey, marchProcessingTsKey, marchMatchingKey, marchBatchKeyPrefix + batchID}
}

// ClaimUser 占用用户，超时自动释放，进程崩溃不会让用户永远无法加入
func (r *RedisMarchQueueRepository) ClaimUser(ctx context.Context, userID, owner string, ttl time.Duration) error {
	cli, err := r.redis.GetClient()
	if err != nil {
		return err
	}
	ok, err := cli.SetNX(ctx, marchClaimKeyPrefix+userID, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("占用用户失败: %w", err)
	}
	if !ok {
		return repository.ErrUserClaimed
	}
	return nil
}

// ReleaseUser 释放占用
func (r *RedisMarchQueueRepository) ReleaseUser(ctx context.Context, userID, owner string) error {
	_, err := r.redis.EvalScript(ctx, "march_release_claim", releaseClaimScript, []string{marchClaimKeyPrefix + userID}, owner)
	if err != nil {
		return fmt.Errorf("释放用户占用失败: %w", err)
	}
	return nil
}

// Enqueue 加入匹配队列
func (r *RedisMarchQueueRepository) Enqueue(ctx context.Context, topic string, entry *entity.QueueEntry) error {
	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化等待项失败: %w", err)
	}

	result, err := r.redis.EvalScript(ctx, "march_enqueue", enqueueScript, queueKeys(topic), entry.UserID, topic, string(data))
	if err != nil {
		return fmt.Errorf("加入队列失败: %w", err)
	}
	if n, _ := result.(int64); n == 0 {
		return repository.ErrPlayerAlreadyInQueue
	}

	log.Debug("用户 %s 加入话题 %s 匹配队列", entry.UserID, topic)
	return nil
}

// Remove 从队列中移除用户
func (r *RedisMarchQueueRepository) Remove(ctx context.Context, topic, userID string) (bool, error) {
	result, err := r.redis.EvalScript(ctx, "march_remove", removeScript, queueKeys(topic), userID, topic)
	if err != nil {
		return false, fmt.Errorf("从队列移除用户失败: %w", err)
	}
	removed, _ := result.(int64)
	if removed == 1 {
		log.Debug("用户 %s 从话题 %s 匹配队列移除", userID, topic)
	}
	return removed == 1, nil
}

// TryMatch 原子地取出一组等待项
func (r *RedisMarchQueueRepository) TryMatch(ctx context.Context, topic string, groupSize int, batchID string) (*entity.MatchBatch, error) {
	if groupSize <= 0 {
		return nil, nil
	}

	now := time.Now()
	keys := append(queueKeys(topic), marchProcessingKey, marchProcessingTsKey, marchBatchKeyPrefix+batchID)
	result, err := r.redis.EvalScript(ctx, "march_try_match", tryMatchScript, keys, groupSize, batchID, topic, now.UnixMilli())
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("执行匹配脚本失败: %w", err)
	}

	entries := decodeEntries(toStrings(result))
	if len(entries) == 0 {
		return nil, nil
	}
	log.Debug("从话题 %s 匹配队列取出 %d 个用户 batch=%s", topic, len(entries), batchID)
	return &entity.MatchBatch{ID: batchID, Topic: topic, Entries: entries, CreatedAt: now}, nil
}

// TakeBatch 认领批次
func (r *RedisMarchQueueRepository) TakeBatch(ctx context.Context, batchID string) (*entity.MatchBatch, error) {
	keys := []string{marchProcessingKey, marchProcessingTsKey, marchBatchKeyPrefix + batchID}
	result, err := r.redis.EvalScript(ctx, "march_take_batch", takeBatchScript, keys, batchID)
	if err != nil {
		return nil, fmt.Errorf("认领批次失败: %w", err)
	}
	batch := decodeBatch(toStrings(result))
	if batch == nil {
		return nil, repository.ErrBatchNotFound
	}
	return batch, nil
}

// TakeStaleBatches 认领超时批次
func (r *RedisMarchQueueRepository) TakeStaleBatches(ctx context.Context, before time.Time, limit int) ([]*entity.MatchBatch, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys := []string{marchProcessingKey, marchProcessingTsKey}
	result, err := r.redis.EvalScript(ctx, "march_take_stale_batches", takeStaleBatchesScript, keys,
		before.UnixMilli(), limit, marchBatchKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("认领超时批次失败: %w", err)
	}

	arr, _ := result.([]interface{})
	batches := make([]*entity.MatchBatch, 0, len(arr))
	for _, item := range arr {
		if batch := decodeBatch(toStrings(item)); batch != nil {
			batches = append(batches, batch)
		}
	}
	return batches, nil
}

// AckBatch 删除批次记录
func (r *RedisMarchQueueRepository) AckBatch(ctx context.Context, batchID string) error {
	if _, err := r.redis.EvalScript(ctx, "march_ack_batch", ackBatchScript, batchKeys(batchID), batchID); err != nil {
		return fmt.Errorf("确认批次失败: %w", err)
	}
	return nil
}

// Requeue 放回队列头部
func (r *RedisMarchQueueRepository) Requeue(ctx context.Context, topic string, entries []*entity.QueueEntry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	args := make([]any, 0, 1+2*len(entries))
	args = append(args, topic)
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("序列化等待项失败: %w", err)
		}
		args = append(args, entry.UserID, string(data))
	}

	result, err := r.redis.EvalScript(ctx, "march_requeue", requeueScript, queueKeys(topic), args...)
	if err != nil {
		return nil, fmt.Errorf("重新入队失败: %w", err)
	}

	reversed := toStrings(result)
	requeued := make([]string, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		requeued = append(requeued, reversed[i])
	}
	log.Debug("话题 %s 重新入队 %d 个用户", topic, len(requeued))
	return requeued, nil
}

// Length 获取队列当前长度
func (r *RedisMarchQueueRepository) Length(ctx context.Context, topic string) (int64, error) {
	cli, err := r.redis.GetClient()
	if err != nil {
		return 0, err
	}
	count, err := cli.LLen(ctx, marchQueueKeyPrefix+topic).Result()
	if err != nil {
		return 0, fmt.Errorf("获取队列长度失败: %w", err)
	}
	return count, nil
}

// WaitingTopic 用户正在等待的话题
func (r *RedisMarchQueueRepository) WaitingTopic(ctx context.Context, userID string) (string, error) {
	keys := []string{marchWaitingKey, marchMatchingKey, marchProcessingKey}
	result, err := r.redis.EvalScript(ctx, "march_waiting_topic", waitingTopicScript, keys, userID)
	if err != nil {
		if err == redis.Nil {
			return "", repository.ErrPlayerNotInQueue
		}
		return "", fmt.Errorf("查询等待状态失败: %w", err)
	}
	topic, _ := result.(string)
	if topic == "" {
		return "", repository.ErrPlayerNotInQueue
	}
	return topic, nil
}

func toStrings(result any) []string {
	arr, ok := result.([]interface{})
	if !ok {
		return nil
	}
	strArray := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			strArray = append(strArray, s)
		}
	}
	return strArray
}

func decodeEntries(pairs []string) []*entity.QueueEntry {
	entries := make([]*entity.QueueEntry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		entries = append(entries, decodeEntry(pairs[i], pairs[i+1]))
	}
	return entries
}

// decodeBatch [batchID, topic, 出队毫秒, userID1, entry1, ...]
func decodeBatch(fields []string) *entity.MatchBatch {
	if len(fields) < 3 {
		return nil
	}
	batch := &entity.MatchBatch{ID: fields[0], Topic: fields[1], Entries: decodeEntries(fields[3:])}
	if ms, err := strconv.ParseFloat(fields[2], 64); err == nil {
		batch.CreatedAt = time.UnixMilli(int64(ms))
	}
	return batch
}

// decodeEntry 等待项丢失或损坏时只保留 userID，不能因此丢掉已出队的用户
func decodeEntry(userID, data string) *entity.QueueEntry {
	entry := &entity.QueueEntry{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), entry); err != nil {
			log.Warn("解析等待项失败 user=%s: %v", userID, err)
		}
	}
	entry.UserID = userID
	return entry
}
