package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

const (
	// 在线状态 Key 前缀，hash: online / last_seen(毫秒)
	presenceKeyPrefix = keyPrefix + "presence:"
	// 最后活跃时间保留 7 天
	presenceTTL = 7 * 24 * time.Hour
)

// Lua脚本：覆盖写并返回旧值，保证读旧值和写新值之间没有其他写入
var upsertPresenceScript = redis.NewScript(`
local key = KEYS[1]
local old = redis.call('HMGET', key, 'online', 'last_seen')
redis.call('HSET', key, 'online', ARGV[1], 'last_seen', ARGV[2])
redis.call('PEXPIRE', key, ARGV[3])
return old
`)

// PresenceRepositoryRedis Redis在线状态仓储实现
type PresenceRepositoryRedis struct {
	client *redis.Client
}

var _ out.PresenceRepository = (*PresenceRepositoryRedis)(nil)

func NewPresenceRepositoryRedis(client *redis.Client) *PresenceRepositoryRedis {
	return &PresenceRepositoryRedis{client: client}
}

func (r *PresenceRepositoryRedis) getKey(userID uint64) string {
	return presenceKeyPrefix + strconv.FormatUint(userID, 10)
}

func (r *PresenceRepositoryRedis) Upsert(ctx context.Context, p *entity.UserPresence) (*entity.UserPresence, error) {
	online := "0"
	if p.IsOnline {
		online = "1"
	}
	res, err := upsertPresenceScript.Run(ctx, r.client,
		[]string{r.getKey(p.UserID)},
		online, p.LastSeenAt.UnixMilli(), presenceTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("upsert presence %d: %w", p.UserID, err)
	}
	return parsePresence(p.UserID, res), nil
}

func (r *PresenceRepositoryRedis) GetMany(ctx context.Context, userIDs []uint64) (map[uint64]*entity.UserPresence, error) {
	result := make(map[uint64]*entity.UserPresence, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	// 使用Pipeline批量获取
	pipe := r.client.Pipeline()
	cmds := make(map[uint64]*redis.SliceCmd, len(userIDs))
	for _, id := range userIDs {
		cmds[id] = pipe.HMGet(ctx, r.getKey(id), "online", "last_seen")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get presences: %w", err)
	}

	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if p := parsePresence(id, vals); p != nil {
			result[id] = p
		}
	}
	return result, nil
}

// parsePresence 两个字段都缺失时返回 nil
func parsePresence(userID uint64, vals []interface{}) *entity.UserPresence {
	if len(vals) != 2 || (vals[0] == nil && vals[1] == nil) {
		return nil
	}
	p := &entity.UserPresence{UserID: userID}
	if s, ok := vals[0].(string); ok {
		p.IsOnline = s == "1"
	}
	if s, ok := vals[1].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			p.LastSeenAt = time.UnixMilli(ms)
		}
	}
	return p
}
