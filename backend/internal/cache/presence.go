package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 是在线状态的跨进程镜像。
// 权威的参与者集合在文档会话内存里；这里只是给仪表盘和其他服务
// 提供"谁在哪个文档上"的视图，全部调用都是尽力而为。
type PresenceCache interface {
	// AddMember 加入或刷新 TTL（心跳直接复用这个方法）。
	AddMember(ctx context.Context, docID, participantID string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, participantID string) error
	AliveMembers(ctx context.Context, docID string) ([]string, error)
	ActiveDocuments(ctx context.Context) ([]string, error)
}

type redisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID, participantID string, ttl time.Duration) error {
	// ZSET score 使用 expireAt（Unix 秒），表达"逻辑 TTL"
	expireAt := time.Now().Add(ttl).Unix()
	return p.rdb.ZAdd(ctx, roomKey(docID), redis.Z{
		Score:  float64(expireAt),
		Member: participantID,
	}).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, participantID string) error {
	return p.rdb.ZRem(ctx, roomKey(docID), participantID).Err()
}

func (p *redisPresence) AliveMembers(ctx context.Context, docID string) ([]string, error) {
	// step1: 清理过期成员。约定 score=expireAt，expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(docID)
	-- ARGV[1] = now (unix seconds)
	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	end
	return #expired
	`
	script := redis.NewScript(luaScript)
	if _, err := script.Run(ctx, p.rdb, []string{roomKey(docID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询仍然在线的成员
	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return alive, nil
}

func (p *redisPresence) ActiveDocuments(ctx context.Context) ([]string, error) {
	var documents []string
	iter := p.rdb.Scan(ctx, 0, "presence:room:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		docID := strings.TrimPrefix(k, "presence:room:{docID:")
		docID = strings.TrimSuffix(docID, "}")
		if docID != "" {
			documents = append(documents, docID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return documents, nil
}

// NopPresence 在未配置 Redis 时使用（单机/测试）。
type NopPresence struct{}

func (NopPresence) AddMember(context.Context, string, string, time.Duration) error { return nil }
func (NopPresence) RemoveMember(context.Context, string, string) error             { return nil }
func (NopPresence) AliveMembers(context.Context, string) ([]string, error)         { return nil, nil }
func (NopPresence) ActiveDocuments(context.Context) ([]string, error)              { return nil, nil }
