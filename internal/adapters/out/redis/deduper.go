package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/realtime/internal/ports/out"
)

const noticeKeyPrefix = keyPrefix + "notice:"

// NoticeDeduper SET NX 实现的新消息通知去重，多实例共享
type NoticeDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

var _ out.NoticeDeduper = (*NoticeDeduper)(nil)

func NewNoticeDeduper(client *redis.Client, ttl time.Duration) *NoticeDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &NoticeDeduper{client: client, ttl: ttl}
}

func (d *NoticeDeduper) FirstNotice(ctx context.Context, messageID uint64) (bool, error) {
	ok, err := d.client.SetNX(ctx, noticeKeyPrefix+strconv.FormatUint(messageID, 10), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe notice %d: %w", messageID, err)
	}
	return ok, nil
}

func (d *NoticeDeduper) Forget(ctx context.Context, messageID uint64) error {
	if err := d.client.Del(ctx, noticeKeyPrefix+strconv.FormatUint(messageID, 10)).Err(); err != nil {
		return fmt.Errorf("forget notice %d: %w", messageID, err)
	}
	return nil
}
