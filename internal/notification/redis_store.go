package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisStore はRedisのリストで通知を保持するStore。
//
// キー:
//   - notifications:user:{user_id} 通知JSONのリスト（新しい順、上限100件、最終書き込みから30日で失効）
//   - notifications:read:{user_id}:{notification_id} 既読マーカー（"true"、30日で失効）
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore は既存のクライアントからRedisStoreを生成する。
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

// OpenRedisStore は接続URL（例: "redis://localhost:6379/0"）からRedisStoreを生成する。
// 接続確認は行わないため、呼び出し側でPingすること。
func OpenRedisStore(url string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), logger), nil
}

func listKey(userID string) string {
	return "notifications:user:" + userID
}

func readKey(userID, notificationID string) string {
	return "notifications:read:" + userID + ":" + notificationID
}

// Append はLPUSH・LTRIM・EXPIREをMULTI/EXECで1つのトランザクションとして実行する。
func (s *RedisStore) Append(ctx context.Context, userID string, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("通知のシリアライズに失敗: %w", err)
	}

	key := listKey(userID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, body)
		pipe.LTrim(ctx, key, 0, MaxNotificationsPerUser-1)
		pipe.Expire(ctx, key, NotificationTTL)
		return nil
	})
	if err != nil {
		return unavailable("append", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, userID string, offset, limit int) ([]Notification, int, error) {
	key := listKey(userID)

	if offset < 0 || limit <= 0 {
		total, err := s.client.LLen(ctx, key).Result()
		if err != nil {
			return nil, 0, unavailable("list", err)
		}
		return []Notification{}, int(total), nil
	}

	var rangeCmd *redis.StringSliceCmd
	var lenCmd *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, key, int64(offset), int64(offset+limit-1))
		lenCmd = pipe.LLen(ctx, key)
		return nil
	})
	if err != nil {
		return nil, 0, unavailable("list", err)
	}

	items := make([]Notification, 0, len(rangeCmd.Val()))
	for _, raw := range rangeCmd.Val() {
		var n Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			s.logger.Warn("壊れた通知エントリを読み飛ばしました",
				"event", "store_entry_corrupt",
				"module", "internal/notification",
				"layer", "store",
				"user_id", userID,
				"error", err.Error(),
			)
			continue
		}
		items = append(items, n)
	}

	if err := s.applyReadMarkers(ctx, userID, items); err != nil {
		return nil, 0, err
	}
	return items, int(lenCmd.Val()), nil
}

// applyReadMarkers は既読マーカーの存在する通知のReadをtrueにする。
func (s *RedisStore) applyReadMarkers(ctx context.Context, userID string, items []Notification) error {
	if len(items) == 0 {
		return nil
	}

	keys := make([]string, len(items))
	for i, n := range items {
		keys[i] = readKey(userID, n.ID)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return unavailable("list", err)
	}
	for i, v := range values {
		if v != nil {
			items[i].Read = true
		}
	}
	return nil
}

func (s *RedisStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	if err := s.client.Set(ctx, readKey(userID, notificationID), "true", ReadMarkerTTL).Err(); err != nil {
		return unavailable("mark_read", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, listKey(userID)).Err(); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
