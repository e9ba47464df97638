package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// breakerName はサーキットブレーカーの既定の名前。ログのラベルに使う。
const breakerName = "notification-store"

// BreakerStore はStoreへの呼び出しをサーキットブレーカー越しに行う。
// ブレーカーが開いている間、呼び出しは即座にErrStoreUnavailableで失敗する。
type BreakerStore struct {
	store Store
	cb    *gobreaker.CircuitBreaker[any]
}

// BreakerSettings はBreakerStoreの開閉条件。
type BreakerSettings struct {
	// Name はログに出すブレーカー名。空の場合は "notification-store"。
	Name string
	// ConsecutiveFailures はブレーカーを開く連続失敗回数。
	ConsecutiveFailures uint32
	// OpenTimeout は開いた状態から半開に移るまでの時間。
	OpenTimeout time.Duration
}

// DefaultBreakerSettings は本番用の既定値を返す。
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{Name: breakerName, ConsecutiveFailures: 5, OpenTimeout: 10 * time.Second}
}

// NewBreakerStore はstoreをサーキットブレーカーで包む。
// ワーカーと読み取り側はそれぞれ別のBreakerStoreを持つ。
func NewBreakerStore(store Store, settings BreakerSettings, logger *slog.Logger) *BreakerStore {
	name := settings.Name
	if name == "" {
		name = breakerName
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		// バックエンド障害以外のエラー（シリアライズ失敗や呼び出し元のキャンセル）ではブレーカーを開かない。
		IsSuccessful: func(err error) bool {
			return err == nil || isContextError(err) || !errors.Is(err, ErrStoreUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				"event", "breaker_state_changed",
				"module", "internal/notification",
				"layer", "store",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &BreakerStore{store: store, cb: cb}
}

// State はブレーカーの現在の状態を返す。
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *BreakerStore) execute(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	// 呼び出し元が既に諦めた要求は集計に含めない。
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	v, err := s.cb.Execute(func() (any, error) {
		v, err := fn()
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w (%v)", op, ctx.Err(), err)
		}
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	return v, err
}

func (s *BreakerStore) Append(ctx context.Context, userID string, n Notification) error {
	_, err := s.execute(ctx, "append", func() (any, error) {
		return nil, s.store.Append(ctx, userID, n)
	})
	return err
}

type listResult struct {
	items []Notification
	total int
}

func (s *BreakerStore) List(ctx context.Context, userID string, offset, limit int) ([]Notification, int, error) {
	v, err := s.execute(ctx, "list", func() (any, error) {
		items, total, err := s.store.List(ctx, userID, offset, limit)
		if err != nil {
			return nil, err
		}
		return listResult{items: items, total: total}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := v.(listResult)
	return r.items, r.total, nil
}

func (s *BreakerStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	_, err := s.execute(ctx, "mark_read", func() (any, error) {
		return nil, s.store.MarkRead(ctx, userID, notificationID)
	})
	return err
}

func (s *BreakerStore) Clear(ctx context.Context, userID string) error {
	_, err := s.execute(ctx, "clear", func() (any, error) {
		return nil, s.store.Clear(ctx, userID)
	})
	return err
}

// Ping はブレーカーを通さずにバックエンドへ直接問い合わせる。
func (s *BreakerStore) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *BreakerStore) Close() error {
	return s.store.Close()
}
