package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// MaxNotificationsPerUser はユーザーごとに保持する通知の上限。
	MaxNotificationsPerUser = 100
	// NotificationTTL は最後の書き込みから通知リストが失効するまでの期間。
	NotificationTTL = 30 * 24 * time.Hour
	// ReadMarkerTTL は既読マーカーが失効するまでの期間。
	ReadMarkerTTL = 30 * 24 * time.Hour
)

// ErrStoreUnavailable は通知ストアのバックエンドに到達できないことを表す。
// ストア自身は再試行しない。
var ErrStoreUnavailable = errors.New("通知ストアに接続できません")

// Store はユーザーごとの通知リストと既読マーカーを永続化する。
// リストは新しい順に並び、Appendのたびに上限まで切り詰められ、有効期限が更新される。
type Store interface {
	// Append は通知をリストの先頭に追加し、上限件数に切り詰め、有効期限を更新する。
	// 同じユーザーへの並行したAppendは直列化される。
	Append(ctx context.Context, userID string, n Notification) error
	// List はoffsetからlimit件の通知と、リスト全体の件数を返す。
	// 範囲外のoffsetは空のスライスを返す。既読マーカーのある通知はRead=trueになる。
	List(ctx context.Context, userID string, offset, limit int) ([]Notification, int, error)
	// MarkRead は既読マーカーを設定する。通知がリストに残っている必要はない。
	MarkRead(ctx context.Context, userID, notificationID string) error
	// Clear はユーザーの通知リストを削除する。
	Clear(ctx context.Context, userID string) error
	// Ping はバックエンドへの疎通を確認する。
	Ping(ctx context.Context) error
	// Close は接続を解放する。
	Close() error
}

// unavailable はバックエンドのエラーをErrStoreUnavailableでラップする。
// 呼び出し元のキャンセルやタイムアウトはバックエンドの障害ではないため、そのまま返す。
func unavailable(op string, err error) error {
	if isContextError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// userLocks はユーザーIDごとのミューテックスを参照カウント付きで管理する。
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// lock はユーザーのロックを取得し、解放関数を返す。
func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()

		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
