package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultPageSize は一覧取得でlimitを省略したときの件数。
	DefaultPageSize = 20
	// MaxPageSize は一覧取得で指定できるlimitの上限。
	MaxPageSize = MaxNotificationsPerUser
)

// ErrInvalidArgument は読み取り側の操作に渡された引数が不正であることを表す。
var ErrInvalidArgument = errors.New("引数が不正です")

// BrokerStatus はブローカー接続の状態を報告する。
type BrokerStatus interface {
	Connected() bool
}

// Page は一覧取得の結果。
type Page struct {
	Notifications []Notification `json:"notifications"`
	Total         int            `json:"total"`
	Limit         int            `json:"limit"`
	Offset        int            `json:"offset"`
}

// Health は各依存先の疎通状態。
type Health struct {
	Broker   bool
	Store    bool
	StoreErr error
}

// Healthy はすべての依存先に到達できるかどうかを返す。
func (h Health) Healthy() bool {
	return h.Broker && h.Store
}

// Service は通知の読み取り・既読化・削除・直接送信をまとめた読み取り側の窓口。
// 入力を検証してからStoreへ委譲する。ユーザーの認可は呼び出し側の責務。
type Service struct {
	store   Store
	builder *Builder
	broker  BrokerStatus
}

// NewService は新しいServiceを生成する。
func NewService(store Store, builder *Builder, broker BrokerStatus) *Service {
	return &Service{store: store, builder: builder, broker: broker}
}

// List はユーザーの通知を新しい順にoffsetからlimit件返す。
func (s *Service) List(ctx context.Context, userID string, offset, limit int) (Page, error) {
	if err := validateUserID(userID); err != nil {
		return Page{}, err
	}
	if offset < 0 {
		return Page{}, fmt.Errorf("%w: offsetは0以上である必要があります", ErrInvalidArgument)
	}
	if limit < 1 || limit > MaxPageSize {
		return Page{}, fmt.Errorf("%w: limitは1以上%d以下である必要があります", ErrInvalidArgument, MaxPageSize)
	}

	items, total, err := s.store.List(ctx, userID, offset, limit)
	if err != nil {
		return Page{}, err
	}
	return Page{Notifications: items, Total: total, Limit: limit, Offset: offset}, nil
}

// MarkRead は複数の通知を既読にする。途中で失敗した場合、それまでのマーカーは残る。
func (s *Service) MarkRead(ctx context.Context, userID string, ids []string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: 通知IDが指定されていません", ErrInvalidArgument)
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: 空の通知IDが含まれています", ErrInvalidArgument)
		}
	}

	for _, id := range ids {
		if err := s.store.MarkRead(ctx, userID, id); err != nil {
			return err
		}
	}
	return nil
}

// Clear はユーザーの通知をすべて削除する。
func (s *Service) Clear(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	return s.store.Clear(ctx, userID)
}

// Send は直接通知を生成してユーザーのリストへ追加する。severityが空の場合はinfoになる。
func (s *Service) Send(ctx context.Context, userID, title, message string, severity Severity) (Notification, error) {
	if err := validateUserID(userID); err != nil {
		return Notification{}, err
	}
	if strings.TrimSpace(title) == "" && strings.TrimSpace(message) == "" {
		return Notification{}, fmt.Errorf("%w: titleとmessageが空です", ErrInvalidArgument)
	}

	n := s.builder.NewDirect(title, message, severity)
	if err := s.store.Append(ctx, userID, n); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// Health はブローカーの購読状態とストアの疎通を確認する。
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Broker: s.broker != nil && s.broker.Connected()}
	if err := s.store.Ping(ctx); err != nil {
		h.StoreErr = err
		return h
	}
	h.Store = true
	return h
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user_idが空です", ErrInvalidArgument)
	}
	return nil
}
