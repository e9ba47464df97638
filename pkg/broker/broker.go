package broker

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable はブローカーへの接続・宣言・購読が通信レベルで失敗したことを表す。
// 一時的な障害として扱い、呼び出し側は再接続で回復する。
var ErrUnavailable = errors.New("ブローカーに接続できません")

// Delivery はキューから受信した1メッセージ。
type Delivery struct {
	// Queue は受信元のキュー名。
	Queue string
	// Body はメッセージ本文。
	Body []byte
	// MessageID は発行者が付与したメッセージID。付与されていなければ空。
	MessageID string
	// Timestamp は発行者が付与した発行日時。
	Timestamp time.Time

	ack func() error
}

// NewDelivery はDeliveryを生成する。ackには受信確認の処理を渡す。
// ブローカー実装とテスト用のフェイクから使用する。
func NewDelivery(queue string, body []byte, ack func() error) Delivery {
	return Delivery{Queue: queue, Body: body, ack: ack}
}

// Ack はメッセージの受信確認をブローカーに送る。
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Session はブローカーとの1接続分の操作をまとめたもの。
// 接続が失われた場合はNotifyCloseにエラーが届き、以降の操作は失敗する。
type Session interface {
	// DeclareQueue はdurableなキューを宣言する。既に存在する場合は何もしない。
	DeclareQueue(name string) error
	// Consume はキューの購読を開始し、受信メッセージのチャネルを返す。
	// 自動ackは行わないため、受信側がDelivery.Ackを呼ぶ。
	Consume(queue, consumerTag string) (<-chan Delivery, error)
	// Publish はキューへ永続メッセージを発行する。
	Publish(ctx context.Context, queue string, body []byte) error
	// NotifyClose は接続が失われたときにエラーを1つ受け取るチャネルを返す。
	// 正常にCloseした場合はエラーなしでクローズされる。
	NotifyClose() <-chan error
	// Close はチャネルと接続を解放する。
	Close() error
}

// Dialer はブローカーへの新しいSessionを確立する。
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc は関数をDialerとして扱うためのアダプタ。
type DialerFunc func(ctx context.Context) (Session, error)

// Dial はf(ctx)を呼び出す。
func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}
