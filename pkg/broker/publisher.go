package broker

import (
	"context"
	"fmt"
)

// Publisher はキューへメッセージを発行するクライアント。
// 生成時に対象キューをdurableとして宣言する。
type Publisher struct {
	session Session
}

// NewPublisher はブローカーへ接続し、queuesを宣言したPublisherを返す。
func NewPublisher(ctx context.Context, dialer Dialer, queues ...string) (*Publisher, error) {
	session, err := dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	for _, q := range queues {
		if err := session.DeclareQueue(q); err != nil {
			_ = session.Close()
			return nil, err
		}
	}
	return &Publisher{session: session}, nil
}

// Publish はqueueへ本文を発行する。
func (p *Publisher) Publish(ctx context.Context, queue string, body []byte) error {
	if err := p.session.Publish(ctx, queue, body); err != nil {
		return fmt.Errorf("メッセージの発行に失敗: %w", err)
	}
	return nil
}

// Close は接続を解放する。
func (p *Publisher) Close() error {
	return p.session.Close()
}
