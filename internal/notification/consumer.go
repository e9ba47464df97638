package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/taskflow/pkg/broker"
	"github.com/nao1215/taskflow/pkg/event"
)

// DefaultReconnectBackoff はブローカー再接続までの既定の待機時間。
const DefaultReconnectBackoff = 5 * time.Second

// ErrConsumerStopped は停止済みのConsumerを開始しようとしたことを表す。
var ErrConsumerStopped = errors.New("コンシューマーは停止済みです")

// State はConsumerの接続状態。
type State int

const (
	// StateDisconnected はブローカーに接続していない状態。
	StateDisconnected State = iota
	// StateConnecting は接続とキュー宣言を行っている状態。
	StateConnecting
	// StateSubscribed はキューを宣言し、購読を登録している状態。
	StateSubscribed
	// StateConsuming はメッセージを受信している状態。
	StateConsuming
	// StateShuttingDown は停止処理中または停止済みの状態。以降は他の状態に遷移しない。
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateConsuming:
		return "consuming"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MessageHandler は受信したメッセージを1件処理する。
type MessageHandler interface {
	Handle(ctx context.Context, d broker.Delivery) error
}

// Consumer はtask_eventsとnotification_eventsを購読し、受信メッセージをMessageHandlerへ渡す。
//
// 接続が失われるとログを残して一定時間待ち、再接続する。再接続は1つのforループで行い、
// 起動後はプロセスを終了させない。メッセージは受信直後にackする（at-least-once）。
// 両キューのメッセージは1つのゴルーチンで順に処理される。
type Consumer struct {
	dialer  broker.Dialer
	handler MessageHandler
	logger  *slog.Logger
	backoff time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	// wait はbackoffだけ待つ。テストで差し替える。
	wait func(ctx context.Context, d time.Duration) error
	// stateHook は状態遷移のたびに呼ばれる。テスト用。
	stateHook func(State)
}

// NewConsumer は新しいConsumerを生成する。backoffが0以下の場合は5秒になる。
func NewConsumer(dialer broker.Dialer, handler MessageHandler, logger *slog.Logger, backoff time.Duration) *Consumer {
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	return &Consumer{
		dialer:  dialer,
		handler: handler,
		logger:  logger,
		backoff: backoff,
		state:   StateDisconnected,
		wait:    sleepContext,
	}
}

// subscription は1接続分の購読。
type subscription struct {
	session       broker.Session
	tasks         <-chan broker.Delivery
	notifications <-chan broker.Delivery
}

// Start は最初の接続と購読を同期的に行い、成功したらバックグラウンドで受信を開始する。
// 最初の接続に失敗した場合はエラーを返し、Consumerは未開始のまま残る。
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateShuttingDown {
		c.mu.Unlock()
		return ErrConsumerStopped
	}
	if c.done != nil {
		c.mu.Unlock()
		return errors.New("コンシューマーは既に開始されています")
	}
	c.mu.Unlock()

	sub, err := c.connect(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.state == StateShuttingDown {
		// 接続中にStopが呼ばれた。
		c.mu.Unlock()
		cancel()
		_ = sub.session.Close()
		return ErrConsumerStopped
	}
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.loop(runCtx, sub)
	}()
	return nil
}

// Stop は受信を止め、処理中のメッセージの完了を待ってから接続を解放する。
// Start前に呼んでも、2回呼んでも安全。
func (c *Consumer) Stop() {
	c.setState(StateShuttingDown)

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// State は現在の状態を返す。
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected はメッセージを受信中かどうかを返す。ヘルスチェックで使う。
func (c *Consumer) Connected() bool {
	return c.State() == StateConsuming
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	if c.state == StateShuttingDown {
		c.mu.Unlock()
		return
	}
	c.state = s
	hook := c.stateHook
	c.mu.Unlock()

	if hook != nil {
		hook(s)
	}
}

// loop は再接続のループ本体。受信中の接続subから始め、失われたら接続し直す。
func (c *Consumer) loop(ctx context.Context, sub *subscription) {
	defer c.setState(StateShuttingDown)

	attempt := 0
	for {
		if sub == nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			s, err := c.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.setState(StateDisconnected)
				c.logger.Warn("ブローカーへの接続に失敗しました",
					"event", "broker_connect_failed",
					"module", "internal/notification",
					"layer", "consumer",
					"attempt", attempt,
					"backoff", c.backoff.String(),
					"error", err.Error(),
				)
				if err := c.wait(ctx, c.backoff); err != nil {
					return
				}
				continue
			}
			attempt = 0
			sub = s
		}

		err := c.consume(ctx, sub)
		_ = sub.session.Close()
		sub = nil
		if ctx.Err() != nil {
			c.logger.Info("購読を停止しました",
				"event", "consumer_stopped",
				"module", "internal/notification",
				"layer", "consumer",
			)
			return
		}

		c.setState(StateDisconnected)
		c.logger.Warn("ブローカーとの接続が失われました",
			"event", "broker_connection_lost",
			"module", "internal/notification",
			"layer", "consumer",
			"backoff", c.backoff.String(),
			"error", err.Error(),
		)
		if err := c.wait(ctx, c.backoff); err != nil {
			return
		}
	}
}

// connect はブローカーに接続し、2つのキューを宣言して購読を登録する。
func (c *Consumer) connect(ctx context.Context) (*subscription, error) {
	c.setState(StateConnecting)
	session, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	for _, q := range []string{event.QueueTaskEvents, event.QueueNotificationEvents} {
		if err := session.DeclareQueue(q); err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("キュー %s の宣言に失敗: %w", q, err)
		}
	}

	c.setState(StateSubscribed)
	tasks, err := session.Consume(event.QueueTaskEvents, consumerTag(event.QueueTaskEvents))
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("キュー %s の購読に失敗: %w", event.QueueTaskEvents, err)
	}
	notifications, err := session.Consume(event.QueueNotificationEvents, consumerTag(event.QueueNotificationEvents))
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("キュー %s の購読に失敗: %w", event.QueueNotificationEvents, err)
	}

	return &subscription{session: session, tasks: tasks, notifications: notifications}, nil
}

// consume は接続が失われるかctxがキャンセルされるまでメッセージを受信する。
func (c *Consumer) consume(ctx context.Context, sub *subscription) error {
	c.setState(StateConsuming)
	c.logger.Info("キューの購読を開始しました",
		"event", "consumer_started",
		"module", "internal/notification",
		"layer", "consumer",
		"queues", []string{event.QueueTaskEvents, event.QueueNotificationEvents},
	)

	closed := sub.session.NotifyClose()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-closed:
			if !ok || err == nil {
				return fmt.Errorf("%w: 接続がクローズされました", broker.ErrUnavailable)
			}
			return err
		case d, ok := <-sub.tasks:
			if !ok {
				return fmt.Errorf("%w: %s の配信が終了しました", broker.ErrUnavailable, event.QueueTaskEvents)
			}
			c.dispatch(ctx, d)
		case d, ok := <-sub.notifications:
			if !ok {
				return fmt.Errorf("%w: %s の配信が終了しました", broker.ErrUnavailable, event.QueueNotificationEvents)
			}
			c.dispatch(ctx, d)
		}
	}
}

// dispatch はメッセージをackしてからハンドラーへ渡す。
// 停止要求後に受け取ったメッセージはackせず、ブローカーに再配信させる。
func (c *Consumer) dispatch(ctx context.Context, d broker.Delivery) {
	if ctx.Err() != nil {
		return
	}
	if err := d.Ack(); err != nil {
		c.logger.Warn("メッセージのackに失敗しました",
			"event", "message_ack_failed",
			"module", "internal/notification",
			"layer", "consumer",
			"queue", d.Queue,
			"error", err.Error(),
		)
		return
	}

	// 処理中のストア書き込みは停止要求でキャンセルしない。
	if err := c.handler.Handle(context.WithoutCancel(ctx), d); err != nil {
		c.logger.Error("メッセージの処理に失敗したため破棄しました",
			"event", "message_handle_failed",
			"module", "internal/notification",
			"layer", "consumer",
			"queue", d.Queue,
			"message_id", d.MessageID,
			"error", err.Error(),
		)
	}
}

func consumerTag(queue string) string {
	return "notification-" + queue + "-" + uuid.NewString()
}

// sleepContext はdだけ待つ。ctxがキャンセルされた場合はそのエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
