package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nao1215/taskflow/pkg/broker"
	"github.com/nao1215/taskflow/pkg/event"
)

// tracerName はハンドラーが作るスパンの計装名。
const tracerName = "github.com/nao1215/taskflow/internal/notification"

// Handler は受信メッセージをデコードし、通知を組み立ててストアへ保存する。
// デコード失敗・未知のイベントタイプ・通知先不明のメッセージはログに残して破棄し、エラーを返さない。
// ストアの失敗だけがエラーとして返る。
type Handler struct {
	builder *Builder
	store   Store
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewHandler は新しいHandlerを生成する。
func NewHandler(builder *Builder, store Store, logger *slog.Logger) *Handler {
	return &Handler{
		builder: builder,
		store:   store,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
}

// Handle は受信元のキューに応じてメッセージを処理する。
func (h *Handler) Handle(ctx context.Context, d broker.Delivery) error {
	switch d.Queue {
	case event.QueueTaskEvents:
		return h.HandleTaskEvent(ctx, d.Body)
	case event.QueueNotificationEvents:
		return h.HandleNotificationEvent(ctx, d.Body)
	default:
		h.logger.Warn("未知のキューからのメッセージを破棄しました",
			"event", "message_discarded",
			"module", "internal/notification",
			"layer", "handler",
			"queue", d.Queue,
		)
		return nil
	}
}

// HandleTaskEvent はタスクイベントから通知を生成し、payloadのuser_idのリストへ追加する。
func (h *Handler) HandleTaskEvent(ctx context.Context, body []byte) error {
	ctx, span := h.tracer.Start(ctx, "Handler.HandleTaskEvent",
		trace.WithAttributes(attribute.String("messaging.destination.name", event.QueueTaskEvents)))
	defer span.End()

	ev, err := event.DecodeTaskEvent(body)
	if err != nil {
		h.discardMalformed(event.QueueTaskEvents, err)
		return nil
	}
	span.SetAttributes(attribute.String("event_type", string(ev.EventType)))

	userID, ok := ev.UserID()
	if !ok {
		h.logger.Warn("通知先ユーザーのないタスクイベントを破棄しました",
			"event", "message_unprocessable",
			"module", "internal/notification",
			"layer", "handler",
			"queue", event.QueueTaskEvents,
			"event_type", string(ev.EventType),
		)
		return nil
	}

	n, ok := h.builder.Build(ev)
	if !ok {
		h.logger.Debug("テンプレートのないイベントタイプを無視しました",
			"event", "event_type_unknown",
			"module", "internal/notification",
			"layer", "handler",
			"event_type", string(ev.EventType),
		)
		return nil
	}

	return h.append(ctx, span, userID, n)
}

// HandleNotificationEvent は直接通知イベントの通知を検証し、そのままリストへ追加する。
func (h *Handler) HandleNotificationEvent(ctx context.Context, body []byte) error {
	ctx, span := h.tracer.Start(ctx, "Handler.HandleNotificationEvent",
		trace.WithAttributes(attribute.String("messaging.destination.name", event.QueueNotificationEvents)))
	defer span.End()

	ev, err := event.DecodeNotificationEvent(body)
	if err != nil {
		h.discardMalformed(event.QueueNotificationEvents, err)
		return nil
	}

	n, err := h.builder.FromDirect(ev)
	if err != nil {
		if errors.Is(err, ErrInvalidNotificationEvent) {
			h.logger.Warn("不正な直接通知を破棄しました",
				"event", "message_unprocessable",
				"module", "internal/notification",
				"layer", "handler",
				"queue", event.QueueNotificationEvents,
				"error", err.Error(),
			)
			return nil
		}
		return err
	}

	// FromDirectはuser_idの存在を検証済み。
	userID, _ := ev.UserID()
	return h.append(ctx, span, userID, n)
}

func (h *Handler) append(ctx context.Context, span trace.Span, userID string, n Notification) error {
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("notification_id", n.ID),
	)
	if err := h.store.Append(ctx, userID, n); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store append failed")
		return fmt.Errorf("通知の保存に失敗（user_id=%s）: %w", userID, err)
	}

	h.logger.Info("通知を保存しました",
		"event", "notification_stored",
		"module", "internal/notification",
		"layer", "handler",
		"user_id", userID,
		"notification_id", n.ID,
		"source_event_type", n.SourceEventType,
	)
	return nil
}

func (h *Handler) discardMalformed(queue string, err error) {
	h.logger.Warn("デコードできないメッセージを破棄しました",
		"event", "message_malformed",
		"module", "internal/notification",
		"layer", "handler",
		"queue", queue,
		"error", err.Error(),
	)
}
