package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/taskflow/pkg/event"
)

// ErrInvalidNotificationEvent は直接通知イベントが通知先または本文を持たないことを表す。
var ErrInvalidNotificationEvent = errors.New("直接通知イベントが不正です")

// Builder はイベントから通知を生成する。
// I/Oを行わない純粋な変換で、時刻だけを外部から差し替えられる。
type Builder struct {
	catalog *Catalog
	now     func() time.Time
}

// NewBuilder は新しいBuilderを生成する。
func NewBuilder(catalog *Catalog) *Builder {
	return &Builder{
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Build はイベントから通知を生成する。
// タスクイベントのタイプがカタログにない場合、または直接通知が不正な場合はfalseを返す。
func (b *Builder) Build(ev *event.Event) (Notification, bool) {
	if ev == nil {
		return Notification{}, false
	}
	switch ev.Kind {
	case event.KindTaskEvent:
		return b.fromTaskEvent(ev)
	case event.KindDirectNotification:
		n, err := b.FromDirect(ev)
		return n, err == nil
	default:
		return Notification{}, false
	}
}

// fromTaskEvent はテンプレートを使ってタスクイベントから通知を生成する。
func (b *Builder) fromTaskEvent(ev *event.Event) (Notification, bool) {
	tmpl, ok := b.catalog.Lookup(ev.EventType)
	if !ok {
		return Notification{}, false
	}

	now := b.now()
	sourceID, ok := ev.Field(event.FieldID)
	if !ok || sourceID == "" {
		sourceID = "unknown"
	}

	n := Notification{
		ID:              notificationID(string(ev.EventType), sourceID, now),
		Title:           tmpl.Title,
		Message:         tmpl.Render(ev.Payload),
		Severity:        tmpl.Severity,
		SourceEventType: string(ev.EventType),
		CreatedAt:       now,
	}
	if taskID, ok := ev.TaskID(); ok {
		n.RelatedTaskID = &taskID
	}
	return n, true
}

// FromDirect は直接通知イベントの "notification" をそのまま通知に変換する。
// 通知先ユーザーと、タイトルまたは本文のいずれかを持つことだけを検証する。
func (b *Builder) FromDirect(ev *event.Event) (Notification, error) {
	if _, ok := ev.UserID(); !ok {
		return Notification{}, fmt.Errorf("%w: user_idがありません", ErrInvalidNotificationEvent)
	}
	body := ev.Notification()
	if len(body) == 0 {
		return Notification{}, fmt.Errorf("%w: notificationがありません", ErrInvalidNotificationEvent)
	}

	title := stringValue(body["title"])
	message := stringValue(body["message"])
	if strings.TrimSpace(title) == "" && strings.TrimSpace(message) == "" {
		return Notification{}, fmt.Errorf("%w: titleとmessageが空です", ErrInvalidNotificationEvent)
	}

	severity, ok := ParseSeverity(stringValue(body["type"]))
	if !ok {
		severity = SeverityInfo
	}

	now := b.now()
	createdAt := now
	if raw := stringValue(body["created_at"]); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			createdAt = t.UTC()
		}
	}

	source := stringValue(body["event_type"])
	if source == "" {
		source = SourceDirect
	}

	id := stringValue(body["id"])
	if id == "" {
		id = notificationID(SourceDirect, "", now)
	}

	n := Notification{
		ID:              id,
		Title:           title,
		Message:         message,
		Severity:        severity,
		SourceEventType: source,
		CreatedAt:       createdAt,
	}
	for _, key := range []string{"task_id", "related_task_id"} {
		if taskID, ok := intValue(body[key]); ok {
			n.RelatedTaskID = &taskID
			break
		}
	}
	return n, nil
}

// NewDirect はアプリケーション層から直接送信される通知を生成する。
// severityが空の場合はinfoになる。
func (b *Builder) NewDirect(title, message string, severity Severity) Notification {
	if severity == "" {
		severity = SeverityInfo
	}
	now := b.now()
	return Notification{
		ID:              notificationID(SourceDirect, "", now),
		Title:           title,
		Message:         message,
		Severity:        severity,
		SourceEventType: SourceDirect,
		CreatedAt:       now,
	}
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return ""
	}
}

func intValue(v any) (int64, bool) {
	s := strings.TrimSpace(stringValue(v))
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
