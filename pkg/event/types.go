package event

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// キュー名。どちらもdurableとして宣言される。
const (
	// QueueTaskEvents はタスクサービスが発行するタスクイベントのキュー名。
	QueueTaskEvents = "task_events"
	// QueueNotificationEvents は完成済み通知を直接届けるためのキュー名。
	QueueNotificationEvents = "notification_events"
)

// Kind はブローカーから受信したメッセージの種別を表す。
type Kind string

const (
	// KindTaskEvent はtask_eventsキューから受信したタスクイベントを表す。
	KindTaskEvent Kind = "task_event"
	// KindDirectNotification はnotification_eventsキューから受信した直接通知を表す。
	KindDirectNotification Kind = "direct_notification_event"
)

// Type はタスクイベントの種類を表す。
type Type string

const (
	// TypeTaskCreated はタスクが作成されたことを表す。
	TypeTaskCreated Type = "task_created"
	// TypeTaskUpdated はタスクが更新されたことを表す。
	TypeTaskUpdated Type = "task_updated"
	// TypeTaskCompleted はタスクが完了したことを表す。
	TypeTaskCompleted Type = "task_completed"
	// TypeTaskDueSoon はタスクの期限が近いことを表す。
	TypeTaskDueSoon Type = "task_due_soon"
	// TypeTaskOverdue はタスクの期限が過ぎたことを表す。
	TypeTaskOverdue Type = "task_overdue"
	// TypeCommentAdded はタスクにコメントが追加されたことを表す。
	TypeCommentAdded Type = "comment_added"
)

// ペイロード内の既知のキー。
const (
	FieldID           = "id"
	FieldTitle        = "title"
	FieldUserID       = "user_id"
	FieldNotification = "notification"
)

// Event はブローカーの1メッセージをデコードした結果。
// 受信から通知生成までの間だけ存在する一時的なレコード。
type Event struct {
	// Kind はメッセージの種別。
	Kind Kind `json:"kind"`
	// EventType はタスクイベントの種類。直接通知では空。
	EventType Type `json:"event_type,omitempty"`
	// Payload はイベント固有のデータ。
	// タスクイベントでは "data" オブジェクト、直接通知ではメッセージ全体。
	// 数値はjson.Numberのまま保持される。
	Payload map[string]any `json:"payload"`
}

// UserID はペイロードから通知先のユーザーIDを解決する。
// 解決規則はNormalizeUserIDに従う。
func (e *Event) UserID() (string, bool) {
	if e == nil {
		return "", false
	}
	return NormalizeUserID(e.Payload[FieldUserID])
}

// NormalizeUserID はJSON由来の値を通知先のユーザーIDに正規化する。
// 数値は正の整数だけを受け付ける。文字列は前後の空白を除いて空でなければ受け付けるが、
// 整数として読める場合は正の値である必要がある。
func NormalizeUserID(v any) (string, bool) {
	var n int64
	switch id := v.(type) {
	case json.Number:
		i, err := id.Int64()
		if err != nil {
			return "", false
		}
		n = i
	case int:
		n = int64(id)
	case int64:
		n = id
	case float64:
		if id != math.Trunc(id) || id > math.MaxInt64 {
			return "", false
		}
		n = int64(id)
	case string:
		s := strings.TrimSpace(id)
		if s == "" {
			return "", false
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil && i <= 0 {
			return "", false
		}
		return s, true
	default:
		return "", false
	}
	if n <= 0 {
		return "", false
	}
	return strconv.FormatInt(n, 10), true
}

// TaskID はペイロードの "id" を整数として解決する。
// 整数として解釈できない場合はfalseを返す。
func (e *Event) TaskID() (int64, bool) {
	if e == nil {
		return 0, false
	}
	id, ok := scalarID(e.Payload[FieldID])
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Field はペイロードの指定キーを文字列として返す。
// 値がnilまたは存在しない場合はfalseを返す。
func (e *Event) Field(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	switch v := e.Payload[key].(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// Notification は直接通知イベントの "notification" オブジェクトを返す。
// 存在しない、またはオブジェクトでない場合はnilを返す。
func (e *Event) Notification() map[string]any {
	if e == nil {
		return nil
	}
	body, _ := e.Payload[FieldNotification].(map[string]any)
	return body
}

// scalarID はIDとして使えるスカラー値を文字列に正規化する。
func scalarID(v any) (string, bool) {
	var s string
	switch id := v.(type) {
	case json.Number:
		s = id.String()
	case string:
		s = strings.TrimSpace(id)
	case int:
		s = strconv.Itoa(id)
	case int64:
		s = strconv.FormatInt(id, 10)
	case float64:
		s = strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return "", false
	}
	if s == "" || s == "0" {
		return "", false
	}
	return s, true
}

// TaskEventMessage はtask_eventsキューに流れるメッセージのJSON構造。
type TaskEventMessage struct {
	// Type はイベントの種類。
	Type Type `json:"type"`
	// Data はタスクの属性（id, title, user_id など）。
	Data map[string]any `json:"data"`
}

// NotificationEventMessage はnotification_eventsキューに流れるメッセージのJSON構造。
type NotificationEventMessage struct {
	// UserID は通知先のユーザーID。
	UserID int64 `json:"user_id"`
	// Notification は完成済みの通知本体。
	Notification NotificationBody `json:"notification"`
}

// NotificationBody は直接通知の本体。
type NotificationBody struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	// Type は通知の重要度（info, success, warning, error）。
	Type string `json:"type,omitempty"`
	// TaskID は関連するタスクのID。
	TaskID *int64 `json:"task_id,omitempty"`
}
