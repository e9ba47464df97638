package notification

import (
	"fmt"
	"strings"
	"time"
)

// Severity は通知の重要度を表す。
type Severity string

const (
	// SeverityInfo は通常の情報通知。
	SeverityInfo Severity = "info"
	// SeveritySuccess は完了などの肯定的な通知。
	SeveritySuccess Severity = "success"
	// SeverityWarning は期限間近などの注意喚起。
	SeverityWarning Severity = "warning"
	// SeverityError は期限切れなどの緊急度の高い通知。
	SeverityError Severity = "error"
)

// ParseSeverity は文字列を重要度として解釈する。
// 空文字はinfoとして扱い、未知の値はfalseを返す。
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case "", SeverityInfo:
		return SeverityInfo, true
	case SeveritySuccess:
		return SeveritySuccess, true
	case SeverityWarning:
		return SeverityWarning, true
	case SeverityError:
		return SeverityError, true
	default:
		return "", false
	}
}

// SourceDirect は直接送信された通知のsource_event_type。
const SourceDirect = "direct"

// Notification はユーザーに表示される保存済みの通知。
// 生成後は変更されない。Readは読み取り時に既読マーカーから設定される。
type Notification struct {
	// ID は通知の識別子。イベントタイプ、発生元ID、作成時刻（秒）から作るため一意性は保証しない。
	ID string `json:"id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message string `json:"message"`
	// Severity は通知の重要度。
	Severity Severity `json:"severity"`
	// SourceEventType は通知の元になったイベントタイプ。直接送信では "direct"。
	SourceEventType string `json:"source_event_type"`
	// RelatedTaskID は関連するタスクのID。
	RelatedTaskID *int64 `json:"related_task_id,omitempty"`
	// CreatedAt は作成日時（UTC）。
	CreatedAt time.Time `json:"created_at"`
	// Read は既読状態。
	Read bool `json:"read"`
}

// notificationID は "<source>_<sourceID>_<unix秒>" 形式のIDを作る。
// sourceIDが空の場合は "<source>_<unix秒>" になる。
func notificationID(source, sourceID string, at time.Time) string {
	if sourceID == "" {
		return fmt.Sprintf("%s_%d", source, at.Unix())
	}
	return fmt.Sprintf("%s_%s_%d", source, sourceID, at.Unix())
}
