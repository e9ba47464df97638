package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EncodeTaskEvent はタスクイベントをtask_eventsキュー用のJSONにシリアライズする。
// dataにはタスクの属性を渡す。user_idを含まないイベントは受信側で破棄される。
func EncodeTaskEvent(eventType Type, data map[string]any) ([]byte, error) {
	if eventType == "" {
		return nil, errors.New("イベントタイプが空です")
	}
	if data == nil {
		data = map[string]any{}
	}

	body, err := json.Marshal(TaskEventMessage{Type: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("タスクイベントのシリアライズに失敗: %w", err)
	}
	return body, nil
}

// EncodeNotificationEvent は直接通知をnotification_eventsキュー用のJSONにシリアライズする。
func EncodeNotificationEvent(msg NotificationEventMessage) ([]byte, error) {
	if msg.UserID <= 0 {
		return nil, fmt.Errorf("ユーザーIDが不正です: %d", msg.UserID)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("通知イベントのシリアライズに失敗: %w", err)
	}
	return body, nil
}
