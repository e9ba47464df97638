package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DecodeError はメッセージ本文がイベントとして解釈できないことを表す。
// コンシューマーはこのエラーを受け取ったメッセージをログに残して破棄する。
type DecodeError struct {
	// Kind はデコードしようとしたメッセージの種別。
	Kind Kind
	// Err は原因となったエラー。
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%sのデコードに失敗: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeTaskEvent はtask_eventsキューのメッセージ本文をデコードする。
// 本文は {"type": string, "data": object} 形式のJSONオブジェクトでなければならない。
// user_idの有無はここでは検証しない。
func DecodeTaskEvent(body []byte) (*Event, error) {
	raw, err := decodeObject(body)
	if err != nil {
		return nil, &DecodeError{Kind: KindTaskEvent, Err: err}
	}

	var eventType Type
	switch v := raw["type"].(type) {
	case nil:
	case string:
		eventType = Type(v)
	default:
		return nil, &DecodeError{Kind: KindTaskEvent, Err: fmt.Errorf("typeが文字列ではありません: %T", v)}
	}

	data := map[string]any{}
	switch v := raw["data"].(type) {
	case nil:
	case map[string]any:
		data = v
	default:
		return nil, &DecodeError{Kind: KindTaskEvent, Err: fmt.Errorf("dataがオブジェクトではありません: %T", v)}
	}

	return &Event{
		Kind:      KindTaskEvent,
		EventType: eventType,
		Payload:   data,
	}, nil
}

// DecodeNotificationEvent はnotification_eventsキューのメッセージ本文をデコードする。
// 本文は {"user_id": ..., "notification": object} 形式のJSONオブジェクトでなければならない。
func DecodeNotificationEvent(body []byte) (*Event, error) {
	raw, err := decodeObject(body)
	if err != nil {
		return nil, &DecodeError{Kind: KindDirectNotification, Err: err}
	}

	switch v := raw[FieldNotification].(type) {
	case nil, map[string]any:
	default:
		return nil, &DecodeError{Kind: KindDirectNotification, Err: fmt.Errorf("notificationがオブジェクトではありません: %T", v)}
	}

	return &Event{
		Kind:    KindDirectNotification,
		Payload: raw,
	}, nil
}

// decodeObject は本文をJSONオブジェクトとしてデコードする。
// 数値はjson.Numberとして保持し、後続データがある場合はエラーにする。
func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("JSONの構文が不正です: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("JSONの後ろに余分なデータがあります")
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("トップレベルがオブジェクトではありません: %T", v)
	}
	return obj, nil
}
