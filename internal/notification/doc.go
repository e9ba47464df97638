// Package notification は通知パイプラインの内部実装を提供する。
//
// ブローカーのtask_events/notification_eventsキューからイベントを受信し、
// テンプレートカタログで利用者向けの通知に変換して、ユーザーごとの
// 上限付き・期限付きリストに保存する。保存済み通知の一覧取得、既読管理、
// 全削除、直接送信はServiceとHTTPサーバーから提供する。
//
// 主な構成要素:
//   - Catalog: イベントタイプ → タイトル/本文テンプレート/重要度
//   - Builder: イベントから通知を生成する純粋な変換
//   - Store: ユーザーごとの通知リスト（RedisStore, SQLiteStore, BreakerStore）
//   - Handler: 1メッセージ分のデコード → 生成 → 保存
//   - Consumer: 受信ループと再接続の状態機械
//   - Service / Server: 読み取り側の操作とHTTP境界
package notification
