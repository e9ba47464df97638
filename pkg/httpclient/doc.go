// Package httpclient は通知サービスのHTTP APIを呼び出すJSONクライアントを提供する。
//
// 運用ツールから内部APIの直接送信や一覧取得を行う際に使用する。
package httpclient
