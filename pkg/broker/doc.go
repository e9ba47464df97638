// Package broker はメッセージブローカー（RabbitMQ）との通信を抽象化する。
//
// Dialer/Session インターフェースで接続・キュー宣言・購読・発行を表し、
// AMQPDialer がamqp091-goによる実装を提供する。
// 再接続の方針は呼び出し側（通知ワーカー）が持ち、このパッケージは
// 接続断をSession.NotifyCloseで通知するだけに留める。
package broker
