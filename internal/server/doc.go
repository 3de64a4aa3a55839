// Package server は、カメラを操作する HTTP API を提供します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// プレビュー配信、イベント配信、ビューアの配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - 再生・一時停止・停止、ズーム、撮影の API
//   - 最新フレームの取得（RGBA / PNG / JPEG）
//   - MJPEG プレビューの配信
//   - Server-Sent Events による撮影完了・状態変化の通知
//   - 静的ファイル（ビューア）の配信
//
// 仕様:
//   - gin を使用
//   - プレビューは go-mjpeg のストリームで配信
//   - グレースフルシャットダウンに対応
//   - 複数クライアントの同時接続をサポート
package server
