// Package pipeline カメラ映像パイプラインのオブジェクトモデルを提供する
//
// # 責務
// - エレメント（ソース、JPEGデコーダ、色変換、シンク）の構築と接続
// - 状態遷移（NULL → READY → PAUSED → PLAYING）の管理
// - Caps によるフォーマットネゴシエーション
// - バスメッセージ（エラー、警告、エレメントメッセージ）の配送
// - デコード済みフレームのハンドオフ
//
// # 仕様
// - Native バックエンド: Go だけで構成したパイプライン
//   source → jpegdec → videoconvert (RGBA) → fakesink
// - Gst バックエンド: go-gst 経由の GStreamer パイプライン（ビルドタグ gst が必要）
// - ソースは種別ごとに登録された作成関数から生成する
//   - v4l2: go4vl による V4L2 デバイスからの MJPEG キャプチャ（Linux のみ）
//   - mjpeg: HTTP 上の MJPEG ストリーム
//   - test: 合成パターンを JPEG で生成するテスト用ソース
package pipeline
