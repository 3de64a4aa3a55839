// Package camera カメラパイプラインをホストアプリケーションに公開するアダプタ
//
// # 責務
// - パイプライン（source → jpegdec → videoconvert → sink）の構築と破棄
// - 再生・一時停止・停止の状態遷移
// - デコード済み RGBA フレームの保持とプレビュー提供
// - ズームレベルの設定と範囲管理
// - 静止画の撮影と撮影完了の通知
// - V4L2 デバイスの検出と実名取得
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラのフレームを RGBA で受け取りたい
// - ズームなどのデバイスコントロールを操作したい
// - 接続されているカメラデバイスを列挙したい
//
// # 仕様
// - Camera: パイプラインの状態遷移とフレームの受け渡しを担う
// - Discovery: /dev/video* の検出と sysfs からの実名取得
// - フレームバッファは RWMutex で保護され、ハンドオフとプレビュー読み出しが並行して動く
// - バスの警告・エラーは zap でログ出力される
//
// # 前提要件
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
//   - GStreamer バックエンドを使う場合は gst タグでビルドし、以下をインストールする
//     Ubuntu/Debian: sudo apt install libgstreamer1.0-dev gstreamer1.0-plugins-good
package camera
