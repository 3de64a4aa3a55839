package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStateChange は状態遷移に失敗したときに返される
	ErrStateChange = errors.New("pipeline: state change failed")

	// ErrControlUnsupported はソースがコントロールをサポートしていないときに返される
	ErrControlUnsupported = errors.New("pipeline: control not supported")

	// ErrNotNegotiated は Caps のネゴシエーションに失敗したときに返される
	ErrNotNegotiated = errors.New("pipeline: not negotiated")

	// ErrUnknownSource は登録されていないソース種別が指定されたときに返される
	ErrUnknownSource = errors.New("pipeline: unknown source kind")
)

// State はパイプラインの状態を表す
type State int

const (
	StateVoidPending State = iota // 保留中の状態なし
	StateNull                     // 初期状態（リソース未確保）
	StateReady                    // デバイスを開いた状態
	StatePaused                   // ストリーミング開始済み、ハンドオフなし
	StatePlaying                  // フレームをシンクに渡している状態
)

// String は状態の文字列表現を返す
func (s State) String() string {
	switch s {
	case StateVoidPending:
		return "VOID_PENDING"
	case StateNull:
		return "NULL"
	case StateReady:
		return "READY"
	case StatePaused:
		return "PAUSED"
	case StatePlaying:
		return "PLAYING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChangeReturn は状態遷移の結果を表す
type StateChangeReturn int

const (
	StateChangeFailure   StateChangeReturn = iota // 遷移に失敗
	StateChangeSuccess                            // 遷移が完了
	StateChangeAsync                              // 遷移は非同期で完了する
	StateChangeNoPreroll                          // ライブソースのためプリロールなし
)

// String は遷移結果の文字列表現を返す
func (r StateChangeReturn) String() string {
	switch r {
	case StateChangeFailure:
		return "FAILURE"
	case StateChangeSuccess:
		return "SUCCESS"
	case StateChangeAsync:
		return "ASYNC"
	case StateChangeNoPreroll:
		return "NO_PREROLL"
	default:
		return fmt.Sprintf("StateChangeReturn(%d)", int(r))
	}
}

// Buffer はシンクに渡されるデコード済みフレーム
//
// ハンドオフ後の Buffer は変更されないため、複数のゴルーチンから読み取ってよい。
type Buffer struct {
	Data     []byte        // RGBA ピクセルデータ
	Width    int           // 画像幅
	Height   int           // 画像高さ
	Stride   int           // 1行あたりのバイト数
	Sequence uint64        // フレーム番号
	PTS      time.Duration // ストリーム開始からの経過時間
}

// HandoffFunc はシンクがフレームを受け取るたびに呼ばれる
type HandoffFunc func(buf *Buffer, caps Caps)

// Pipeline はカメラパイプラインを統一するインターフェース
type Pipeline interface {
	// SetState は目標状態への遷移を開始する
	SetState(state State) StateChangeReturn

	// GetState は非同期遷移の完了を待ち、現在の状態を返す
	// timeout が負の場合は無期限に待つ
	GetState(timeout time.Duration) (StateChangeReturn, State)

	// CurrentState は待たずに現在の状態を返す
	CurrentState() State

	// Bus はパイプラインのバスを返す
	Bus() *Bus

	// SetHandoff はシンクのハンドオフコールバックを設定する（nil で無効化）
	SetHandoff(fn HandoffFunc)

	// SetSourceControl はソースエレメントのコントロールを設定する
	SetSourceControl(name string, value int) error

	// Close はパイプラインを NULL に戻してリソースを解放する
	Close() error
}
