package pipeline

import (
	"sync"
	"time"
)

// MessageType はバスメッセージの種類
type MessageType int

const (
	MessageEOS          MessageType = iota // ストリーム終端
	MessageError                           // エラー
	MessageWarning                         // 警告
	MessageInfo                            // 情報
	MessageStateChanged                    // 状態遷移
	MessageElement                         // エレメント固有メッセージ
)

// String はメッセージ種別の文字列表現を返す
func (t MessageType) String() string {
	switch t {
	case MessageEOS:
		return "eos"
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageInfo:
		return "info"
	case MessageStateChanged:
		return "state-changed"
	case MessageElement:
		return "element"
	default:
		return "unknown"
	}
}

// Structure は名前付きのフィールド集合
type Structure struct {
	Name   string
	Fields map[string]any
}

// NewStructure は新しい Structure を作成する
func NewStructure(name string) *Structure {
	return &Structure{Name: name, Fields: make(map[string]any)}
}

// Set はフィールドを設定してレシーバを返す
func (s *Structure) Set(key string, value any) *Structure {
	s.Fields[key] = value
	return s
}

// HasName は構造体名が一致するかを返す
func (s *Structure) HasName(name string) bool {
	return s != nil && s.Name == name
}

// GetString は文字列フィールドを取得する
func (s *Structure) GetString(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.Fields[key].(string)
	return v, ok
}

// GetInt は整数フィールドを取得する
func (s *Structure) GetInt(key string) (int, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.Fields[key].(int)
	return v, ok
}

// Message はバスを流れるメッセージ
type Message struct {
	Type      MessageType
	Source    string     // 送信元エレメント名
	Structure *Structure // MessageElement の内容
	Err       error      // MessageError / MessageWarning / MessageInfo の内容
	Debug     string     // 詳細情報
	OldState  State      // MessageStateChanged の遷移前状態
	NewState  State      // MessageStateChanged の遷移後状態
	Timestamp time.Time
}

// BusSyncReply は同期ハンドラの戻り値
type BusSyncReply int

const (
	BusDrop BusSyncReply = iota // メッセージを破棄する
	BusPass                     // キューに積む
)

// SyncHandler は送信したゴルーチン上で呼ばれるハンドラ
type SyncHandler func(msg *Message) BusSyncReply

// Bus はエレメントからアプリケーションへメッセージを届ける
type Bus struct {
	mu       sync.RWMutex
	handler  SyncHandler
	queue    chan *Message
	flushing bool
}

const busQueueSize = 64

// NewBus は新しい Bus を作成する
func NewBus() *Bus {
	return &Bus{
		queue: make(chan *Message, busQueueSize),
	}
}

// SetSyncHandler は同期ハンドラを設定する（nil で解除）
func (b *Bus) SetSyncHandler(handler SyncHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// SetFlushing が true の間は送信されたメッセージをすべて破棄する
func (b *Bus) SetFlushing(flushing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushing = flushing
	if flushing {
		for {
			select {
			case <-b.queue:
			default:
				return
			}
		}
	}
}

// Post はメッセージを送信する
// 同期ハンドラが BusPass を返した場合のみキューに積み、積めたかどうかを返す
func (b *Bus) Post(msg *Message) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.RLock()
	handler := b.handler
	flushing := b.flushing
	b.mu.RUnlock()

	if flushing {
		return false
	}

	if handler != nil && handler(msg) == BusDrop {
		return false
	}

	select {
	case b.queue <- msg:
		return true
	default:
		// キューが満杯の場合は古いメッセージを破棄
		select {
		case <-b.queue:
		default:
		}
		select {
		case b.queue <- msg:
			return true
		default:
			return false
		}
	}
}

// Pop はキューからメッセージを取り出す（なければ nil）
func (b *Bus) Pop() *Message {
	select {
	case msg := <-b.queue:
		return msg
	default:
		return nil
	}
}

// TimedPop はメッセージが届くまで最大 timeout 待つ
func (b *Bus) TimedPop(timeout time.Duration) *Message {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-b.queue:
		return msg
	case <-timer.C:
		return nil
	}
}

// postError はエラーメッセージを送信するヘルパー
func (b *Bus) postError(source string, err error, debug string) {
	b.Post(&Message{Type: MessageError, Source: source, Err: err, Debug: debug})
}

// postWarning は警告メッセージを送信するヘルパー
func (b *Bus) postWarning(source string, err error, debug string) {
	b.Post(&Message{Type: MessageWarning, Source: source, Err: err, Debug: debug})
}
