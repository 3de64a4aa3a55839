package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var errPrerollFailed = errors.New("pipeline: stream ended before preroll")

// NativeOptions は Native パイプラインの設定
type NativeOptions struct {
	SourceCaps Caps // source → jpegdec 間のフィルタ
	OutputCaps Caps // videoconvert → sink 間のフィルタ（format は RGBA のみ）
	Logger     *zap.Logger
}

// Native は Go だけで構成したパイプライン
// source → jpegdec → videoconvert → fakesink
type Native struct {
	source  Source
	decoder *jpegDecoder
	convert *videoConvert
	bus     *Bus
	opts    NativeOptions
	logger  *zap.Logger

	// 状態遷移用
	mu           sync.Mutex
	current      State
	negotiated   Caps
	streamCancel context.CancelFunc
	streamDone   chan struct{}

	// 非同期遷移（プリロール）用
	amu       sync.Mutex
	asyncDone chan struct{}
	asyncErr  error

	// ストリーミングスレッドとの共有
	playing atomic.Bool
	wake    chan struct{}

	// シンク
	hmu     sync.RWMutex
	handoff HandoffFunc
}

// NewNative は新しい Native パイプラインを NULL 状態で作成する
func NewNative(source Source, opts NativeOptions) (*Native, error) {
	if source == nil {
		return nil, fmt.Errorf("ソースが指定されていません")
	}
	if opts.SourceCaps.Media != "" && opts.SourceCaps.Media != MediaJPEG {
		return nil, fmt.Errorf("%w: jpegdec は %s を受け付けません", ErrNotNegotiated, opts.SourceCaps.Media)
	}
	if opts.OutputCaps.Media != "" && opts.OutputCaps.Media != MediaRaw {
		return nil, fmt.Errorf("%w: videoconvert は %s を出力できません", ErrNotNegotiated, opts.OutputCaps.Media)
	}
	if opts.OutputCaps.Format != "" && opts.OutputCaps.Format != FormatRGBA {
		return nil, fmt.Errorf("%w: videoconvert は %s を出力できません", ErrNotNegotiated, opts.OutputCaps.Format)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Native{
		source:  source,
		decoder: &jpegDecoder{},
		convert: &videoConvert{width: opts.OutputCaps.Width, height: opts.OutputCaps.Height},
		bus:     NewBus(),
		opts:    opts,
		logger:  logger.Named("pipeline"),
		current: StateNull,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Bus はパイプラインのバスを返す
func (p *Native) Bus() *Bus {
	return p.bus
}

// SetHandoff はシンクのハンドオフコールバックを設定する
func (p *Native) SetHandoff(fn HandoffFunc) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.handoff = fn
}

// SetSourceControl はソースのコントロールを設定する
func (p *Native) SetSourceControl(name string, value int) error {
	return p.source.SetControl(name, value)
}

// CurrentState は現在の状態を返す
func (p *Native) CurrentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// NegotiatedCaps はソースとネゴシエーションした Caps を返す
func (p *Native) NegotiatedCaps() Caps {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.negotiated
}

// SetState は目標状態まで1段ずつ遷移する
func (p *Native) SetState(target State) StateChangeReturn {
	if target < StateNull || target > StatePlaying {
		return StateChangeFailure
	}

	var messages []*Message
	defer func() {
		for _, msg := range messages {
			p.bus.Post(msg)
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	result := StateChangeSuccess
	for p.current != target {
		next := p.current + 1
		if target < p.current {
			next = p.current - 1
		}

		ret, err := p.changeState(p.current, next)
		if ret == StateChangeFailure {
			p.logger.Error("状態遷移に失敗",
				zap.Stringer("from", p.current),
				zap.Stringer("to", next),
				zap.Error(err))
			messages = append(messages, &Message{
				Type:   MessageError,
				Source: p.source.Name(),
				Err:    err,
				Debug:  fmt.Sprintf("%s → %s", p.current, next),
			})
			return StateChangeFailure
		}

		messages = append(messages, &Message{
			Type:     MessageStateChanged,
			Source:   "pipeline",
			OldState: p.current,
			NewState: next,
		})
		p.current = next

		if ret == StateChangeAsync {
			result = StateChangeAsync
		}
	}

	if result == StateChangeSuccess && p.current >= StatePaused && p.prerollPending() {
		result = StateChangeAsync
	}
	return result
}

// GetState は非同期遷移（プリロール）の完了を待つ
func (p *Native) GetState(timeout time.Duration) (StateChangeReturn, State) {
	p.amu.Lock()
	done := p.asyncDone
	p.amu.Unlock()

	if done != nil {
		if timeout < 0 {
			<-done
		} else {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				return StateChangeAsync, p.CurrentState()
			}
		}

		p.amu.Lock()
		err := p.asyncErr
		p.amu.Unlock()
		if err != nil {
			return StateChangeFailure, p.CurrentState()
		}
	}

	return StateChangeSuccess, p.CurrentState()
}

// Close はハンドオフを無効化して NULL に戻す
func (p *Native) Close() error {
	p.SetHandoff(nil)
	if p.SetState(StateNull) == StateChangeFailure {
		return fmt.Errorf("%w: NULL への遷移", ErrStateChange)
	}
	p.bus.SetFlushing(true)
	return nil
}

// changeState は隣接する状態への遷移を実行する（ロック済み前提）
func (p *Native) changeState(from, to State) (StateChangeReturn, error) {
	switch {
	case from == StateNull && to == StateReady:
		caps, err := p.source.Open(context.Background(), p.opts.SourceCaps)
		if err != nil {
			return StateChangeFailure, err
		}
		if !caps.Intersects(p.opts.SourceCaps) {
			_ = p.source.Close()
			return StateChangeFailure, fmt.Errorf("%w: %s と %s", ErrNotNegotiated, caps, p.opts.SourceCaps)
		}
		p.negotiated = caps
		p.logger.Info("Caps をネゴシエーションしました", zap.Stringer("caps", caps))
		return StateChangeSuccess, nil

	case from == StateReady && to == StatePaused:
		ctx, cancel := context.WithCancel(context.Background())
		frames, err := p.source.Start(ctx)
		if err != nil {
			cancel()
			return StateChangeFailure, err
		}

		asyncDone := make(chan struct{})
		p.amu.Lock()
		p.asyncDone = asyncDone
		p.asyncErr = nil
		p.amu.Unlock()

		p.streamCancel = cancel
		p.streamDone = make(chan struct{})
		go p.stream(ctx, frames, p.negotiated.Framerate, p.streamDone, asyncDone)
		return StateChangeAsync, nil

	case from == StatePaused && to == StatePlaying:
		p.playing.Store(true)
		select {
		case p.wake <- struct{}{}:
		default:
		}
		return StateChangeSuccess, nil

	case from == StatePlaying && to == StatePaused:
		p.playing.Store(false)
		return StateChangeSuccess, nil

	case from == StatePaused && to == StateReady:
		p.streamCancel()
		err := p.source.Stop()
		<-p.streamDone
		p.streamCancel = nil
		p.streamDone = nil

		p.amu.Lock()
		p.asyncDone = nil
		p.asyncErr = nil
		p.amu.Unlock()

		if err != nil {
			return StateChangeFailure, err
		}
		return StateChangeSuccess, nil

	case from == StateReady && to == StateNull:
		if err := p.source.Close(); err != nil {
			return StateChangeFailure, err
		}
		p.negotiated = Caps{}
		return StateChangeSuccess, nil
	}

	return StateChangeFailure, fmt.Errorf("%w: %s → %s", ErrStateChange, from, to)
}

// prerollPending はプリロールが未完了かどうかを返す
func (p *Native) prerollPending() bool {
	p.amu.Lock()
	defer p.amu.Unlock()
	if p.asyncDone == nil {
		return false
	}
	select {
	case <-p.asyncDone:
		return false
	default:
		return true
	}
}

// stream はストリーミングスレッド本体
func (p *Native) stream(ctx context.Context, frames <-chan []byte, framerate Fraction, done, asyncDone chan struct{}) {
	defer close(done)

	var (
		prerolled bool
		preroll   *Buffer
		seq       uint64
		start     = time.Now()
	)

	finishPreroll := func(err error) {
		if prerolled {
			return
		}
		prerolled = true
		p.amu.Lock()
		p.asyncErr = err
		p.amu.Unlock()
		close(asyncDone)
	}
	defer finishPreroll(errPrerollFailed)

	for {
		select {
		case <-ctx.Done():
			return

		case <-p.wake:
			if preroll != nil && p.playing.Load() {
				p.render(preroll, framerate)
				preroll = nil
			}

		case data, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				if err := p.source.Err(); err != nil {
					p.logger.Error("ソースが失敗しました", zap.String("element", p.source.Name()), zap.Error(err))
					finishPreroll(err)
					p.bus.Post(&Message{
						Type:   MessageError,
						Source: p.source.Name(),
						Err:    err,
						Debug:  fmt.Sprintf("frame %d の後にストリームが終了しました", seq),
					})
					return
				}
				p.bus.Post(&Message{Type: MessageEOS, Source: p.source.Name()})
				return
			}

			// PAUSED 中のライブソースのフレームは破棄する
			if prerolled && !p.playing.Load() {
				continue
			}

			img, err := p.decoder.Decode(data)
			if err != nil {
				p.bus.postWarning(p.decoder.Name(), err, fmt.Sprintf("frame %d を破棄しました", seq))
				continue
			}
			rgba := p.convert.Convert(img)

			buf := &Buffer{
				Data:     rgba.Pix,
				Width:    rgba.Rect.Dx(),
				Height:   rgba.Rect.Dy(),
				Stride:   rgba.Stride,
				Sequence: seq,
				PTS:      time.Since(start),
			}
			seq++

			if !prerolled {
				finishPreroll(nil)
				if !p.playing.Load() {
					preroll = buf
					continue
				}
			}
			preroll = nil
			p.render(buf, framerate)
		}
	}
}

// render は fakesink のハンドオフを呼び出す
func (p *Native) render(buf *Buffer, framerate Fraction) {
	p.hmu.RLock()
	fn := p.handoff
	p.hmu.RUnlock()

	if fn == nil {
		return
	}

	fn(buf, Caps{
		Media:     MediaRaw,
		Format:    FormatRGBA,
		Width:     buf.Width,
		Height:    buf.Height,
		Framerate: framerate,
	})
}
