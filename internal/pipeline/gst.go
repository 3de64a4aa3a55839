//go:build gst

package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-gst/go-glib/glib"
	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"go.uber.org/zap"
)

var gstInitOnce sync.Once

// InitGst は GStreamer ライブラリを一度だけ初期化する
func InitGst() {
	gstInitOnce.Do(func() {
		gst.Init(nil)
	})
}

// Gst は go-gst で構築した GStreamer パイプライン
type Gst struct {
	pipeline *gst.Pipeline
	source   *gst.Element
	sink     *app.Sink
	bus      *Bus
	loop     *glib.MainLoop
	logger   *zap.Logger

	state *gstTracker

	hmu     sync.RWMutex
	handoff HandoffFunc
}

// NewGst は GStreamer パイプラインを作成する
func NewGst(opts GstOptions) (Pipeline, error) {
	InitGst()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gst")

	g := &Gst{
		bus:    NewBus(),
		logger: logger,
		state:  newGstTracker(),
	}
	if err := g.build(opts); err != nil {
		if g.pipeline != nil {
			_ = g.pipeline.SetState(gst.StateNull)
		}
		return nil, err
	}

	logger.Info("パイプラインを作成しました", zap.String("launch", opts.launchLine()))
	return g, nil
}

func (g *Gst) build(opts GstOptions) error {
	pipeline, err := gst.NewPipeline("pipeline")
	if err != nil {
		return fmt.Errorf("pipeline の作成に失敗: %w", err)
	}
	g.pipeline = pipeline

	source, err := gst.NewElementWithName("v4l2src", "source")
	if err != nil {
		return fmt.Errorf("v4l2src の作成に失敗: %w", err)
	}
	if err := source.SetProperty("device", opts.Device); err != nil {
		return fmt.Errorf("device の設定に失敗: %w", err)
	}
	g.source = source

	jpegdec, err := gst.NewElementWithName("jpegdec", "jpegdec")
	if err != nil {
		return fmt.Errorf("jpegdec の作成に失敗: %w", err)
	}

	convert, err := gst.NewElementWithName("videoconvert", "videoconvert")
	if err != nil {
		return fmt.Errorf("videoconvert の作成に失敗: %w", err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("videosink の作成に失敗: %w", err)
	}
	if err := sink.SetProperty("sync", true); err != nil {
		return fmt.Errorf("sync の設定に失敗: %w", err)
	}
	if err := sink.SetProperty("qos", false); err != nil {
		return fmt.Errorf("qos の設定に失敗: %w", err)
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: g.onNewSample,
	})
	g.sink = sink

	out := opts.OutputCaps.Merge(Caps{Media: MediaRaw, Format: FormatRGBA})
	elements := []*gst.Element{source, jpegdec, convert}
	last := convert
	if out.Width > 0 || out.Height > 0 {
		scale, err := gst.NewElementWithName("videoscale", "videoscale")
		if err != nil {
			return fmt.Errorf("videoscale の作成に失敗: %w", err)
		}
		if err := convert.Link(scale); err != nil {
			return fmt.Errorf("videoconvert と videoscale のリンクに失敗: %w", err)
		}
		elements = append(elements, scale)
		last = scale
	}
	elements = append(elements, sink.Element)

	if err := pipeline.AddMany(elements...); err != nil {
		return fmt.Errorf("エレメントの追加に失敗: %w", err)
	}

	srcCaps := opts.SourceCaps.Merge(Caps{Media: MediaJPEG})
	if err := source.LinkFiltered(jpegdec, gst.NewCapsFromString(srcCaps.String())); err != nil {
		return fmt.Errorf("source と jpegdec のリンクに失敗: %w", err)
	}
	if err := jpegdec.Link(convert); err != nil {
		return fmt.Errorf("jpegdec と videoconvert のリンクに失敗: %w", err)
	}
	if err := last.LinkFiltered(sink.Element, gst.NewCapsFromString(out.String())); err != nil {
		return fmt.Errorf("videoconvert と sink のリンクに失敗: %w", err)
	}

	pipeline.GetPipelineBus().AddWatch(g.onMessage)
	g.loop = glib.NewMainLoop(glib.MainContextDefault(), false)
	go g.loop.Run()

	return nil
}

// Bus はパイプラインのバスを返す
func (g *Gst) Bus() *Bus {
	return g.bus
}

// SetHandoff はフレームごとのコールバックを設定する
func (g *Gst) SetHandoff(fn HandoffFunc) {
	g.hmu.Lock()
	defer g.hmu.Unlock()
	g.handoff = fn
}

// SetState は目標状態への遷移を開始する
func (g *Gst) SetState(state State) StateChangeReturn {
	ret, err := g.state.changeState(state, func() error {
		return g.pipeline.SetState(gst.State(state))
	}, g.CurrentState)
	if err != nil {
		g.logger.Error("状態遷移に失敗", zap.Stringer("to", state), zap.Error(err))
	}
	return ret
}

// GetState は目標状態に到達するまで待つ
// 待機中にバスへ ERROR が流れると StateChangeFailure を返す
func (g *Gst) GetState(timeout time.Duration) (StateChangeReturn, State) {
	return g.state.wait(g.CurrentState, timeout)
}

// CurrentState は現在の状態を返す
func (g *Gst) CurrentState() State {
	return State(g.pipeline.GetCurrentState())
}

// SetSourceControl は v4l2src の extra-controls でコントロールを設定する
func (g *Gst) SetSourceControl(name string, value int) error {
	if g.source == nil {
		return fmt.Errorf("ソースが初期化されていません")
	}
	if _, err := ControlID(name); err != nil {
		return err
	}

	controls := gst.NewStructure("controls")
	if err := controls.SetValue(strings.ReplaceAll(name, "-", "_"), value); err != nil {
		return fmt.Errorf("コントロール %s の作成に失敗: %w", name, err)
	}
	if err := g.source.SetProperty("extra-controls", controls); err != nil {
		return fmt.Errorf("extra-controls の設定に失敗: %w", err)
	}
	return nil
}

// Close はパイプラインを NULL に戻してメインループを止める
func (g *Gst) Close() error {
	g.SetHandoff(nil)
	err := g.pipeline.BlockSetState(gst.StateNull)
	if g.loop != nil {
		g.loop.Quit()
	}
	g.bus.SetFlushing(true)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateChange, err)
	}
	return nil
}

// onNewSample は appsink から RGBA フレームを取り出してハンドオフする
func (g *Gst) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	structure := sample.GetCaps().GetStructureAt(0)
	width, height := structureInt(structure, "width"), structureInt(structure, "height")
	if width <= 0 || height <= 0 {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := make([]byte, len(mapInfo.Bytes()))
	copy(data, mapInfo.Bytes())
	buffer.Unmap()

	seq, pts := g.state.nextFrame()

	g.hmu.RLock()
	fn := g.handoff
	g.hmu.RUnlock()
	if fn == nil {
		return gst.FlowOK
	}

	fn(&Buffer{
		Data:     data,
		Width:    width,
		Height:   height,
		Stride:   width * 4,
		Sequence: seq,
		PTS:      pts,
	}, Caps{Media: MediaRaw, Format: FormatRGBA, Width: width, Height: height})

	return gst.FlowOK
}

// onMessage は GStreamer のバスメッセージを Bus に載せ替える
func (g *Gst) onMessage(msg *gst.Message) bool {
	switch msg.Type() {
	case gst.MessageError:
		gerr := msg.ParseError()
		g.state.fail(gerr)
		g.bus.Post(&Message{Type: MessageError, Source: msg.Source(), Err: gerr, Debug: gerr.DebugString()})
	case gst.MessageWarning:
		gerr := msg.ParseWarning()
		g.bus.Post(&Message{Type: MessageWarning, Source: msg.Source(), Err: gerr, Debug: gerr.DebugString()})
	case gst.MessageEOS:
		g.bus.Post(&Message{Type: MessageEOS, Source: msg.Source()})
	case gst.MessageStateChanged:
		oldState, newState := msg.ParseStateChanged()
		g.bus.Post(&Message{
			Type:     MessageStateChanged,
			Source:   msg.Source(),
			OldState: State(oldState),
			NewState: State(newState),
		})
	case gst.MessageElement:
		st := msg.GetStructure()
		if st == nil {
			break
		}
		structure := NewStructure(st.Name())
		for key, value := range st.Values() {
			structure.Set(key, value)
		}
		g.bus.Post(&Message{Type: MessageElement, Source: msg.Source(), Structure: structure})
	}
	return true
}

func structureInt(st *gst.Structure, key string) int {
	if st == nil {
		return 0
	}
	v, err := st.GetValue(key)
	if err != nil {
		return 0
	}
	n, _ := v.(int)
	return n
}
