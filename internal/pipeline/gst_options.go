package pipeline

import (
	"errors"

	"go.uber.org/zap"
)

// ErrGstRequired は gst タグなしでビルドされたときに GStreamer バックエンドが要求されると返される
var ErrGstRequired = errors.New("pipeline: GStreamer backend requires the gst build tag")

// GstOptions は GStreamer パイプラインの設定
//
//	v4l2src device=<Device> ! <SourceCaps> ! jpegdec ! videoconvert ! <OutputCaps> ! appsink
type GstOptions struct {
	Device     string
	SourceCaps Caps
	OutputCaps Caps
	Logger     *zap.Logger
}

// launchLine は等価な gst-launch-1.0 の記述を返す
func (o GstOptions) launchLine() string {
	out := o.OutputCaps.Merge(Caps{Media: MediaRaw, Format: FormatRGBA})
	line := "v4l2src device=" + o.Device + " ! " + o.SourceCaps.Merge(Caps{Media: MediaJPEG}).String() +
		" ! jpegdec ! videoconvert"
	if out.Width > 0 || out.Height > 0 {
		line += " ! videoscale"
	}
	return line + " ! " + out.String() + " ! appsink"
}
