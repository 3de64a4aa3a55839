package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnsupportedPlatform は V4L2 が使えないプラットフォームで返される
var ErrUnsupportedPlatform = errors.New("pipeline: v4l2 is only supported on linux")

// コントロール ID（linux/v4l2-controls.h）
const (
	cidUserBase   uint32 = 0x00980900
	cidCameraBase uint32 = 0x009a0900
)

// v4l2Controls はコントロール名と V4L2 コントロール ID の対応
var v4l2Controls = map[string]uint32{
	"brightness":        cidUserBase + 0,
	"contrast":          cidUserBase + 1,
	"saturation":        cidUserBase + 2,
	"hue":               cidUserBase + 3,
	"gain":              cidUserBase + 19,
	"sharpness":         cidUserBase + 27,
	"exposure-absolute": cidCameraBase + 2,
	"pan-absolute":      cidCameraBase + 8,
	"tilt-absolute":     cidCameraBase + 9,
	"focus-absolute":    cidCameraBase + 10,
	"zoom-absolute":     cidCameraBase + 13,
	"zoom-relative":     cidCameraBase + 14,
}

// ControlID はコントロール名に対応する V4L2 コントロール ID を返す
func ControlID(name string) (uint32, error) {
	id, ok := v4l2Controls[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrControlUnsupported, name)
	}
	return id, nil
}

// ControlNames は既知のコントロール名を返す
func ControlNames() []string {
	names := make([]string, 0, len(v4l2Controls))
	for name := range v4l2Controls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
