package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
)

// jpegDecoder は JPEG フレームを画像にデコードする
type jpegDecoder struct{}

func (d *jpegDecoder) Name() string {
	return "jpegdec"
}

// Decode は JPEG 以外のペイロードを拒否してからデコードする
func (d *jpegDecoder) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("空のフレーム")
	}
	if mt := mimetype.Detect(data); !mt.Is(MediaJPEG) {
		return nil, fmt.Errorf("JPEG ではないペイロード: %s", mt.String())
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("JPEG のデコードに失敗: %w", err)
	}
	return img, nil
}

// videoConvert は任意の画像を RGBA に変換し、必要なら拡大縮小する
type videoConvert struct {
	width  int // 0 は入力と同じ
	height int // 0 は入力と同じ
}

func (c *videoConvert) Name() string {
	return "videoconvert"
}

// Convert は画像を RGBA に変換する
func (c *videoConvert) Convert(img image.Image) *image.RGBA {
	sr := img.Bounds()

	w, h := c.width, c.height
	if w <= 0 {
		w = sr.Dx()
	}
	if h <= 0 {
		h = sr.Dy()
	}

	if rgba, ok := img.(*image.RGBA); ok && w == sr.Dx() && h == sr.Dy() && sr.Min == (image.Point{}) {
		return rgba
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == sr.Dx() && h == sr.Dy() {
		draw.Draw(dst, dst.Bounds(), img, sr.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, sr, draw.Src, nil)
	}
	return dst
}
