package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MediaJPEG は JPEG 圧縮フレームのメディアタイプ
	MediaJPEG = "image/jpeg"
	// MediaRaw は非圧縮フレームのメディアタイプ
	MediaRaw = "video/x-raw"
	// FormatRGBA は RGBA 8bit のピクセルフォーマット
	FormatRGBA = "RGBA"
)

// Fraction はフレームレートを分数で表す
type Fraction struct {
	Num int
	Den int
}

// IsZero は未設定かどうかを返す
func (f Fraction) IsZero() bool {
	return f.Num == 0
}

// Float は分数を浮動小数点数で返す
func (f Fraction) Float() float64 {
	if f.Den == 0 {
		return 0
	}
	return float64(f.Num) / float64(f.Den)
}

// String は "30/1" 形式の文字列を返す
func (f Fraction) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// Caps はパッド間でネゴシエーションされるフォーマットを表す
// ゼロ値のフィールドは「任意」を意味する
type Caps struct {
	Media     string
	Format    string
	Width     int
	Height    int
	Framerate Fraction
}

// ParseCaps は "image/jpeg,width=1920,height=1080,framerate=30/1" 形式の文字列を解析する
// GStreamer の型注釈（"(int)1920" など）も受け付ける
func ParseCaps(s string) (Caps, error) {
	var caps Caps

	parts := strings.Split(strings.TrimSpace(s), ",")
	caps.Media = strings.TrimSpace(parts[0])
	if caps.Media == "" {
		return Caps{}, fmt.Errorf("メディアタイプが空です: %q", s)
	}

	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return Caps{}, fmt.Errorf("無効なフィールド: %q", part)
		}
		key := strings.TrimSpace(kv[0])
		value := stripTypeAnnotation(strings.TrimSpace(kv[1]))

		switch key {
		case "format":
			caps.Format = value
		case "width", "height":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return Caps{}, fmt.Errorf("無効な %s: %q", key, value)
			}
			if key == "width" {
				caps.Width = n
			} else {
				caps.Height = n
			}
		case "framerate":
			f, err := parseFraction(value)
			if err != nil {
				return Caps{}, err
			}
			caps.Framerate = f
		default:
			return Caps{}, fmt.Errorf("未対応のフィールド: %q", key)
		}
	}

	return caps, nil
}

// MustParseCaps は ParseCaps が失敗した場合に panic する
func MustParseCaps(s string) Caps {
	caps, err := ParseCaps(s)
	if err != nil {
		panic(err)
	}
	return caps
}

// String は Caps を文字列表現に変換する
func (c Caps) String() string {
	var b strings.Builder
	b.WriteString(c.Media)
	if c.Format != "" {
		fmt.Fprintf(&b, ",format=%s", c.Format)
	}
	if c.Width > 0 {
		fmt.Fprintf(&b, ",width=%d", c.Width)
	}
	if c.Height > 0 {
		fmt.Fprintf(&b, ",height=%d", c.Height)
	}
	if !c.Framerate.IsZero() {
		fmt.Fprintf(&b, ",framerate=%s", c.Framerate)
	}
	return b.String()
}

// Intersects は2つの Caps が両立するかを返す
// 両方に設定されているフィールドだけを比較する
func (c Caps) Intersects(other Caps) bool {
	if c.Media != "" && other.Media != "" && c.Media != other.Media {
		return false
	}
	if c.Format != "" && other.Format != "" && c.Format != other.Format {
		return false
	}
	if c.Width > 0 && other.Width > 0 && c.Width != other.Width {
		return false
	}
	if c.Height > 0 && other.Height > 0 && c.Height != other.Height {
		return false
	}
	if !c.Framerate.IsZero() && !other.Framerate.IsZero() &&
		c.Framerate.Num*other.Framerate.Den != other.Framerate.Num*c.Framerate.Den {
		return false
	}
	return true
}

// Merge は未設定のフィールドを other の値で埋めた Caps を返す
func (c Caps) Merge(other Caps) Caps {
	if c.Media == "" {
		c.Media = other.Media
	}
	if c.Format == "" {
		c.Format = other.Format
	}
	if c.Width == 0 {
		c.Width = other.Width
	}
	if c.Height == 0 {
		c.Height = other.Height
	}
	if c.Framerate.IsZero() {
		c.Framerate = other.Framerate
	}
	return c
}

func parseFraction(s string) (Fraction, error) {
	numStr, denStr, found := strings.Cut(s, "/")
	if !found {
		denStr = "1"
	}
	num, err := strconv.Atoi(numStr)
	if err != nil || num < 0 {
		return Fraction{}, fmt.Errorf("無効なフレームレート: %q", s)
	}
	den, err := strconv.Atoi(denStr)
	if err != nil || den <= 0 {
		return Fraction{}, fmt.Errorf("無効なフレームレート: %q", s)
	}
	return Fraction{Num: num, Den: den}, nil
}

func stripTypeAnnotation(v string) string {
	if strings.HasPrefix(v, "(") {
		if idx := strings.Index(v, ")"); idx >= 0 {
			return strings.TrimSpace(v[idx+1:])
		}
	}
	return v
}
