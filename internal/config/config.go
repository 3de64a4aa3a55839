package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"hitomi/internal/camera"
	"hitomi/internal/pipeline"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Log    LogConfig    `yaml:"log" toml:"log"`
	Server ServerConfig `yaml:"server" toml:"server"`
	Camera CameraConfig `yaml:"camera" toml:"camera"`
	Stream StreamConfig `yaml:"stream" toml:"stream"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level       string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"` // ログレベル
	Format      string `yaml:"format" toml:"format" validate:"oneof=json console"`        // 出力形式
	Development bool   `yaml:"development" toml:"development"`                            // 開発モード（スタックトレースなど）
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`                             // リッスンするホスト
	Port int    `yaml:"port" toml:"port" validate:"min=1,max=65535"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout" validate:"min=0"`         // 読み込みタイムアウト
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout" validate:"min=0"`       // 書き込みタイムアウト
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"min=0"` // シャットダウン待ち時間
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend    string `yaml:"backend" toml:"backend" validate:"oneof=native gst"`
	Source     string `yaml:"source" toml:"source" validate:"oneof=v4l2 mjpeg test"`
	Device     string `yaml:"device" toml:"device" validate:"required_if=Source v4l2"` // デバイスパス (例: /dev/video34)
	URL        string `yaml:"url" toml:"url" validate:"required_if=Source mjpeg,omitempty,url"`
	NumBuffers int    `yaml:"num_buffers" toml:"num_buffers" validate:"min=0"` // test ソースの生成フレーム数（0 は無制限）

	// Caps フィルタ
	SourceCaps string `yaml:"source_caps" toml:"source_caps" validate:"omitempty,caps"`
	OutputCaps string `yaml:"output_caps" toml:"output_caps" validate:"omitempty,caps"`

	// ズーム範囲
	MinZoom float64 `yaml:"min_zoom" toml:"min_zoom" validate:"min=0"`
	MaxZoom float64 `yaml:"max_zoom" toml:"max_zoom" validate:"gtefield=MinZoom"`

	// 撮影設定
	CaptureDir  string `yaml:"capture_dir" toml:"capture_dir" validate:"required"`
	JPEGQuality int    `yaml:"jpeg_quality" toml:"jpeg_quality" validate:"min=1,max=100"`

	PrerollTimeout Duration `yaml:"preroll_timeout" toml:"preroll_timeout" validate:"min=0"` // 非同期遷移の待ち時間
}

// StreamConfig は MJPEG プレビュー配信の設定
type StreamConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Quality  int      `yaml:"quality" toml:"quality" validate:"min=1,max=100"` // JPEG 品質
	Interval Duration `yaml:"interval" toml:"interval" validate:"min=0"`       // 配信間隔の下限（0 は毎フレーム）
}

// Duration は "10s" のような文字列で表す時間
type Duration time.Duration

// UnmarshalText は time.ParseDuration の形式を読み込む
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("無効な時間: %w", err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText は time.Duration の文字列表現を返す
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std は time.Duration を返す
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default は既定の設定を返す
func Default() *Config {
	settings := camera.DefaultSettings()

	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Camera: CameraConfig{
			Backend:        settings.Backend,
			Source:         settings.Source,
			Device:         settings.Device,
			SourceCaps:     settings.SourceCaps,
			OutputCaps:     settings.OutputCaps,
			MinZoom:        settings.MinZoom,
			MaxZoom:        settings.MaxZoom,
			CaptureDir:     settings.CaptureDir,
			JPEGQuality:    settings.JPEGQuality,
			PrerollTimeout: Duration(settings.PrerollTimeout),
		},
		Stream: StreamConfig{
			Enabled:  true,
			Quality:  75,
			Interval: 0,
		},
	}
}

// Load は設定を読み込む
// 既定値、設定ファイル（path が空でなければ）、環境変数の順に適用して検証する
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile は拡張子に応じて YAML または TOML を読み込む
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("YAML の解析に失敗: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("TOML の解析に失敗: %w", err)
		}
	default:
		return fmt.Errorf("未対応の設定ファイル形式: %s", ext)
	}

	return nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.Device = getEnvOrDefault("CAMERA_DEVICE", c.Camera.Device)
	c.Camera.Source = getEnvOrDefault("CAMERA_SOURCE", c.Camera.Source)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s が無効です（%s=%s）: %v", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value())
		}
		return err
	}

	if c.Camera.Backend == camera.BackendGst && c.Camera.Source != pipeline.SourceKindV4L2 {
		return fmt.Errorf("gst バックエンドは v4l2 ソースのみ対応しています: %s", c.Camera.Source)
	}

	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("caps", func(fl validator.FieldLevel) bool {
		_, err := pipeline.ParseCaps(fl.Field().String())
		return err == nil
	})
	return v
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CameraSettings はカメラの設定に変換する
func (c *Config) CameraSettings() camera.Settings {
	var props map[string]any
	if c.Camera.NumBuffers > 0 {
		props = map[string]any{"num-buffers": c.Camera.NumBuffers}
	}

	return camera.Settings{
		Backend:          c.Camera.Backend,
		Source:           c.Camera.Source,
		Device:           c.Camera.Device,
		URL:              c.Camera.URL,
		SourceProperties: props,
		SourceCaps:       c.Camera.SourceCaps,
		OutputCaps:       c.Camera.OutputCaps,
		MinZoom:          c.Camera.MinZoom,
		MaxZoom:          c.Camera.MaxZoom,
		CaptureDir:       c.Camera.CaptureDir,
		JPEGQuality:      c.Camera.JPEGQuality,
		PrerollTimeout:   c.Camera.PrerollTimeout.Std(),
	}
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
