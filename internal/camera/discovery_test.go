package camera

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// setupDeviceTree はテスト用の /dev と sysfs のツリーを作成する
func setupDeviceTree(t *testing.T, names map[string]string, extra ...string) (string, string) {
	t.Helper()
	devRoot := t.TempDir()
	sysRoot := t.TempDir()

	for base, name := range names {
		if err := os.WriteFile(filepath.Join(devRoot, base), nil, 0o600); err != nil {
			t.Fatalf("デバイスファイルの作成に失敗: %v", err)
		}
		if name == "" {
			continue
		}
		dir := filepath.Join(sysRoot, base)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("sysfs ディレクトリの作成に失敗: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0o644); err != nil {
			t.Fatalf("name ファイルの作成に失敗: %v", err)
		}
	}
	for _, base := range extra {
		if err := os.WriteFile(filepath.Join(devRoot, base), nil, 0o600); err != nil {
			t.Fatalf("ファイルの作成に失敗: %v", err)
		}
	}

	return devRoot, sysRoot
}

func TestLinuxDiscovery_ScanDevices(t *testing.T) {
	ctx := context.Background()
	devRoot, sysRoot := setupDeviceTree(t, map[string]string{
		"video10": "USB Camera",
		"video2":  "",
		"video0":  "Integrated Camera",
	}, "video-index0", "videoX")
	discovery := NewLinuxDiscoveryWithRoots(devRoot, sysRoot)

	devices, err := discovery.ScanDevices(ctx)
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}

	want := []string{
		filepath.Join(devRoot, "video0"),
		filepath.Join(devRoot, "video2"),
		filepath.Join(devRoot, "video10"),
	}
	if len(devices) != len(want) {
		t.Fatalf("Expected %v, got %v", want, devices)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Errorf("devices[%d]: expected %s, got %s", i, want[i], devices[i])
		}
	}
}

func TestLinuxDiscovery_ScanDevicesCancelled(t *testing.T) {
	devRoot, sysRoot := setupDeviceTree(t, map[string]string{"video0": ""})
	discovery := NewLinuxDiscoveryWithRoots(devRoot, sysRoot)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := discovery.ScanDevices(ctx); err == nil {
		t.Error("キャンセル済みのコンテキストでエラーになりません")
	}
}

func TestLinuxDiscovery_IsDeviceAvailable(t *testing.T) {
	ctx := context.Background()
	discovery := NewLinuxDiscovery()

	// 存在しないデバイスをテスト
	if discovery.IsDeviceAvailable(ctx, "/dev/video999") {
		t.Error("Expected non-existent device to be unavailable")
	}

	// 無効なパスをテスト
	if discovery.IsDeviceAvailable(ctx, "/invalid/path") {
		t.Error("Expected invalid path to be unavailable")
	}
}

func TestLinuxDiscovery_GetDeviceInfo(t *testing.T) {
	ctx := context.Background()
	devRoot, sysRoot := setupDeviceTree(t, map[string]string{
		"video34": "HD Pro Webcam C920",
		"video1":  "",
	})
	discovery := NewLinuxDiscoveryWithRoots(devRoot, sysRoot)

	info, err := discovery.GetDeviceInfo(ctx, filepath.Join(devRoot, "video34"))
	if err != nil {
		t.Fatalf("GetDeviceInfo failed: %v", err)
	}
	if info.Name != "HD Pro Webcam C920" {
		t.Errorf("Expected sysfs name, got %q", info.Name)
	}
	if info.Index != 34 {
		t.Errorf("Expected index 34, got %d", info.Index)
	}

	// sysfs に名前がない場合は番号から生成
	info, err = discovery.GetDeviceInfo(ctx, filepath.Join(devRoot, "video1"))
	if err != nil {
		t.Fatalf("GetDeviceInfo failed: %v", err)
	}
	if info.Name != "カメラ 1" {
		t.Errorf("Expected fallback name, got %q", info.Name)
	}

	if _, err := discovery.GetDeviceInfo(ctx, filepath.Join(devRoot, "video5")); err == nil {
		t.Error("存在しないデバイスでエラーになりません")
	}
}

func TestExtractDeviceNumber(t *testing.T) {
	testCases := []struct {
		device string
		want   int
	}{
		{"/dev/video0", 0},
		{"/dev/video34", 34},
		{"/dev/video-index0", 0},
		{"video7", 7},
	}
	for _, tc := range testCases {
		if got := extractDeviceNumber(tc.device); got != tc.want {
			t.Errorf("extractDeviceNumber(%s) = %d, want %d", tc.device, got, tc.want)
		}
	}
}

func TestMockDiscovery(t *testing.T) {
	ctx := context.Background()
	mockDevices := []string{"/dev/video0", "/dev/video1"}
	discovery := NewMockDiscovery(mockDevices)

	// ScanDevicesのテスト
	devices, err := discovery.ScanDevices(ctx)
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}

	if len(devices) != len(mockDevices) {
		t.Fatalf("Expected %d devices, got %d", len(mockDevices), len(devices))
	}

	for i, device := range devices {
		if device != mockDevices[i] {
			t.Errorf("Expected device %s, got %s", mockDevices[i], device)
		}
	}

	// IsDeviceAvailableのテスト
	if !discovery.IsDeviceAvailable(ctx, "/dev/video0") {
		t.Error("Expected /dev/video0 to be available")
	}

	if discovery.IsDeviceAvailable(ctx, "/dev/video2") {
		t.Error("Expected /dev/video2 to be unavailable")
	}

	// GetDeviceInfoのテスト
	info, err := discovery.GetDeviceInfo(ctx, "/dev/video1")
	if err != nil {
		t.Fatalf("GetDeviceInfo failed: %v", err)
	}
	if info.Index != 1 || info.Driver != "mock" {
		t.Errorf("Unexpected device info: %+v", info)
	}

	// AddDevice / RemoveDevice
	discovery.AddDevice("/dev/video2")
	discovery.AddDevice("/dev/video2")
	discovery.RemoveDevice("/dev/video0")

	devices, _ = discovery.ScanDevices(ctx)
	if len(devices) != 2 || devices[0] != "/dev/video1" || devices[1] != "/dev/video2" {
		t.Errorf("Unexpected devices: %v", devices)
	}
	if _, err := discovery.GetDeviceInfo(ctx, "/dev/video0"); err == nil {
		t.Error("削除したデバイスの情報が取得できました")
	}
}
