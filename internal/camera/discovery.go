package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var deviceNamePattern = regexp.MustCompile(`^video(\d+)$`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	devRoot string // デバイスファイルのディレクトリ
	sysRoot string // video4linux の sysfs ディレクトリ
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return NewLinuxDiscoveryWithRoots("/dev", "/sys/class/video4linux")
}

// NewLinuxDiscoveryWithRoots は検索ディレクトリを指定してLinuxDiscoveryを作成する
func NewLinuxDiscoveryWithRoots(devRoot, sysRoot string) *LinuxDiscovery {
	return &LinuxDiscovery{
		devRoot: devRoot,
		sysRoot: sysRoot,
	}
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	var devices []string

	// /dev/video* パターンでデバイスを検索
	matches, err := filepath.Glob(filepath.Join(d.devRoot, "video*"))
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	for _, match := range matches {
		// コンテキストのキャンセルをチェック
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if d.IsDeviceAvailable(ctx, match) {
			devices = append(devices, match)
		}
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが読み書き可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !deviceNamePattern.MatchString(filepath.Base(device)) {
		return false
	}

	if _, err := os.Stat(device); err != nil {
		return false
	}

	return canAccess(device)
}

// GetDeviceInfo はデバイスの詳細情報を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	base := filepath.Base(device)
	num := extractDeviceNumber(device)

	info := &DeviceInfo{
		Device: device,
		Index:  num,
		Name:   d.readSysfsName(base),
		Driver: d.readSysfsDriver(base),
	}
	if info.Name == "" {
		// フォールバック: デバイス番号から生成
		info.Name = fmt.Sprintf("カメラ %d", num)
	}

	return info, nil
}

// readSysfsName は /sys/class/video4linux/videoN/name からカード名を読む
func (d *LinuxDiscovery) readSysfsName(base string) string {
	data, err := os.ReadFile(filepath.Join(d.sysRoot, base, "name"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readSysfsDriver は device/driver のリンク先からドライバー名を得る
func (d *LinuxDiscovery) readSysfsDriver(base string) string {
	target, err := os.Readlink(filepath.Join(d.sysRoot, base, "device", "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	// /dev/videoXX から XX を抽出
	matches := deviceNamePattern.FindStringSubmatch(filepath.Base(device))
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return num
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices     []string
	deviceInfos map[string]*DeviceInfo
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{
		deviceInfos: make(map[string]*DeviceInfo),
	}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	return m.devices, nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	_, exists := m.deviceInfos[device]
	return exists
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	info, exists := m.deviceInfos[device]
	if !exists {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}

	// コピーを返す
	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	if _, exists := m.deviceInfos[device]; exists {
		return
	}

	m.devices = append(m.devices, device)
	m.deviceInfos[device] = &DeviceInfo{
		Device: device,
		Index:  extractDeviceNumber(device),
		Name:   fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Driver: "mock",
	}
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.deviceInfos, device)
}
