//go:build !unix

package camera

import "os"

// canAccess はデバイスファイルを読み書きできるか確認する
func canAccess(device string) bool {
	file, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}
