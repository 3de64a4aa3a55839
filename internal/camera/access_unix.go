//go:build unix

package camera

import "golang.org/x/sys/unix"

// canAccess はデバイスファイルを読み書きできるか確認する
func canAccess(device string) bool {
	return unix.Access(device, unix.R_OK|unix.W_OK) == nil
}
