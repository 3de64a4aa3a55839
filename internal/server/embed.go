package server

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed all:dist
var embedFS embed.FS

// ビューアのファイルは起動時に一度だけ取り出す
var (
	distFS    = must(fs.Sub(embedFS, "dist"))
	indexHTML = must(fs.ReadFile(distFS, "index.html"))
)

func must[T any](v T, err error) T {
	if err != nil {
		panic("server: 埋め込みビューアの読み込みに失敗: " + err.Error())
	}
	return v
}

// GetStaticFS はビューアの静的ファイルを返す
func GetStaticFS() http.FileSystem {
	return http.FS(distFS)
}
