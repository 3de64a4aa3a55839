//go:build !linux

package pipeline

// NewV4L2SourceFromConfig は Linux 以外では常に ErrUnsupportedPlatform を返す
func NewV4L2SourceFromConfig(_ SourceConfig) (Source, error) {
	return nil, ErrUnsupportedPlatform
}
