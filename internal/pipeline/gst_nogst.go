//go:build !gst

package pipeline

// NewGst は gst タグなしのビルドでは常に ErrGstRequired を返す
func NewGst(_ GstOptions) (Pipeline, error) {
	return nil, ErrGstRequired
}
