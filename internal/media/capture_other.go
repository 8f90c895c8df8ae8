//go:build !linux

package media

// NewDeviceCapture is only implemented on Linux, where pion/mediadevices
// has camera and microphone drivers. Elsewhere callers fall back to
// SyntheticCapture.
func NewDeviceCapture(string) (Capturer, error) {
	return nil, ErrCaptureUnsupported
}
