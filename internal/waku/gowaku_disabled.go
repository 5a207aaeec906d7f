//go:build !real_waku

package waku

// Builds without the real_waku tag only have the mock transport.
func newGoWakuBackend() transport {
	return nil
}
